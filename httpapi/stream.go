package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/cdpreplay/internal/auth"
	"pkt.systems/cdpreplay/schema"
	"pkt.systems/pslog"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts requests without an Origin header and requests whose
// Origin host matches the Host header.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	_, host, ok := strings.Cut(origin, "://")
	return ok && strings.EqualFold(host, r.Host)
}

// streamFilter limits a stream to one tab. Events without a tab always pass.
type streamFilter struct {
	tab schema.TabID
}

func (f streamFilter) pass(event StreamEvent) bool {
	return f.tab == "" || event.TabID == "" || event.TabID == f.tab
}

// openStream subscribes to the hub and returns the snapshot plus replayed
// events. Subscribing before replaying means no event falls in between.
func (s *Server) openStream(ctx context.Context, lastID uint64) (<-chan StreamEvent, func(), []StreamEvent) {
	ch, unsub, seq := s.hub.Subscribe()
	events := []StreamEvent{s.snapshot(ctx)}
	if lastID > 0 {
		events = append(events, s.hub.Replay(lastID, seq)...)
	}
	return ch, unsub, events
}

func (s *Server) snapshot(ctx context.Context) StreamEvent {
	event := StreamEvent{Type: streamSnapshot, Timestamp: time.Now()}
	if status, err := s.service.Status(ctx, schema.StatusRequest{}); err == nil {
		event.Status = &status
		event.TabID = status.TabID
	}
	return event
}

func lastEventID(r *http.Request) uint64 {
	if id := parseUint(r.Header.Get("Last-Event-ID")); id > 0 {
		return id
	}
	return parseUint(r.URL.Query().Get("last_id"))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, _ auth.User) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := pslog.Ctx(r.Context())
	filter := streamFilter{tab: schema.TabID(strings.TrimSpace(r.URL.Query().Get("tab")))}
	lastID := lastEventID(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe, initial := s.openStream(r.Context(), lastID)
	defer unsubscribe()
	for _, event := range initial {
		if filter.pass(event) {
			_ = writeSSEvent(w, event)
		}
	}
	flusher.Flush()

	log.Info("http stream opened", "last_id", lastID, "replay", len(initial)-1, "tab", filter.tab)
	sessionEnded := sessionDone(r.Context())
	for {
		select {
		case <-r.Context().Done():
			log.Info("http stream closed")
			return
		case <-sessionEnded:
			log.Info("http stream closed", "reason", "session ended")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if !filter.pass(event) {
				continue
			}
			_ = writeSSEvent(w, event)
			flusher.Flush()
		}
	}
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return nil
}

// wsCommand is a message sent by a websocket client.
type wsCommand struct {
	Type string `json:"type"`
}

// wsReply answers a client command.
type wsReply struct {
	Type    string       `json:"type"`
	Aborted bool         `json:"aborted,omitempty"`
	RunID   schema.RunID `json:"runId,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// handleWebsocket streams the same events as handleStream over a websocket
// and accepts abort and ping commands from the client.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, user auth.User) {
	log := pslog.Ctx(r.Context())
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("http websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	filter := streamFilter{tab: schema.TabID(strings.TrimSpace(r.URL.Query().Get("tab")))}
	ch, unsubscribe, initial := s.openStream(ctx, lastEventID(r))
	defer unsubscribe()

	replies := make(chan wsReply, 8)
	go s.readWebsocket(ctx, cancel, conn, user, replies)

	write := func(payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	}
	for _, event := range initial {
		if filter.pass(event) {
			if err := write(event); err != nil {
				return
			}
		}
	}
	log.Info("http websocket opened", "tab", filter.tab)

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	sessionEnded := sessionDone(r.Context())
	for {
		select {
		case <-ctx.Done():
			log.Info("http websocket closed")
			return
		case <-sessionEnded:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session ended"), time.Now().Add(time.Second))
			log.Info("http websocket closed", "reason", "session ended")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case reply := <-replies:
			if err := write(reply); err != nil {
				return
			}
		case event, ok := <-ch:
			if !ok {
				return
			}
			if !filter.pass(event) {
				continue
			}
			if err := write(event); err != nil {
				log.Debug("http websocket write failed", "err", err)
				return
			}
		}
	}
}

// readWebsocket handles client commands until the connection fails, then
// cancels the stream.
func (s *Server) readWebsocket(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, user auth.User, replies chan<- wsReply) {
	defer cancel()
	log := pslog.Ctx(ctx)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("http websocket read ended", "err", err)
			}
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(msg, &cmd); err != nil {
			log.Debug("http websocket bad message", "err", err)
			continue
		}
		var reply wsReply
		switch cmd.Type {
		case "ping":
			reply = wsReply{Type: "pong"}
		case "abort":
			reply = wsReply{Type: "abort"}
			if !user.Role.Allows(auth.RoleOperator) {
				reply.Error = fmt.Sprintf("role %s may not do this", user.Role)
				break
			}
			resp, err := s.abort(ctx)
			if err != nil {
				reply.Error = err.Error()
				break
			}
			reply.Aborted = resp.Aborted
			reply.RunID = resp.RunID
		default:
			reply = wsReply{Type: "error", Error: fmt.Sprintf("unknown command %q", cmd.Type)}
		}
		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}
