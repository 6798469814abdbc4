package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/cdpreplay/core"
	"pkt.systems/cdpreplay/internal/auth"
	"pkt.systems/cdpreplay/internal/logx"
	"pkt.systems/cdpreplay/schema"
	"pkt.systems/pslog"
)

// Authenticator verifies operators and manages their passwords.
type Authenticator interface {
	Authenticate(username, password, totp string) (auth.User, error)
	Lookup(username string) (auth.User, error)
	SetPassword(username, password string) error
}

// Server serves the control API.
type Server struct {
	cfg       Config
	service   core.Service
	authStore Authenticator
	sessions  *sessionStore
	hub       *Hub
	basePath  string
}

type userHandler func(http.ResponseWriter, *http.Request, auth.User)

// NewServer constructs an HTTP server.
func NewServer(cfg Config, service core.Service, authStore Authenticator, hub *Hub) *Server {
	ttl := time.Duration(cfg.SessionTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 720 * time.Hour
	}
	if strings.TrimSpace(cfg.SessionCookie) == "" {
		cfg.SessionCookie = "cdpreplay_session"
	}
	if hub == nil {
		hub = NewHub(cfg.HubHistory)
	}
	return &Server{
		cfg:       cfg,
		service:   service,
		authStore: authStore,
		sessions:  newSessionStore(ttl, cfg.SessionFile),
		hub:       hub,
		basePath:  normalizeBasePath(cfg.BasePath),
	}
}

// SetBaseContext sets the parent context for session lifetimes.
func (s *Server) SetBaseContext(ctx context.Context) {
	if s == nil || ctx == nil {
		return
	}
	s.sessions.rebase(ctx)
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/logout", s.handleLogout)
	mux.HandleFunc("/api/me", s.requireRole(auth.RoleViewer, s.handleMe))
	mux.HandleFunc("/api/chpasswd", s.requireRole(auth.RoleViewer, s.handleChangePassword))

	mux.HandleFunc("/api/tabs", s.requireRole(auth.RoleViewer, s.handleTabs))
	mux.HandleFunc("/api/recordings", s.requireRole(auth.RoleViewer, s.handleRecordings))
	mux.HandleFunc("/api/recording", s.requireRole(auth.RoleViewer, s.handleRecording))
	mux.HandleFunc("/api/history", s.requireRole(auth.RoleViewer, s.handleHistory))
	mux.HandleFunc("/api/schema", s.requireRole(auth.RoleViewer, s.handleSchema))

	mux.HandleFunc("/api/run", s.requireRole(auth.RoleOperator, s.handleRun))
	mux.HandleFunc("/api/run-all", s.requireRole(auth.RoleOperator, s.handleRunAll))
	mux.HandleFunc("/api/abort", s.requireRole(auth.RoleOperator, s.handleAbort))
	mux.HandleFunc("/api/status", s.requireRole(auth.RoleViewer, s.handleStatus))

	mux.HandleFunc("/api/stream", s.requireRole(auth.RoleViewer, s.handleStream))
	mux.HandleFunc("/api/ws", s.requireRole(auth.RoleViewer, s.handleWebsocket))

	handler := withRequestLogging(mux, s.lookupSession)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != prefix {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
		TOTP     string `json:"totp"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http login decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log = log.With("user", payload.Username)
	user, err := s.authStore.Authenticate(payload.Username, payload.Password, payload.TOTP)
	if err != nil {
		log.Warn("http login failed", "err", err)
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	token, sess := s.sessions.open(schema.UserID(user.Username))
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    token,
		Path:     cookiePath(s.basePath),
		HttpOnly: true,
		Secure:   secureBaseURL(s.cfg.BaseURL),
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.expires,
	})
	writeJSON(w, http.StatusOK, meResponse(user))
	log.Info("http login ok", "role", user.Role)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	if token := s.sessionToken(r); token != "" {
		if entry, ok := s.sessions.lookup(token); ok {
			log = log.With("user", entry.user, "http_session", entry.id)
		}
		s.sessions.revoke(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    "",
		Path:     cookiePath(s.basePath),
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http logout")
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user auth.User) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, meResponse(user))
}

func meResponse(user auth.User) map[string]any {
	return map[string]any{"username": user.Username, "role": user.Role}
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, user auth.User) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := pslog.Ctx(r.Context())
	var payload struct {
		CurrentPassword string `json:"current_password"`
		TOTP            string `json:"totp"`
		NewPassword     string `json:"new_password"`
		ConfirmPassword string `json:"confirm_password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http chpasswd decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var problem string
	switch {
	case strings.TrimSpace(payload.CurrentPassword) == "":
		problem = "current password is required"
	case strings.TrimSpace(payload.TOTP) == "":
		problem = "totp is required"
	case strings.TrimSpace(payload.NewPassword) == "":
		problem = "new password is required"
	case payload.NewPassword != payload.ConfirmPassword:
		problem = "passwords do not match"
	}
	if problem != "" {
		writeError(w, http.StatusBadRequest, errors.New(problem))
		return
	}
	if _, err := s.authStore.Authenticate(user.Username, payload.CurrentPassword, payload.TOTP); err != nil {
		log.Warn("http chpasswd rejected", "err", err)
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if err := s.authStore.SetPassword(user.Username, payload.NewPassword); err != nil {
		log.Warn("http chpasswd failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http chpasswd ok")
}

// requireRole resolves the session cookie to an account and checks its
// role. The account is looked up on every request so role changes and
// deletions apply to open sessions.
func (s *Server) requireRole(need auth.Role, next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logx.Ctx(r.Context()).With("remote", clientIP(r))
		token := s.sessionToken(r)
		if token == "" {
			log.Warn("http session missing")
			writeError(w, http.StatusUnauthorized, errors.New("missing session"))
			return
		}
		entry, ok := s.sessions.lookup(token)
		if !ok {
			log.Warn("http session invalid")
			writeError(w, http.StatusUnauthorized, errors.New("invalid session"))
			return
		}
		log = log.With("user", entry.user, "http_session", entry.id)
		user, err := s.authStore.Lookup(string(entry.user))
		if err != nil {
			log.Warn("http session user gone", "err", err)
			s.sessions.revokeUser(entry.user)
			writeError(w, http.StatusUnauthorized, errors.New("invalid session"))
			return
		}
		if !user.Role.Allows(need) {
			log.Warn("http forbidden", "role", user.Role, "need", need, "path", r.URL.Path)
			writeError(w, http.StatusForbidden, fmt.Errorf("role %s may not do this", user.Role))
			return
		}
		ctx := logx.ContextWithUserLogger(r.Context(), log, entry.user)
		ctx = withSessionContext(ctx, entry)
		next(w, r.WithContext(ctx), user)
	}
}

type sessionContextKey struct{}

func withSessionContext(ctx context.Context, sess operatorSession) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// sessionDone returns a channel closed when the session behind ctx ends.
func sessionDone(ctx context.Context) <-chan struct{} {
	sess, ok := ctx.Value(sessionContextKey{}).(operatorSession)
	if !ok || sess.ctx == nil {
		return nil
	}
	return sess.ctx.Done()
}

func (s *Server) sessionToken(r *http.Request) string {
	cookie, err := r.Cookie(s.cfg.SessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (s *Server) lookupSession(r *http.Request) (schema.UserID, string) {
	if s == nil || r == nil {
		return "", ""
	}
	token := s.sessionToken(r)
	if token == "" {
		return "", ""
	}
	entry, ok := s.sessions.lookup(token)
	if !ok {
		return "", ""
	}
	return entry.user, entry.id
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, schema.ErrRecordingNotFound), errors.Is(err, schema.ErrTabNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrInvalidRecording),
		errors.Is(err, schema.ErrInvalidRequest),
		errors.Is(err, schema.ErrEmptyRecording),
		errors.Is(err, schema.ErrInvalidUser):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
