package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/cdpreplay/internal/logx"
	"pkt.systems/cdpreplay/schema"
)

// Stream event types.
const (
	streamStep           = "step"
	streamRunCompleted   = "run_completed"
	streamBatch          = "batch"
	streamBatchCompleted = "batch_completed"
	streamRecording      = "recording"
	streamSnapshot       = "snapshot"
)

// StreamEvent is sent to SSE and websocket clients.
type StreamEvent struct {
	Seq         uint64                     `json:"seq"`
	Type        string                     `json:"type"`
	TabID       schema.TabID               `json:"tabId,omitempty"`
	Step        *schema.StepProgressEvent  `json:"step,omitempty"`
	Run         *schema.RunResult          `json:"run,omitempty"`
	Batch       *schema.BatchProgressEvent `json:"batch,omitempty"`
	BatchResult *schema.BatchResult        `json:"batchResult,omitempty"`
	Recording   *RecordingChange           `json:"recording,omitempty"`
	Status      *schema.StatusResponse     `json:"status,omitempty"`
	Timestamp   time.Time                  `json:"timestamp"`
}

// RecordingChange reports a recording added, edited or removed on disk.
type RecordingChange struct {
	ID      schema.RecordingID `json:"id"`
	Removed bool               `json:"removed,omitempty"`
}

// Hub broadcasts engine events to every stream subscriber and keeps a
// bounded history for replay after reconnects.
type Hub struct {
	mu          sync.Mutex
	seq         uint64
	history     []StreamEvent
	subs        map[chan StreamEvent]struct{}
	historySize int
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Hub{
		subs:        make(map[chan StreamEvent]struct{}),
		historySize: historySize,
	}
}

// OnStepProgress implements core.EventSink.
func (h *Hub) OnStepProgress(event schema.StepProgressEvent) {
	h.publish(StreamEvent{Type: streamStep, TabID: event.TabID, Step: &event, Timestamp: stamp(event.Timestamp)})
}

// OnRunCompleted implements core.EventSink.
func (h *Hub) OnRunCompleted(event schema.RunCompletedEvent) {
	result := event.Result
	h.publish(StreamEvent{Type: streamRunCompleted, TabID: result.TabID, Run: &result, Timestamp: stamp(result.FinishedAt)})
}

// OnBatchProgress implements core.EventSink.
func (h *Hub) OnBatchProgress(event schema.BatchProgressEvent) {
	h.publish(StreamEvent{Type: streamBatch, TabID: event.TabID, Batch: &event, Timestamp: stamp(event.Timestamp)})
}

// OnBatchCompleted implements core.EventSink.
func (h *Hub) OnBatchCompleted(event schema.BatchCompletedEvent) {
	result := event.Result
	h.publish(StreamEvent{Type: streamBatchCompleted, TabID: result.TabID, BatchResult: &result, Timestamp: stamp(result.FinishedAt)})
}

// OnRecordingChange publishes a recording directory change.
func (h *Hub) OnRecordingChange(id schema.RecordingID, removed bool) {
	h.publish(StreamEvent{Type: streamRecording, Recording: &RecordingChange{ID: id, Removed: removed}, Timestamp: time.Now()})
}

// Subscribe registers a subscriber and returns the current sequence number.
func (h *Hub) Subscribe() (<-chan StreamEvent, func(), uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan StreamEvent, 256)
	h.subs[ch] = struct{}{}
	seq := h.seq
	log := logx.Ctx(context.Background())
	log.Debug("hub subscribe", "subs", len(h.subs))
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			remaining := len(h.subs)
			h.mu.Unlock()
			log.Debug("hub unsubscribe", "subs", remaining)
		})
	}
	return ch, unsub, seq
}

// Replay returns buffered events with a sequence number above after and at
// most upTo.
func (h *Hub) Replay(after, upTo uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := make([]StreamEvent, 0, len(h.history))
	for _, event := range h.history {
		if event.Seq > after && event.Seq <= upTo {
			events = append(events, event)
		}
	}
	logx.Ctx(context.Background()).Debug("hub replay", "after", after, "count", len(events))
	return events
}

func (h *Hub) publish(event StreamEvent) {
	h.mu.Lock()
	h.seq++
	event.Seq = h.seq
	h.history = append(h.history, event)
	if len(h.history) > h.historySize {
		h.history = h.history[len(h.history)-h.historySize:]
	}
	dropped := 0
	for sub := range h.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()
	if dropped > 0 {
		logx.Ctx(context.Background()).Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}

func stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now()
	}
	return ts
}
