// Package eventbus fans replay progress out to per-tab subscribers.
package eventbus

import (
	"context"
	"sync"

	"pkt.systems/cdpreplay/schema"
	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	EventStep           EventType = "step"
	EventRunCompleted   EventType = "run_completed"
	EventBatch          EventType = "batch"
	EventBatchCompleted EventType = "batch_completed"
)

// Event is one replay notification.
type Event struct {
	Type           EventType
	Step           schema.StepProgressEvent
	RunCompleted   schema.RunCompletedEvent
	Batch          schema.BatchProgressEvent
	BatchCompleted schema.BatchCompletedEvent
}

// TabID returns the tab the event belongs to.
func (e Event) TabID() schema.TabID {
	switch e.Type {
	case EventStep:
		return e.Step.TabID
	case EventRunCompleted:
		return e.RunCompleted.Result.TabID
	case EventBatch:
		return e.Batch.TabID
	case EventBatchCompleted:
		return e.BatchCompleted.Result.TabID
	}
	return ""
}

// Bus delivers events to subscribers of a tab. Publishing never blocks;
// a full subscriber misses events.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.TabID]map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.TabID]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the tab. An empty tab id receives
// events for every tab.
func (b *Bus) Subscribe(tabID schema.TabID) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	tabSubs := b.subs[tabID]
	if tabSubs == nil {
		tabSubs = make(map[chan Event]struct{})
		b.subs[tabID] = tabSubs
	}
	tabSubs[ch] = struct{}{}
	count := len(tabSubs)
	b.mu.Unlock()
	b.log.Debug("eventbus subscribe", "tab", tabID, "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[tabID]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, tabID)
				}
			}
			b.mu.Unlock()
			close(ch)
			b.log.Debug("eventbus unsubscribe", "tab", tabID)
		})
	}
}

// OnStepProgress publishes a step event.
func (b *Bus) OnStepProgress(event schema.StepProgressEvent) {
	b.publish(Event{Type: EventStep, Step: event})
}

// OnRunCompleted publishes a run completion.
func (b *Bus) OnRunCompleted(event schema.RunCompletedEvent) {
	b.publish(Event{Type: EventRunCompleted, RunCompleted: event})
}

// OnBatchProgress publishes a batch progress event.
func (b *Bus) OnBatchProgress(event schema.BatchProgressEvent) {
	b.publish(Event{Type: EventBatch, Batch: event})
}

// OnBatchCompleted publishes a batch completion.
func (b *Bus) OnBatchCompleted(event schema.BatchCompletedEvent) {
	b.publish(Event{Type: EventBatchCompleted, BatchCompleted: event})
}

func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	tabID := event.TabID()
	b.mu.Lock()
	subs := make([]chan Event, 0, len(b.subs[tabID])+len(b.subs[""]))
	for sub := range b.subs[tabID] {
		subs = append(subs, sub)
	}
	if tabID != "" {
		for sub := range b.subs[""] {
			subs = append(subs, sub)
		}
	}
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.log.Trace("eventbus dropped", "tab", tabID, "count", dropped)
	}
}
