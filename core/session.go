package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/cdpreplay/schema"
	"pkt.systems/pslog"
)

// session is the state of one replay run: the debugger lifecycle plus the
// run-scoped stores. A fresh session is built for every run.
type session struct {
	runID       schema.RunID
	recordingID schema.RecordingID
	tabID       schema.TabID
	log         pslog.Logger
	life        *lifecycle

	mu          sync.Mutex
	frames      map[string]ContextID
	loadWaiters []chan struct{}
	clipboard   map[string]string
	variables   map[string]string
	// held is the modifier mask of modifier keys pressed and not released.
	held Modifier
}

func newSession(browser Browser, runID schema.RunID, recordingID schema.RecordingID, tabID schema.TabID, cfg schema.EngineConfig, log pslog.Logger) *session {
	s := &session{
		runID:       runID,
		recordingID: recordingID,
		tabID:       tabID,
		log:         log,
		frames:      make(map[string]ContextID),
		clipboard:   make(map[string]string),
		variables:   make(map[string]string),
	}
	s.life = newLifecycle(browser, tabID, cfg, log, s.handleEvent, s.resetFrames)
	return s
}

func (s *session) handleEvent(ev SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Kind {
	case EventContextCreated:
		if ev.FrameID != "" && ev.IsDefault {
			s.frames[ev.FrameID] = ev.ContextID
		}
	case EventContextsCleared:
		clear(s.frames)
	case EventLoad, EventDOMContentLoaded:
		for _, ch := range s.loadWaiters {
			close(ch)
		}
		s.loadWaiters = nil
	}
}

func (s *session) resetFrames() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.frames)
}

// loadSignal returns a channel closed at the next load or DOMContentLoaded
// event. Register before triggering the navigation.
func (s *session) loadSignal() <-chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.loadWaiters = append(s.loadWaiters, ch)
	s.mu.Unlock()
	return ch
}

func (s *session) debugger() (Debugger, error) {
	return s.life.current()
}

// liveDebugger waits out any reattachment in flight and returns the current
// debugger. A detach landing between the wait and the lookup waits again.
func (s *session) liveDebugger(ctx context.Context) (Debugger, error) {
	for {
		if err := s.life.wait(ctx); err != nil {
			return nil, err
		}
		d, err := s.life.current()
		if errors.Is(err, schema.ErrSessionDetached) && s.life.reattaching() {
			continue
		}
		return d, err
	}
}

// pressKey updates the held modifiers for a key event and returns the mask
// the event carries. A modifier's own keyUp still carries its bit.
func (s *session) pressKey(key string, typ KeyEventType, extra Modifier) Modifier {
	bit := modifierMask(nil, key)
	s.mu.Lock()
	defer s.mu.Unlock()
	mask := s.held | bit | extra
	switch typ {
	case KeyDown:
		s.held |= bit
	case KeyUp:
		s.held &^= bit
	}
	return mask
}

// heldModifiers returns the modifiers currently held down.
func (s *session) heldModifiers() Modifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// contextFor maps a frame index path to the execution context of that frame.
func (s *session) contextFor(ctx context.Context, d Debugger, path []int) (ContextID, error) {
	if len(path) == 0 {
		return 0, nil
	}
	tree, err := d.FrameTree(ctx)
	if err != nil {
		return 0, err
	}
	node := tree
	for _, idx := range path {
		if idx < 0 || idx >= len(node.Children) {
			return 0, fmt.Errorf("%w: frame path %v out of range", schema.ErrInvalidRequest, path)
		}
		node = node.Children[idx]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.frames[node.ID]
	if !ok {
		return 0, fmt.Errorf("no execution context for frame %s", node.ID)
	}
	return id, nil
}

func (s *session) setClipboard(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clipboard[name] = value
}

func (s *session) clipboardValue(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.clipboard[name]
	return v, ok
}

func (s *session) setVariable(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variables[name] = value
}

func (s *session) variable(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variables[name]
	return v, ok
}

// storeSizes reports the number of entries in each run-scoped store.
func (s *session) storeSizes() (clipboard, variables, frames int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clipboard), len(s.variables), len(s.frames)
}

// close detaches and drops run-scoped state.
func (s *session) close() {
	s.life.close()
	s.mu.Lock()
	clear(s.clipboard)
	clear(s.variables)
	clear(s.frames)
	s.held = 0
	for _, ch := range s.loadWaiters {
		close(ch)
	}
	s.loadWaiters = nil
	s.mu.Unlock()
}
