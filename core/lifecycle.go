package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"pkt.systems/cdpreplay/schema"
	"pkt.systems/pslog"
)

type lifecycleState int

const (
	stateIdle lifecycleState = iota
	stateAttached
	stateReattaching
	stateAborted
)

func (s lifecycleState) String() string {
	switch s {
	case stateAttached:
		return "attached"
	case stateReattaching:
		return "reattaching"
	case stateAborted:
		return "aborted"
	default:
		return "idle"
	}
}

// reattachGate is the single in-flight reattachment of one detach episode.
type reattachGate struct {
	done chan struct{}
	err  error
}

// lifecycle owns the debugger session of one run and heals it after
// navigation induced detaches.
type lifecycle struct {
	browser Browser
	tabID   schema.TabID
	cfg     schema.EngineConfig
	log     pslog.Logger
	events  EventHandler
	// reset runs before every attach attempt, under the new generation.
	reset func()

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	state    lifecycleState
	gen      uint64
	debugger Debugger
	// detached is the handle held before the last detach.
	detached Debugger
	gate     *reattachGate
	abortErr error
	closing  bool
	attempts int
	episodes int
}

func newLifecycle(browser Browser, tabID schema.TabID, cfg schema.EngineConfig, log pslog.Logger, events EventHandler, reset func()) *lifecycle {
	ctx, cancel := context.WithCancel(context.Background())
	if reset == nil {
		reset = func() {}
	}
	return &lifecycle{
		browser: browser,
		tabID:   tabID,
		cfg:     cfg,
		log:     log,
		events:  events,
		reset:   reset,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// attach opens the initial session.
func (l *lifecycle) attach(ctx context.Context) error {
	gen := l.nextGeneration()
	l.reset()
	actx, cancel := context.WithTimeout(ctx, l.cfg.AttachTimeout)
	defer cancel()
	d, err := l.browser.Attach(actx, l.tabID, l.handlerFor(gen))
	if err != nil {
		l.log.Warn("replay attach failed", "err", err)
		return err
	}
	l.mu.Lock()
	if l.state == stateAborted || l.closing {
		err := l.abortErr
		l.mu.Unlock()
		_ = d.Close()
		if err == nil {
			err = schema.ErrSessionAborted
		}
		return err
	}
	l.state = stateAttached
	l.debugger = d
	l.mu.Unlock()
	l.log.Info("replay debugger attached")
	return nil
}

// current returns the live debugger, failing when the session is gone.
func (l *lifecycle) current() (Debugger, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == stateAborted {
		return nil, l.abortErr
	}
	if l.debugger == nil {
		return nil, schema.ErrSessionDetached
	}
	return l.debugger, nil
}

// wait blocks while a reattachment is in flight.
func (l *lifecycle) wait(ctx context.Context) error {
	l.mu.Lock()
	gate := l.gate
	state := l.state
	abortErr := l.abortErr
	l.mu.Unlock()
	if state == stateAborted {
		return abortErr
	}
	if gate == nil {
		return nil
	}
	select {
	case <-gate.done:
		return gate.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *lifecycle) reattaching() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateReattaching
}

func (l *lifecycle) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.abortErr
}

func (l *lifecycle) attemptCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// detachCount reports how many detach episodes started reattachment.
func (l *lifecycle) detachCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.episodes
}

func (l *lifecycle) currentState() lifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) nextGeneration() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	return l.gen
}

// handlerFor filters events from superseded sessions.
func (l *lifecycle) handlerFor(gen uint64) EventHandler {
	return func(ev SessionEvent) {
		l.mu.Lock()
		current := l.gen == gen
		l.mu.Unlock()
		if !current {
			return
		}
		if ev.Kind == EventDetached {
			l.onDetach(gen, ev.Reason)
			return
		}
		if l.events != nil {
			l.events(ev)
		}
	}
}

func (l *lifecycle) onDetach(gen uint64, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing || l.state == stateAborted || gen != l.gen {
		return
	}
	if isUserCancel(reason) {
		l.state = stateAborted
		l.abortErr = schema.ErrUserCancelled
		l.debugger = nil
		l.cancel()
		l.log.Warn("replay debugger cancelled by user", "reason", reason)
		return
	}
	if l.state == stateReattaching {
		l.log.Debug("replay detach ignored while reattaching", "reason", reason)
		return
	}
	l.state = stateReattaching
	l.detached = l.debugger
	l.debugger = nil
	l.episodes++
	gate := &reattachGate{done: make(chan struct{})}
	l.gate = gate
	l.log.Info("replay debugger detached", "reason", reason)
	l.wg.Add(1)
	go l.reattach(gate)
}

func (l *lifecycle) reattach(gate *reattachGate) {
	defer l.wg.Done()
	ctx, cancel := context.WithTimeout(l.baseCtx, l.cfg.ReattachTimeout)
	defer cancel()
	started := time.Now()

	updates, err := l.browser.WatchTab(ctx, l.tabID)
	if err != nil {
		l.log.Warn("replay tab watch failed", "err", err)
	}
	first := time.NewTimer(l.cfg.ReattachFirstAttempt)
	defer first.Stop()

	for {
		select {
		case <-ctx.Done():
			err := schema.ErrReattachTimeout
			if l.baseCtx.Err() != nil {
				err = l.err()
				if err == nil {
					err = schema.ErrSessionAborted
				}
			}
			l.log.Warn("replay reattach gave up", "err", err, "elapsed_ms", time.Since(started).Milliseconds())
			l.finish(gate, nil, err)
			return
		case <-first.C:
			if l.tryReattach(ctx, gate) {
				return
			}
		case info, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			l.log.Trace("replay tab updated", "url", info.URL)
			if sleepCtx(ctx, l.cfg.ReattachSettle) != nil {
				continue
			}
			if l.tryReattach(ctx, gate) {
				return
			}
		}
	}
}

// tryReattach makes one reattach attempt. An "already attached" reply means
// the tab is live but the handle held before the detach is dead, so a fresh
// session is requested until one is granted or ctx expires.
func (l *lifecycle) tryReattach(ctx context.Context, gate *reattachGate) bool {
	d, attempt, err := l.attachAttempt(ctx)
	for isAlreadyAttached(err) {
		l.log.Debug("replay tab already attached, requesting fresh session", "attempt", attempt)
		if sleepCtx(ctx, l.cfg.ReattachSettle) != nil {
			return false
		}
		d, attempt, err = l.attachAttempt(ctx)
	}
	if err != nil {
		l.log.Debug("replay reattach attempt failed", "attempt", attempt, "err", err)
		return false
	}
	l.log.Info("replay debugger reattached", "attempt", attempt)
	l.finish(gate, d, nil)
	return true
}

// attachAttempt opens a session under a new generation.
func (l *lifecycle) attachAttempt(ctx context.Context) (Debugger, int, error) {
	l.mu.Lock()
	l.attempts++
	attempt := l.attempts
	l.gen++
	gen := l.gen
	l.mu.Unlock()
	l.reset()

	actx, cancel := context.WithTimeout(ctx, l.cfg.AttachTimeout)
	defer cancel()
	d, err := l.browser.Attach(actx, l.tabID, l.handlerFor(gen))
	return d, attempt, err
}

// finish resolves the gate exactly once.
func (l *lifecycle) finish(gate *reattachGate, d Debugger, err error) {
	var stale Debugger
	l.mu.Lock()
	if err == nil && (l.state == stateAborted || l.closing) {
		err = l.abortErr
		if err == nil {
			err = schema.ErrSessionAborted
		}
		stale = d
	} else if err == nil {
		l.state = stateAttached
		if l.detached != d {
			stale = l.detached
		}
		l.debugger = d
		l.detached = nil
	} else {
		l.state = stateAborted
		if l.abortErr == nil {
			l.abortErr = err
		}
	}
	gate.err = err
	if l.gate == gate {
		l.gate = nil
	}
	l.mu.Unlock()
	if stale != nil {
		_ = stale.Close()
	}
	close(gate.done)
}

// abort marks the session aborted and force-detaches so in-flight calls
// fail fast.
func (l *lifecycle) abort(err error) {
	l.mu.Lock()
	if l.state != stateAborted {
		l.state = stateAborted
		l.abortErr = err
	}
	d := l.debugger
	l.debugger = nil
	l.mu.Unlock()
	l.cancel()
	if d != nil {
		if cerr := d.Close(); cerr != nil {
			l.log.Debug("replay force detach failed", "err", cerr)
		}
	}
}

// close tears the session down without triggering reattachment.
func (l *lifecycle) close() {
	l.mu.Lock()
	l.closing = true
	d := l.debugger
	l.debugger = nil
	l.mu.Unlock()
	l.cancel()
	if d != nil {
		if err := d.Close(); err != nil {
			l.log.Debug("replay detach failed", "err", err)
		}
	}
	l.wg.Wait()
	l.mu.Lock()
	old := l.detached
	l.detached = nil
	l.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func isUserCancel(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "canceled_by_user") || strings.Contains(r, "cancelled_by_user")
}

func isAlreadyAttached(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already attached")
}
