package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/cdpreplay/schema"
)

func TestLifecycleUserCancelAbortsWithoutReattach(t *testing.T) {
	browser := newFakeBrowser(newFakePage("https://example.test/"))
	sess := attachedSession(t, browser, testConfig())

	browser.detach("canceled_by_user")

	if err := sess.life.wait(context.Background()); !errors.Is(err, schema.ErrUserCancelled) {
		t.Fatalf("expected user cancel, got %v", err)
	}
	if _, err := sess.debugger(); !errors.Is(err, schema.ErrUserCancelled) {
		t.Fatalf("expected debugger to be gone, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := sess.life.attemptCount(); got != 0 {
		t.Fatalf("expected no reattach attempts, got %d", got)
	}
	if got := browser.attachCount(); got != 1 {
		t.Fatalf("expected only the initial attach, got %d", got)
	}
}

func TestLifecycleReattachesAfterNavigationDetach(t *testing.T) {
	browser := newFakeBrowser(newFakePage("https://example.test/"))
	sess := attachedSession(t, browser, testConfig())

	detachedAt := time.Now()
	browser.detach("target_closed")
	if !sess.life.reattaching() {
		t.Fatalf("expected reattaching state")
	}
	if err := sess.life.wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := browser.attachCount(); got != 2 {
		t.Fatalf("expected one reattach, got %d attaches", got)
	}
	if delay := browser.attachAt(1).Sub(detachedAt); delay > time.Second {
		t.Fatalf("reattach took %v", delay)
	}
	if _, err := sess.debugger(); err != nil {
		t.Fatalf("expected live debugger, got %v", err)
	}
	if sess.life.currentState() != stateAttached {
		t.Fatalf("expected attached, got %v", sess.life.currentState())
	}
}

func TestLifecycleIgnoresDetachWhileReattaching(t *testing.T) {
	cfg := testConfig()
	cfg.ReattachFirstAttempt = 100 * time.Millisecond
	browser := newFakeBrowser(newFakePage("https://example.test/"))
	sess := attachedSession(t, browser, cfg)

	browser.detach("target_closed")
	// Same generation handler delivers a second detach.
	browser.detach("target_closed")
	if err := sess.life.wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := sess.life.detachCount(); got != 1 {
		t.Fatalf("expected one reattach episode, got %d", got)
	}
	if got := sess.life.attemptCount(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestLifecycleTabUpdateTriggersEarlyAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.ReattachFirstAttempt = time.Second
	browser := newFakeBrowser(newFakePage("https://example.test/"))
	sess := attachedSession(t, browser, cfg)

	started := time.Now()
	browser.detach("target_closed")
	waitFor(t, "tab watcher", func() bool {
		browser.mu.Lock()
		defer browser.mu.Unlock()
		return len(browser.watchers) > 0
	})
	browser.pushUpdate()
	if err := sess.life.wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if elapsed := time.Since(started); elapsed >= cfg.ReattachFirstAttempt {
		t.Fatalf("expected update driven reattach, took %v", elapsed)
	}
}

func TestLifecycleAlreadyAttachedGetsFreshSession(t *testing.T) {
	browser := newFakeBrowser(newFakePage("https://example.test/"))
	sess := attachedSession(t, browser, testConfig())
	before, _ := sess.debugger()

	browser.failNextAttaches(errors.New("Another debugger is already attached to the tab"))
	browser.detach("target_closed")
	if err := sess.life.wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	after, err := sess.debugger()
	if err != nil {
		t.Fatalf("debugger: %v", err)
	}
	if after == before {
		t.Fatalf("expected a fresh session, got the detached handle")
	}
	if before.(*fakeDebugger).usable() {
		t.Fatalf("detached handle should be unusable")
	}
	if got := browser.attachCount(); got != 3 {
		t.Fatalf("expected initial, refused and fresh attaches, got %d", got)
	}
	var st pageState
	if err := after.Evaluate(context.Background(), callExpr(pageStateScript), 0, &st); err != nil {
		t.Fatalf("evaluate on reattached session: %v", err)
	}
	if st.URL != "https://example.test/" {
		t.Fatalf("unexpected page state %+v", st)
	}
	if sess.life.err() != nil {
		t.Fatalf("episode must not abort, got %v", sess.life.err())
	}
}

func TestLifecycleReattachTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ReattachTimeout = 80 * time.Millisecond
	browser := newFakeBrowser(newFakePage("https://example.test/"))
	sess := attachedSession(t, browser, cfg)

	fail := errors.New("no tab with given id")
	browser.failNextAttaches(fail, fail, fail, fail, fail, fail, fail, fail)
	browser.detach("target_closed")
	waitFor(t, "tab watcher", func() bool {
		browser.mu.Lock()
		defer browser.mu.Unlock()
		return len(browser.watchers) > 0
	})
	for i := 0; i < 3; i++ {
		browser.pushUpdate()
		time.Sleep(10 * time.Millisecond)
	}
	err := sess.life.wait(context.Background())
	if !errors.Is(err, schema.ErrReattachTimeout) {
		t.Fatalf("expected reattach timeout, got %v", err)
	}
	if sess.life.currentState() != stateAborted {
		t.Fatalf("expected aborted state, got %v", sess.life.currentState())
	}
	if _, err := sess.debugger(); !errors.Is(err, schema.ErrReattachTimeout) {
		t.Fatalf("expected debugger error to carry timeout, got %v", err)
	}
}

func TestLifecycleClearsFramesOnReattach(t *testing.T) {
	browser := newFakeBrowser(newFakePage("https://example.test/"))
	sess := attachedSession(t, browser, testConfig())

	browser.emit(SessionEvent{Kind: EventContextCreated, ContextID: 3, FrameID: "child", IsDefault: true})
	browser.emit(SessionEvent{Kind: EventContextCreated, ContextID: 4, FrameID: "child2", IsDefault: false})
	if _, _, frames := sess.storeSizes(); frames != 1 {
		t.Fatalf("expected one default frame context, got %d", frames)
	}
	browser.detach("target_closed")
	if err := sess.life.wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if _, _, frames := sess.storeSizes(); frames != 0 {
		t.Fatalf("expected frame map cleared after reattach, got %d", frames)
	}
}

func TestLifecycleDropsStaleSessionEvents(t *testing.T) {
	browser := newFakeBrowser(newFakePage("https://example.test/"))
	sess := attachedSession(t, browser, testConfig())
	browser.mu.Lock()
	stale := browser.handlers[0]
	browser.mu.Unlock()

	browser.detach("target_closed")
	if err := sess.life.wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	stale(SessionEvent{Kind: EventDetached, Reason: "target_closed"})
	stale(SessionEvent{Kind: EventContextCreated, ContextID: 9, FrameID: "x", IsDefault: true})
	if sess.life.reattaching() {
		t.Fatalf("stale detach must not start reattachment")
	}
	if _, _, frames := sess.storeSizes(); frames != 0 {
		t.Fatalf("stale context event must be dropped")
	}
}

func TestLifecycleCloseDoesNotReattach(t *testing.T) {
	browser := newFakeBrowser(newFakePage("https://example.test/"))
	sess := newSession(browser, "run", "rec", browser.tab.ID, testConfig(), testLogger())
	if err := sess.life.attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	sess.close()
	browser.detach("target_closed")
	time.Sleep(30 * time.Millisecond)
	if got := browser.attachCount(); got != 1 {
		t.Fatalf("expected no reattach after close, got %d attaches", got)
	}
	if _, err := sess.debugger(); err == nil {
		t.Fatalf("expected no debugger after close")
	}
}

func TestLifecycleAbortFailsWaiters(t *testing.T) {
	cfg := testConfig()
	cfg.ReattachFirstAttempt = time.Second
	browser := newFakeBrowser(newFakePage("https://example.test/"))
	sess := attachedSession(t, browser, cfg)

	browser.detach("target_closed")
	done := make(chan error, 1)
	go func() { done <- sess.life.wait(context.Background()) }()
	sess.life.abort(schema.ErrSessionAborted)
	select {
	case err := <-done:
		if !errors.Is(err, schema.ErrSessionAborted) {
			t.Fatalf("expected aborted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter not released by abort")
	}
}
