package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/cdpreplay/schema"
	"pkt.systems/pslog"
)

var errFakeClosed = errors.New("fake session closed")

func testConfig() schema.EngineConfig {
	cfg, err := schema.NormalizeEngineConfig(schema.EngineConfig{
		KeepPage:             true,
		ElementTimeout:       200 * time.Millisecond,
		PollInterval:         20 * time.Millisecond,
		ReattachTimeout:      2 * time.Second,
		ReattachSettle:       5 * time.Millisecond,
		ReattachFirstAttempt: 10 * time.Millisecond,
		AttachTimeout:        500 * time.Millisecond,
		NavigationTimeout:    200 * time.Millisecond,
		NavigationSettle:     time.Millisecond,
		InteractiveSettle:    time.Millisecond,
		PageLoadPoll:         5 * time.Millisecond,
		HoverSettle:          time.Millisecond,
		AutocompleteDelay:    time.Millisecond,
		InterStepDelay:       time.Millisecond,
		NeverSettleSleep:     time.Millisecond,
	})
	if err != nil {
		panic(err)
	}
	return cfg
}

func testLogger() pslog.Logger {
	return pslog.Ctx(context.Background())
}

// fakeElement is a DOM element living in fakePage.
type fakeElement struct {
	id    ObjectID
	tag   string
	value string
	text  string
	x, y  float64
	w, h  float64
	// ignoresInput makes emulated clicks miss the element.
	ignoresInput bool
}

// fakePage is the shared page state behind every fake debugger session.
type fakePage struct {
	mu         sync.Mutex
	url        string
	readyState string
	elements   map[string]*fakeElement
	native     map[string]*fakeElement
	byID       map[ObjectID]*fakeElement
	focused    *fakeElement
	selection  string
	frames     Frame
	evalErr    error
	// appearAfter makes a selector resolvable only after n lookups.
	appearAfter map[string]int
	lookups     map[string]int
	calls       []string
	tried       []string
	inserted    []string
	mouse       []MouseEvent
	keys        []KeyEvent
	navigations []string
	viewports   []Viewport
}

func newFakePage(url string) *fakePage {
	return &fakePage{
		url:         url,
		readyState:  "complete",
		elements:    make(map[string]*fakeElement),
		native:      make(map[string]*fakeElement),
		byID:        make(map[ObjectID]*fakeElement),
		appearAfter: make(map[string]int),
		lookups:     make(map[string]int),
	}
}

func (p *fakePage) add(selector string, el *fakeElement) *fakeElement {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el.id == "" {
		el.id = ObjectID(fmt.Sprintf("obj-%d", len(p.byID)+1))
	}
	if el.w == 0 {
		el.w, el.h = 100, 20
	}
	p.elements[selector] = el
	p.byID[el.id] = el
	return el
}

func (p *fakePage) addNative(selector string, el *fakeElement) *fakeElement {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el.id == "" {
		el.id = ObjectID(fmt.Sprintf("native-%d", len(p.byID)+1))
	}
	p.native[selector] = el
	p.byID[el.id] = el
	return el
}

func (p *fakePage) record(call string) {
	p.calls = append(p.calls, call)
}

func (p *fakePage) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePage) triedSelectors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tried...)
}

func (p *fakePage) navigated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

func (p *fakePage) mouseEvents() []MouseEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]MouseEvent(nil), p.mouse...)
}

func (p *fakePage) insertedText() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.inserted...)
}

func (p *fakePage) setEvalErr(err error) {
	p.mu.Lock()
	p.evalErr = err
	p.mu.Unlock()
}

func decodeInto(out any, v any) error {
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func callArg(expr, script string) (string, bool) {
	prefix := "(" + script + ")("
	if !strings.HasPrefix(expr, prefix) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(expr, prefix), ")"), true
}

// fakeDebugger is one attached session on the fake page.
type fakeDebugger struct {
	page    *fakePage
	events  EventHandler
	mu      sync.Mutex
	closed  bool
	lost    bool
	onClose func()
}

func (d *fakeDebugger) check() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.lost {
		return errFakeClosed
	}
	return nil
}

func (d *fakeDebugger) usable() bool {
	return d.check() == nil
}

func (d *fakeDebugger) Evaluate(_ context.Context, expr string, _ ContextID, out any) error {
	if err := d.check(); err != nil {
		return err
	}
	p := d.page
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.evalErr != nil {
		return p.evalErr
	}
	switch {
	case strings.HasPrefix(expr, "("+pageStateScript+")"):
		host := ""
		if idx := strings.Index(p.url, "://"); idx >= 0 {
			host = strings.SplitN(p.url[idx+3:], "/", 2)[0]
		}
		return decodeInto(out, pageState{URL: p.url, ReadyState: p.readyState, Host: host})
	case strings.HasPrefix(expr, "("+copySelectionScript+")"):
		p.record("copy-selection")
		if p.selection != "" {
			return decodeInto(out, p.selection)
		}
		if p.focused != nil {
			return decodeInto(out, p.focused.value)
		}
		return decodeInto(out, "")
	case strings.HasPrefix(expr, "("+activeInputScript+")"):
		p.record("active-input")
		if p.focused == nil {
			return decodeInto(out, false)
		}
		p.focused.value = ""
		return decodeInto(out, true)
	case strings.HasPrefix(expr, "("+activeInputEventsScript+")"):
		p.record("active-input-events")
		return nil
	case strings.HasPrefix(expr, "("+autocompleteScript+")"):
		p.record("autocomplete")
		return decodeInto(out, autocompleteHit{})
	case strings.HasPrefix(expr, "("+scrollPageScript+")"):
		arg, _ := callArg(expr, scrollPageScript)
		p.record("scroll-page:" + arg)
		return nil
	}
	return fmt.Errorf("fake: unexpected expression %.40q", expr)
}

func (d *fakeDebugger) EvaluateHandle(_ context.Context, expr string, _ ContextID) (ObjectID, error) {
	if err := d.check(); err != nil {
		return "", err
	}
	p := d.page
	p.mu.Lock()
	defer p.mu.Unlock()
	arg, ok := callArg(expr, findElementScript)
	if !ok {
		return "", fmt.Errorf("fake: unexpected handle expression")
	}
	var selector string
	if err := json.Unmarshal([]byte(arg), &selector); err != nil {
		return "", err
	}
	p.tried = append(p.tried, selector)
	if p.evalErr != nil {
		return "", p.evalErr
	}
	p.lookups[selector]++
	if n, ok := p.appearAfter[selector]; ok && p.lookups[selector] < n {
		return "", nil
	}
	el, ok := p.elements[selector]
	if !ok {
		return "", nil
	}
	return el.id, nil
}

func (d *fakeDebugger) CallFunctionOn(_ context.Context, obj ObjectID, fn string, out any, args ...any) error {
	if err := d.check(); err != nil {
		return err
	}
	p := d.page
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.byID[obj]
	if !ok {
		return fmt.Errorf("fake: unknown object %s", obj)
	}
	switch fn {
	case rectScript:
		return decodeInto(out, rect{X: el.x, Y: el.y, Width: el.w, Height: el.h})
	case scrollIntoViewScript:
		p.record("scroll-into-view:" + string(obj))
	case focusScript:
		p.focused = el
		p.record("focus:" + string(obj))
	case tagNameScript:
		return decodeInto(out, el.tag)
	case clickWatchScript:
		p.record("click-watch:" + string(obj))
	case clickWatchResultScript:
		return decodeInto(out, !el.ignoresInput)
	case syntheticMouseScript:
		p.record(fmt.Sprintf("synthetic:%v", args[0]))
	case setSelectValueScript:
		el.value = args[0].(string)
		p.record(fmt.Sprintf("set-value:%s:bubbles=%v", el.value, args[1]))
	case prepareInputScript:
		p.focused = el
		el.value = ""
		p.record("prepare-input:" + string(obj))
	case inputEventsScript:
		p.record(fmt.Sprintf("input-events:keydown=%v", args[0]))
	case readValueScript:
		if el.tag == "input" || el.tag == "select" || el.tag == "textarea" {
			return decodeInto(out, el.value)
		}
		return decodeInto(out, el.text)
	case copyElementScript:
		if el.value != "" {
			return decodeInto(out, el.value)
		}
		return decodeInto(out, el.text)
	default:
		return fmt.Errorf("fake: unexpected function")
	}
	return nil
}

func (d *fakeDebugger) QuerySelector(_ context.Context, css string) (ObjectID, error) {
	if err := d.check(); err != nil {
		return "", err
	}
	p := d.page
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("native:" + css)
	if p.evalErr != nil {
		return "", p.evalErr
	}
	if el, ok := p.native[css]; ok {
		return el.id, nil
	}
	return "", nil
}

func (d *fakeDebugger) ReleaseObject(context.Context, ObjectID) error {
	return nil
}

func (d *fakeDebugger) DispatchMouse(_ context.Context, ev MouseEvent) error {
	if err := d.check(); err != nil {
		return err
	}
	d.page.mu.Lock()
	d.page.mouse = append(d.page.mouse, ev)
	d.page.mu.Unlock()
	return nil
}

func (d *fakeDebugger) DispatchKey(_ context.Context, ev KeyEvent) error {
	if err := d.check(); err != nil {
		return err
	}
	d.page.mu.Lock()
	d.page.keys = append(d.page.keys, ev)
	d.page.mu.Unlock()
	return nil
}

func (d *fakeDebugger) InsertText(_ context.Context, text string) error {
	if err := d.check(); err != nil {
		return err
	}
	p := d.page
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inserted = append(p.inserted, text)
	if p.focused != nil {
		p.focused.value += text
	}
	return nil
}

func (d *fakeDebugger) Navigate(_ context.Context, url string) error {
	if err := d.check(); err != nil {
		return err
	}
	d.page.mu.Lock()
	d.page.navigations = append(d.page.navigations, url)
	d.page.url = url
	d.page.readyState = "complete"
	d.page.mu.Unlock()
	if d.events != nil {
		d.events(SessionEvent{Kind: EventLoad})
	}
	return nil
}

func (d *fakeDebugger) FrameTree(context.Context) (Frame, error) {
	if err := d.check(); err != nil {
		return Frame{}, err
	}
	d.page.mu.Lock()
	defer d.page.mu.Unlock()
	return d.page.frames, nil
}

func (d *fakeDebugger) SetViewport(_ context.Context, vp Viewport) error {
	if err := d.check(); err != nil {
		return err
	}
	d.page.mu.Lock()
	d.page.viewports = append(d.page.viewports, vp)
	d.page.mu.Unlock()
	return nil
}

func (d *fakeDebugger) Close() error {
	d.mu.Lock()
	already := d.closed
	d.closed = true
	d.mu.Unlock()
	if !already && d.onClose != nil {
		d.onClose()
	}
	return nil
}

// fakeBrowser hands out fake sessions on a single tab.
type fakeBrowser struct {
	page *fakePage
	tab  schema.TabInfo

	mu          sync.Mutex
	attachErrs  []error
	attachTimes []time.Time
	handlers    []EventHandler
	sessions    []*fakeDebugger
	watchers    []chan schema.TabInfo
	blanked     int
}

func newFakeBrowser(page *fakePage) *fakeBrowser {
	return &fakeBrowser{
		page: page,
		tab:  schema.TabInfo{ID: "tab-1", Type: "page", URL: page.url},
	}
}

func (b *fakeBrowser) Tabs(context.Context) ([]schema.TabInfo, error) {
	return []schema.TabInfo{b.tab}, nil
}

func (b *fakeBrowser) Tab(_ context.Context, id schema.TabID) (schema.TabInfo, error) {
	if id != b.tab.ID {
		return schema.TabInfo{}, schema.ErrTabNotFound
	}
	return b.tab, nil
}

func (b *fakeBrowser) Blank(context.Context, schema.TabID) error {
	b.mu.Lock()
	b.blanked++
	b.mu.Unlock()
	b.page.mu.Lock()
	b.page.url = "about:blank"
	b.page.mu.Unlock()
	return nil
}

func (b *fakeBrowser) Attach(_ context.Context, _ schema.TabID, events EventHandler) (Debugger, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attachTimes = append(b.attachTimes, time.Now())
	if len(b.attachErrs) > 0 {
		err := b.attachErrs[0]
		b.attachErrs = b.attachErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	d := &fakeDebugger{page: b.page, events: events}
	b.handlers = append(b.handlers, events)
	b.sessions = append(b.sessions, d)
	return d, nil
}

func (b *fakeBrowser) WatchTab(ctx context.Context, _ schema.TabID) (<-chan schema.TabInfo, error) {
	ch := make(chan schema.TabInfo, 8)
	b.mu.Lock()
	b.watchers = append(b.watchers, ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, w := range b.watchers {
			if w == ch {
				b.watchers = append(b.watchers[:i], b.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (b *fakeBrowser) failNextAttaches(errs ...error) {
	b.mu.Lock()
	b.attachErrs = append(b.attachErrs, errs...)
	b.mu.Unlock()
}

func (b *fakeBrowser) attachCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.attachTimes)
}

func (b *fakeBrowser) attachAt(i int) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attachTimes[i]
}

func (b *fakeBrowser) blankCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blanked
}

// emit delivers an event through the handler of the latest session.
func (b *fakeBrowser) emit(ev SessionEvent) {
	b.mu.Lock()
	var h EventHandler
	if n := len(b.handlers); n > 0 {
		h = b.handlers[n-1]
	}
	b.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// detach drops the latest session the way the browser does: the handle
// stops working and a detach event is delivered.
func (b *fakeBrowser) detach(reason string) {
	b.mu.Lock()
	if n := len(b.sessions); n > 0 {
		d := b.sessions[n-1]
		d.mu.Lock()
		d.lost = true
		d.mu.Unlock()
	}
	b.mu.Unlock()
	b.emit(SessionEvent{Kind: EventDetached, Reason: reason})
}

func (b *fakeBrowser) session(i int) *fakeDebugger {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[i]
}

func (b *fakeBrowser) sessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *fakeBrowser) pushUpdate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.watchers {
		select {
		case w <- b.tab:
		default:
		}
	}
}

// memStore is an in-memory RecordingStore.
type memStore struct {
	mu      sync.Mutex
	recs    []schema.Recording
	results []schema.RunResult
}

func (m *memStore) GetRecording(_ context.Context, id schema.RecordingID) (schema.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.recs {
		if rec.ID == id {
			return rec, nil
		}
	}
	return schema.Recording{}, schema.ErrRecordingNotFound
}

func (m *memStore) ListRecordings(context.Context) ([]schema.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]schema.Recording(nil), m.recs...), nil
}

func (m *memStore) SaveRecording(_ context.Context, rec schema.Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.recs {
		if m.recs[i].ID == rec.ID {
			m.recs[i] = rec
			return nil
		}
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memStore) DeleteRecording(_ context.Context, id schema.RecordingID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.recs {
		if m.recs[i].ID == id {
			m.recs = append(m.recs[:i], m.recs[i+1:]...)
			return nil
		}
	}
	return schema.ErrRecordingNotFound
}

func (m *memStore) AppendRunResult(_ context.Context, result schema.RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return nil
}

func (m *memStore) ListRunResults(_ context.Context, id schema.RecordingID, limit int) ([]schema.RunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.RunResult
	for i := len(m.results) - 1; i >= 0 && len(out) < limit; i-- {
		if m.results[i].RecordingID == id {
			out = append(out, m.results[i])
		}
	}
	return out, nil
}

func (m *memStore) resultCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

// recordSink collects service events.
type recordSink struct {
	mu        sync.Mutex
	steps     []schema.StepProgressEvent
	runs      []schema.RunResult
	batch     []schema.BatchProgressEvent
	batches   []schema.BatchResult
	completed chan schema.RunResult
}

func newRecordSink() *recordSink {
	return &recordSink{completed: make(chan schema.RunResult, 16)}
}

func (s *recordSink) OnStepProgress(ev schema.StepProgressEvent) {
	s.mu.Lock()
	s.steps = append(s.steps, ev)
	s.mu.Unlock()
}

func (s *recordSink) OnRunCompleted(ev schema.RunCompletedEvent) {
	s.mu.Lock()
	s.runs = append(s.runs, ev.Result)
	s.mu.Unlock()
	s.completed <- ev.Result
}

func (s *recordSink) OnBatchProgress(ev schema.BatchProgressEvent) {
	s.mu.Lock()
	s.batch = append(s.batch, ev)
	s.mu.Unlock()
}

func (s *recordSink) OnBatchCompleted(ev schema.BatchCompletedEvent) {
	s.mu.Lock()
	s.batches = append(s.batches, ev.Result)
	s.mu.Unlock()
}

func (s *recordSink) stepEvents() []schema.StepProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.StepProgressEvent(nil), s.steps...)
}

func (s *recordSink) waitCompleted(t *testing.T) schema.RunResult {
	t.Helper()
	select {
	case res := <-s.completed:
		return res
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for run completion")
	}
	return schema.RunResult{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// attachedSession builds a session already attached to the fake browser.
func attachedSession(t *testing.T, browser *fakeBrowser, cfg schema.EngineConfig) *session {
	t.Helper()
	sess := newSession(browser, "run-test", "rec-test", browser.tab.ID, cfg, testLogger())
	if err := sess.life.attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(sess.close)
	return sess
}
