package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/cdpreplay/internal/auth"
	"pkt.systems/cdpreplay/schema"
)

type fakeAuth struct {
	mu        sync.Mutex
	users     map[string]auth.User
	passwords map[string]string
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{
		users: map[string]auth.User{
			"admin":  {Username: "admin", Role: auth.RoleAdmin},
			"op":     {Username: "op", Role: auth.RoleOperator},
			"viewer": {Username: "viewer", Role: auth.RoleViewer},
		},
		passwords: map[string]string{"admin": "pw", "op": "pw", "viewer": "pw"},
	}
}

func (a *fakeAuth) Authenticate(username, password, totp string) (auth.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	user, ok := a.users[username]
	if !ok || a.passwords[username] != password {
		return auth.User{}, auth.ErrInvalidCredentials
	}
	if totp != "123456" {
		return auth.User{}, auth.ErrInvalidTOTP
	}
	return user, nil
}

func (a *fakeAuth) Lookup(username string) (auth.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	user, ok := a.users[username]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return user, nil
}

func (a *fakeAuth) SetPassword(username, password string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[username]; !ok {
		return auth.ErrUserNotFound
	}
	a.passwords[username] = password
	return nil
}

func (a *fakeAuth) remove(username string) {
	a.mu.Lock()
	delete(a.users, username)
	a.mu.Unlock()
}

type fakeService struct {
	mu       sync.Mutex
	started  []schema.RunRecordingRequest
	startErr error
	batches  []schema.RunAllRequest
	aborts   int
	saved    []schema.Recording
	deleted  []schema.RecordingID
	history  schema.ListRunResultsRequest
	recs     map[schema.RecordingID]schema.Recording
	status   schema.StatusResponse
}

func newFakeService() *fakeService {
	return &fakeService{recs: map[schema.RecordingID]schema.Recording{
		"login": {ID: "login", Title: "Login", Steps: []schema.Step{{Type: schema.StepNavigate, URL: "https://example.test"}}},
	}}
}

func (f *fakeService) RunRecording(context.Context, schema.RunRecordingRequest) (schema.RunRecordingResponse, error) {
	return schema.RunRecordingResponse{}, nil
}

func (f *fakeService) StartRecording(_ context.Context, req schema.RunRecordingRequest) (schema.StartRunResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return schema.StartRunResponse{}, f.startErr
	}
	f.started = append(f.started, req)
	return schema.StartRunResponse{RunID: "run-1", TabID: "T1"}, nil
}

func (f *fakeService) RunAll(context.Context, schema.RunAllRequest) (schema.RunAllResponse, error) {
	return schema.RunAllResponse{}, nil
}

func (f *fakeService) StartAll(_ context.Context, req schema.RunAllRequest) (schema.StartRunResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, req)
	return schema.StartRunResponse{RunID: "batch-1", TabID: "T1"}, nil
}

func (f *fakeService) AbortRun(context.Context, schema.AbortRunRequest) (schema.AbortRunResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	return schema.AbortRunResponse{Aborted: true, RunID: "run-1"}, nil
}

func (f *fakeService) Status(context.Context, schema.StatusRequest) (schema.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeService) ListTabs(context.Context, schema.ListTabsRequest) (schema.ListTabsResponse, error) {
	return schema.ListTabsResponse{Tabs: []schema.TabInfo{{ID: "T1", Type: "page", Title: "Example"}}}, nil
}

func (f *fakeService) ListRecordings(context.Context, schema.ListRecordingsRequest) (schema.ListRecordingsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []schema.RecordingSummary
	for _, rec := range f.recs {
		out = append(out, rec.Summary())
	}
	return schema.ListRecordingsResponse{Recordings: out}, nil
}

func (f *fakeService) GetRecording(_ context.Context, req schema.GetRecordingRequest) (schema.GetRecordingResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[req.RecordingID]
	if !ok {
		return schema.GetRecordingResponse{}, fmt.Errorf("%s: %w", req.RecordingID, schema.ErrRecordingNotFound)
	}
	return schema.GetRecordingResponse{Recording: rec}, nil
}

func (f *fakeService) SaveRecording(_ context.Context, req schema.SaveRecordingRequest) (schema.SaveRecordingResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, req.Recording)
	f.recs[req.Recording.ID] = req.Recording
	return schema.SaveRecordingResponse{Recording: req.Recording.Summary()}, nil
}

func (f *fakeService) DeleteRecording(_ context.Context, req schema.DeleteRecordingRequest) (schema.DeleteRecordingResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recs[req.RecordingID]; !ok {
		return schema.DeleteRecordingResponse{}, schema.ErrRecordingNotFound
	}
	delete(f.recs, req.RecordingID)
	f.deleted = append(f.deleted, req.RecordingID)
	return schema.DeleteRecordingResponse{RecordingID: req.RecordingID}, nil
}

func (f *fakeService) ListRunResults(_ context.Context, req schema.ListRunResultsRequest) (schema.ListRunResultsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = req
	return schema.ListRunResultsResponse{Results: []schema.RunResult{{RunID: "r1", RecordingID: req.RecordingID, Passed: true}}}, nil
}

func (f *fakeService) Shutdown(context.Context) error { return nil }

type testEnv struct {
	server  *Server
	service *fakeService
	auth    *fakeAuth
	handler http.Handler
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	svc := newFakeService()
	authStore := newFakeAuth()
	srv := NewServer(cfg, svc, authStore, NewHub(100))
	return &testEnv{server: srv, service: svc, auth: authStore, handler: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path, body string, cookie *http.Cookie, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if cookie != nil {
		req.AddCookie(cookie)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, username string) *http.Cookie {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/login", fmt.Sprintf(`{"username":%q,"password":"pw","totp":"123456"}`, username), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", username, rec.Code, rec.Body.String())
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == e.server.cfg.SessionCookie {
			return c
		}
	}
	t.Fatalf("login %s: no session cookie", username)
	return nil
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestLoginAndMe(t *testing.T) {
	env := newTestEnv(t, Config{BaseURL: "https://replay.example"})
	cookie := env.login(t, "op")
	if !cookie.HttpOnly || !cookie.Secure || cookie.Path != "/" {
		t.Fatalf("unexpected cookie attributes: %+v", cookie)
	}
	rec := env.do(t, http.MethodGet, "/api/me", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("me status %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["username"] != "op" || body["role"] != "operator" {
		t.Fatalf("unexpected me body: %v", body)
	}
}

func TestLoginFailures(t *testing.T) {
	env := newTestEnv(t, Config{})
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad password", `{"username":"op","password":"nope","totp":"123456"}`, http.StatusUnauthorized},
		{"bad totp", `{"username":"op","password":"pw","totp":"000000"}`, http.StatusUnauthorized},
		{"unknown field", `{"username":"op","extra":1}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		rec := env.do(t, http.MethodPost, "/api/login", tc.body, nil)
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, rec.Code)
		}
	}
	if rec := env.do(t, http.MethodGet, "/api/login", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET login, got %d", rec.Code)
	}
}

func TestSessionRequired(t *testing.T) {
	env := newTestEnv(t, Config{})
	if rec := env.do(t, http.MethodGet, "/api/tabs", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without cookie, got %d", rec.Code)
	}
	bogus := &http.Cookie{Name: env.server.cfg.SessionCookie, Value: "nope"}
	if rec := env.do(t, http.MethodGet, "/api/tabs", "", bogus); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown session, got %d", rec.Code)
	}
}

func TestLogoutEndsSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	cookie := env.login(t, "viewer")
	if rec := env.do(t, http.MethodPost, "/api/logout", "", cookie); rec.Code != http.StatusOK {
		t.Fatalf("logout status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/me", "", cookie); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
}

func TestDeletedUserLosesSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	cookie := env.login(t, "viewer")
	env.auth.remove("viewer")
	if rec := env.do(t, http.MethodGet, "/api/me", "", cookie); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for removed user, got %d", rec.Code)
	}
}

func TestRoleGating(t *testing.T) {
	env := newTestEnv(t, Config{})
	viewer := env.login(t, "viewer")
	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/api/tabs", "", http.StatusOK},
		{http.MethodGet, "/api/recordings", "", http.StatusOK},
		{http.MethodGet, "/api/status", "", http.StatusOK},
		{http.MethodPost, "/api/run", `{"recording":"login"}`, http.StatusForbidden},
		{http.MethodPost, "/api/run-all", "", http.StatusForbidden},
		{http.MethodPost, "/api/abort", "", http.StatusForbidden},
		{http.MethodPost, "/api/recordings", `{"id":"x","steps":[]}`, http.StatusForbidden},
		{http.MethodDelete, "/api/recording?id=login", "", http.StatusForbidden},
	}
	for _, tc := range tests {
		rec := env.do(t, tc.method, tc.path, tc.body, viewer)
		if rec.Code != tc.want {
			t.Fatalf("%s %s: expected %d, got %d (%s)", tc.method, tc.path, tc.want, rec.Code, rec.Body.String())
		}
	}
}

func TestRunStartsInBackground(t *testing.T) {
	env := newTestEnv(t, Config{})
	cookie := env.login(t, "op")
	rec := env.do(t, http.MethodPost, "/api/run", `{"recording":" login ","tab":"T1"}`, cookie)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("run status %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["runId"] != "run-1" || body["tabId"] != "T1" {
		t.Fatalf("unexpected run body: %v", body)
	}
	if len(env.service.started) != 1 || env.service.started[0].RecordingID != "login" || env.service.started[0].TabID != "T1" {
		t.Fatalf("unexpected start requests: %+v", env.service.started)
	}

	if rec := env.do(t, http.MethodPost, "/api/run", `{}`, cookie); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing recording, got %d", rec.Code)
	}
}

func TestRunErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{schema.ErrSessionBusy, http.StatusConflict},
		{fmt.Errorf("x: %w", schema.ErrRecordingNotFound), http.StatusNotFound},
		{schema.ErrTabNotFound, http.StatusNotFound},
		{schema.ErrEmptyRecording, http.StatusBadRequest},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	env := newTestEnv(t, Config{})
	cookie := env.login(t, "op")
	for _, tc := range tests {
		env.service.startErr = tc.err
		rec := env.do(t, http.MethodPost, "/api/run", `{"recording":"login"}`, cookie)
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestRunAllAndAbort(t *testing.T) {
	env := newTestEnv(t, Config{})
	cookie := env.login(t, "op")
	rec := env.do(t, http.MethodPost, "/api/run-all", "", cookie)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("run-all status %d body %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["batchId"] != "batch-1" {
		t.Fatalf("unexpected run-all body: %v", body)
	}
	rec = env.do(t, http.MethodPost, "/api/run-all", `{"tab":"T9"}`, cookie)
	if rec.Code != http.StatusAccepted || env.service.batches[1].TabID != "T9" {
		t.Fatalf("expected tab to be passed, got %+v", env.service.batches)
	}
	rec = env.do(t, http.MethodPost, "/api/abort", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("abort status %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["aborted"] != true {
		t.Fatalf("unexpected abort body: %v", body)
	}
}

func TestSaveRecordingValidates(t *testing.T) {
	env := newTestEnv(t, Config{})
	cookie := env.login(t, "op")

	rec := env.do(t, http.MethodPost, "/api/recordings", `{"id":"bad","steps":[{"type":"click"}]}`, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for click without selectors, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["issues"] == nil {
		t.Fatalf("expected issues in rejection: %v", body)
	}

	yamlDoc := "title: Checkout\nsteps:\n  - type: navigate\n    url: https://shop.test\n  - type: click\n    selectors:\n      - \"#buy\"\n"
	rec = env.do(t, http.MethodPost, "/api/recordings?id=checkout", yamlDoc, cookie, "Content-Type", "application/yaml")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body %s", rec.Code, rec.Body.String())
	}
	if len(env.service.saved) != 1 {
		t.Fatalf("expected one save, got %d", len(env.service.saved))
	}
	saved := env.service.saved[0]
	if saved.ID != "checkout" || saved.Title != "Checkout" || len(saved.Steps) != 2 {
		t.Fatalf("unexpected saved recording: %+v", saved)
	}
}

func TestRecordingGetDeleteHistory(t *testing.T) {
	env := newTestEnv(t, Config{})
	cookie := env.login(t, "admin")

	if rec := env.do(t, http.MethodGet, "/api/recording?id=missing", "", cookie); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/recording", "", cookie); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without id, got %d", rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/api/recording?id=login", "", cookie)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["title"] != "Login" {
		t.Fatalf("unexpected get: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/history?recording=login&limit=5", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status %d", rec.Code)
	}
	if env.service.history.RecordingID != "login" || env.service.history.Limit != 5 {
		t.Fatalf("unexpected history request: %+v", env.service.history)
	}

	if rec := env.do(t, http.MethodDelete, "/api/recording?id=login", "", cookie); rec.Code != http.StatusOK {
		t.Fatalf("delete status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/recording?id=login", "", cookie); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestSchemaEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})
	cookie := env.login(t, "viewer")
	rec := env.do(t, http.MethodGet, "/api/schema", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("schema status %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["$id"] == nil {
		t.Fatalf("expected schema $id: %v", body)
	}
}

func TestBasePathMount(t *testing.T) {
	env := newTestEnv(t, Config{BasePath: "/replay/"})
	rec := env.do(t, http.MethodGet, "/replay", "", nil)
	if rec.Code != http.StatusTemporaryRedirect || rec.Header().Get("Location") != "/replay/" {
		t.Fatalf("expected redirect, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	rec = env.do(t, http.MethodPost, "/replay/api/login", `{"username":"op","password":"pw","totp":"123456"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login under base path: %d", rec.Code)
	}
	if cookies := rec.Result().Cookies(); len(cookies) == 0 || cookies[0].Path != "/replay/" {
		t.Fatalf("expected cookie scoped to base path, got %+v", cookies)
	}
	if rec := env.do(t, http.MethodGet, "/api/me", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside base path, got %d", rec.Code)
	}
}

func TestStreamDeliversSnapshotReplayAndLive(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.service.status = schema.StatusResponse{Active: true, RunID: "run-1", TabID: "T1"}
	cookie := env.login(t, "viewer")
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	env.server.hub.OnRecordingChange("old", false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream?tab=T1", nil)
	req.AddCookie(cookie)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	events := make(chan StreamEvent, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var event StreamEvent
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event) == nil {
				events <- event
			}
		}
		close(events)
	}()
	next := func() StreamEvent {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("stream ended")
			}
			return event
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for stream event")
		}
		return StreamEvent{}
	}

	snapshot := next()
	if snapshot.Type != streamSnapshot || snapshot.Status == nil || snapshot.Status.RunID != "run-1" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	env.server.hub.OnStepProgress(schema.StepProgressEvent{RunID: "run-1", TabID: "T2"})
	env.server.hub.OnStepProgress(schema.StepProgressEvent{RunID: "run-1", TabID: "T1", StepIndex: 4})
	live := next()
	if live.Type != streamStep || live.Step == nil || live.Step.StepIndex != 4 {
		t.Fatalf("expected filtered T1 step event, got %+v", live)
	}
}

func TestStreamReplaysAfterLastEventID(t *testing.T) {
	env := newTestEnv(t, Config{})
	cookie := env.login(t, "viewer")
	srv := httptest.NewServer(env.handler)
	defer srv.Close()
	for i := 0; i < 3; i++ {
		env.server.hub.OnRecordingChange(schema.RecordingID(fmt.Sprintf("r%d", i)), false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream", nil)
	req.AddCookie(cookie)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	var ids []string
	for len(ids) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimSpace(strings.TrimPrefix(line, "id: ")))
		}
	}
	if ids[0] != "2" || ids[1] != "3" {
		t.Fatalf("expected replay of 2 and 3, got %v", ids)
	}
}

func TestWebsocketStreamsAndAborts(t *testing.T) {
	env := newTestEnv(t, Config{})
	cookie := env.login(t, "op")
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	header := http.Header{}
	header.Set("Cookie", cookie.String())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snapshot StreamEvent
	if err := conn.ReadJSON(&snapshot); err != nil || snapshot.Type != streamSnapshot {
		t.Fatalf("expected snapshot, got %+v err %v", snapshot, err)
	}

	env.server.hub.OnRunCompleted(schema.RunCompletedEvent{Result: schema.RunResult{RunID: "run-1", Passed: true}})
	var done StreamEvent
	if err := conn.ReadJSON(&done); err != nil || done.Type != streamRunCompleted || done.Run == nil || !done.Run.Passed {
		t.Fatalf("expected run_completed, got %+v err %v", done, err)
	}

	if err := conn.WriteJSON(map[string]string{"type": "abort"}); err != nil {
		t.Fatalf("write abort: %v", err)
	}
	var reply wsReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != "abort" || !reply.Aborted || reply.RunID != "run-1" {
		t.Fatalf("unexpected abort reply: %+v", reply)
	}
	env.service.mu.Lock()
	aborts := env.service.aborts
	env.service.mu.Unlock()
	if aborts != 1 {
		t.Fatalf("expected one abort, got %d", aborts)
	}
}

func TestWebsocketViewerCannotAbort(t *testing.T) {
	env := newTestEnv(t, Config{})
	cookie := env.login(t, "viewer")
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	header := http.Header{}
	header.Set("Cookie", cookie.String())
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", header)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var snapshot StreamEvent
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "abort"}); err != nil {
		t.Fatalf("write abort: %v", err)
	}
	var reply wsReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Error == "" || reply.Aborted {
		t.Fatalf("expected viewer abort to be refused, got %+v", reply)
	}
	env.service.mu.Lock()
	defer env.service.mu.Unlock()
	if env.service.aborts != 0 {
		t.Fatalf("expected no abort")
	}
}

func TestSameOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://replay.test/api/ws", nil)
	if !sameOrigin(req) {
		t.Fatalf("expected request without origin to pass")
	}
	req.Header.Set("Origin", "http://replay.test")
	if !sameOrigin(req) {
		t.Fatalf("expected same origin to pass")
	}
	req.Header.Set("Origin", "https://evil.test")
	if sameOrigin(req) {
		t.Fatalf("expected foreign origin to fail")
	}
}
