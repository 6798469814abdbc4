package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/cdpreplay/internal/logx"
	"pkt.systems/cdpreplay/schema"
	"pkt.systems/pslog"
)

// service implements the replay engine.
type service struct {
	cfg     schema.EngineConfig
	browser Browser
	store   RecordingStore
	sink    EventSink
	logger  pslog.Logger
	exec    *executor

	mu     sync.Mutex
	active *activeRun
	bg     sync.WaitGroup
}

// activeRun is the reservation held while a run or batch owns the engine.
type activeRun struct {
	id        schema.RunID
	batch     bool
	startedAt time.Time
	aborted   atomic.Bool

	mu          sync.Mutex
	tabID       schema.TabID
	recordingID schema.RecordingID
	sess        *session
	cancel      context.CancelFunc
	stepIndex   int
	totalSteps  int
}

// NewService constructs the replay service.
func NewService(cfg schema.EngineConfig, deps ServiceDeps) (Service, error) {
	normalized, err := schema.NormalizeEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	if deps.Browser == nil {
		return nil, errors.New("browser is required")
	}
	if deps.Store == nil {
		return nil, errors.New("recording store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &service{
		cfg:     normalized,
		browser: deps.Browser,
		store:   deps.Store,
		sink:    deps.EventSink,
		logger:  logger,
		exec:    newExecutor(normalized, logger),
	}, nil
}

func (s *service) reserve(batch bool) (*activeRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, schema.ErrSessionBusy
	}
	run := &activeRun{id: newRunID(), batch: batch, startedAt: time.Now()}
	s.active = run
	return run, nil
}

func (s *service) release(run *activeRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == run {
		s.active = nil
	}
}

func (s *service) loggerFor(ctx context.Context) pslog.Logger {
	if ctx != nil {
		if log := pslog.Ctx(ctx); log != nil {
			return log
		}
	}
	return s.logger
}

// resolveTab picks the requested tab, the configured default, or the first
// page target.
func (s *service) resolveTab(ctx context.Context, tabID schema.TabID) (schema.TabID, error) {
	if tabID == "" {
		tabID = s.cfg.DefaultTab
	}
	if tabID != "" {
		info, err := s.browser.Tab(ctx, tabID)
		if err != nil {
			return "", err
		}
		return info.ID, nil
	}
	tabs, err := s.browser.Tabs(ctx)
	if err != nil {
		return "", err
	}
	for _, tab := range tabs {
		if tab.Type == "" || tab.Type == "page" {
			return tab.ID, nil
		}
	}
	return "", schema.ErrTabNotFound
}

func (s *service) loadRecording(ctx context.Context, raw schema.RecordingID) (schema.Recording, error) {
	id, err := schema.NormalizeRecordingID(string(raw))
	if err != nil {
		return schema.Recording{}, err
	}
	rec, err := s.store.GetRecording(ctx, id)
	if err != nil {
		return schema.Recording{}, err
	}
	if len(rec.Steps) == 0 {
		return schema.Recording{}, schema.ErrEmptyRecording
	}
	return rec, nil
}

func (s *service) RunRecording(ctx context.Context, req schema.RunRecordingRequest) (schema.RunRecordingResponse, error) {
	if ctx == nil {
		return schema.RunRecordingResponse{}, errors.New("missing context")
	}
	run, err := s.reserve(false)
	if err != nil {
		s.loggerFor(ctx).Warn("replay run rejected", "recording", req.RecordingID, "err", err)
		return schema.RunRecordingResponse{}, err
	}
	defer s.release(run)
	rec, tabID, err := s.prepare(ctx, req)
	if err != nil {
		return schema.RunRecordingResponse{}, err
	}
	stop := context.AfterFunc(ctx, func() { s.abortRun(run, "context done") })
	defer stop()
	result := s.runRecording(ctx, run, rec, tabID, run.id)
	return schema.RunRecordingResponse{Result: result}, nil
}

func (s *service) StartRecording(ctx context.Context, req schema.RunRecordingRequest) (schema.StartRunResponse, error) {
	if ctx == nil {
		return schema.StartRunResponse{}, errors.New("missing context")
	}
	run, err := s.reserve(false)
	if err != nil {
		s.loggerFor(ctx).Warn("replay run rejected", "recording", req.RecordingID, "err", err)
		return schema.StartRunResponse{}, err
	}
	rec, tabID, err := s.prepare(ctx, req)
	if err != nil {
		s.release(run)
		return schema.StartRunResponse{}, err
	}
	bgCtx := logx.CopyContextFields(pslog.ContextWithLogger(context.Background(), s.loggerFor(ctx)), ctx)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer s.release(run)
		s.runRecording(bgCtx, run, rec, tabID, run.id)
	}()
	return schema.StartRunResponse{RunID: run.id, TabID: tabID}, nil
}

func (s *service) prepare(ctx context.Context, req schema.RunRecordingRequest) (schema.Recording, schema.TabID, error) {
	rec, err := s.loadRecording(ctx, req.RecordingID)
	if err != nil {
		return schema.Recording{}, "", err
	}
	tabID, err := s.resolveTab(ctx, req.TabID)
	if err != nil {
		return schema.Recording{}, "", err
	}
	return rec, tabID, nil
}

func (s *service) RunAll(ctx context.Context, req schema.RunAllRequest) (schema.RunAllResponse, error) {
	if ctx == nil {
		return schema.RunAllResponse{}, errors.New("missing context")
	}
	run, err := s.reserve(true)
	if err != nil {
		return schema.RunAllResponse{}, err
	}
	defer s.release(run)
	tabID, recs, err := s.prepareBatch(ctx, req)
	if err != nil {
		return schema.RunAllResponse{}, err
	}
	stop := context.AfterFunc(ctx, func() { s.abortRun(run, "context done") })
	defer stop()
	return schema.RunAllResponse{Result: s.runBatch(ctx, run, tabID, recs)}, nil
}

func (s *service) StartAll(ctx context.Context, req schema.RunAllRequest) (schema.StartRunResponse, error) {
	if ctx == nil {
		return schema.StartRunResponse{}, errors.New("missing context")
	}
	run, err := s.reserve(true)
	if err != nil {
		return schema.StartRunResponse{}, err
	}
	tabID, recs, err := s.prepareBatch(ctx, req)
	if err != nil {
		s.release(run)
		return schema.StartRunResponse{}, err
	}
	bgCtx := logx.CopyContextFields(pslog.ContextWithLogger(context.Background(), s.loggerFor(ctx)), ctx)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer s.release(run)
		s.runBatch(bgCtx, run, tabID, recs)
	}()
	return schema.StartRunResponse{RunID: run.id, TabID: tabID}, nil
}

func (s *service) prepareBatch(ctx context.Context, req schema.RunAllRequest) (schema.TabID, []schema.Recording, error) {
	tabID, err := s.resolveTab(ctx, req.TabID)
	if err != nil {
		return "", nil, err
	}
	recs, err := s.store.ListRecordings(ctx)
	if err != nil {
		return "", nil, err
	}
	return tabID, recs, nil
}

func (s *service) AbortRun(ctx context.Context, _ schema.AbortRunRequest) (schema.AbortRunResponse, error) {
	s.mu.Lock()
	run := s.active
	s.mu.Unlock()
	if run == nil {
		s.loggerFor(ctx).Debug("replay abort ignored", "reason", "idle")
		return schema.AbortRunResponse{}, nil
	}
	s.abortRun(run, "requested")
	return schema.AbortRunResponse{Aborted: true, RunID: run.id}, nil
}

// abortRun sets the abort flag and force-detaches the current session.
func (s *service) abortRun(run *activeRun, reason string) {
	if run.aborted.Swap(true) {
		return
	}
	run.mu.Lock()
	sess := run.sess
	cancel := run.cancel
	run.mu.Unlock()
	s.logger.Info("replay abort", "run", run.id, "reason", reason)
	if sess != nil {
		sess.life.abort(schema.ErrSessionAborted)
	}
	if cancel != nil {
		cancel()
	}
}

func (s *service) Status(_ context.Context, _ schema.StatusRequest) (schema.StatusResponse, error) {
	s.mu.Lock()
	run := s.active
	s.mu.Unlock()
	if run == nil {
		return schema.StatusResponse{}, nil
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return schema.StatusResponse{
		Active:      true,
		Batch:       run.batch,
		RunID:       run.id,
		RecordingID: run.recordingID,
		TabID:       run.tabID,
		StepIndex:   run.stepIndex,
		TotalSteps:  run.totalSteps,
		Aborted:     run.aborted.Load(),
		StartedAt:   run.startedAt,
	}, nil
}

func (s *service) ListTabs(ctx context.Context, _ schema.ListTabsRequest) (schema.ListTabsResponse, error) {
	tabs, err := s.browser.Tabs(ctx)
	if err != nil {
		return schema.ListTabsResponse{}, err
	}
	pages := make([]schema.TabInfo, 0, len(tabs))
	for _, tab := range tabs {
		if tab.Type == "" || tab.Type == "page" {
			pages = append(pages, tab)
		}
	}
	return schema.ListTabsResponse{Tabs: pages}, nil
}

func (s *service) ListRecordings(ctx context.Context, _ schema.ListRecordingsRequest) (schema.ListRecordingsResponse, error) {
	recs, err := s.store.ListRecordings(ctx)
	if err != nil {
		return schema.ListRecordingsResponse{}, err
	}
	out := make([]schema.RecordingSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Summary())
	}
	return schema.ListRecordingsResponse{Recordings: out}, nil
}

func (s *service) GetRecording(ctx context.Context, req schema.GetRecordingRequest) (schema.GetRecordingResponse, error) {
	id, err := schema.NormalizeRecordingID(string(req.RecordingID))
	if err != nil {
		return schema.GetRecordingResponse{}, err
	}
	rec, err := s.store.GetRecording(ctx, id)
	if err != nil {
		return schema.GetRecordingResponse{}, err
	}
	return schema.GetRecordingResponse{Recording: rec}, nil
}

func (s *service) SaveRecording(ctx context.Context, req schema.SaveRecordingRequest) (schema.SaveRecordingResponse, error) {
	rec := req.Recording
	id, err := schema.NormalizeRecordingID(string(rec.ID))
	if err != nil {
		return schema.SaveRecordingResponse{}, err
	}
	rec.ID = id
	if len(rec.Steps) == 0 {
		return schema.SaveRecordingResponse{}, schema.ErrEmptyRecording
	}
	for i, step := range rec.Steps {
		if strings.TrimSpace(string(step.Type)) == "" {
			return schema.SaveRecordingResponse{}, fmt.Errorf("%w: step %d has no type", schema.ErrInvalidRecording, i+1)
		}
	}
	if rec.Title == "" {
		rec.Title = string(rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.store.SaveRecording(ctx, rec); err != nil {
		return schema.SaveRecordingResponse{}, err
	}
	s.loggerFor(ctx).Info("replay recording saved", "recording", rec.ID, "steps", len(rec.Steps))
	return schema.SaveRecordingResponse{Recording: rec.Summary()}, nil
}

func (s *service) DeleteRecording(ctx context.Context, req schema.DeleteRecordingRequest) (schema.DeleteRecordingResponse, error) {
	id, err := schema.NormalizeRecordingID(string(req.RecordingID))
	if err != nil {
		return schema.DeleteRecordingResponse{}, err
	}
	if err := s.store.DeleteRecording(ctx, id); err != nil {
		return schema.DeleteRecordingResponse{}, err
	}
	s.loggerFor(ctx).Info("replay recording deleted", "recording", id)
	return schema.DeleteRecordingResponse{RecordingID: id}, nil
}

func (s *service) ListRunResults(ctx context.Context, req schema.ListRunResultsRequest) (schema.ListRunResultsResponse, error) {
	id, err := schema.NormalizeRecordingID(string(req.RecordingID))
	if err != nil {
		return schema.ListRunResultsResponse{}, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	results, err := s.store.ListRunResults(ctx, id, limit)
	if err != nil {
		return schema.ListRunResultsResponse{}, err
	}
	return schema.ListRunResultsResponse{Results: results}, nil
}

func (s *service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	run := s.active
	s.mu.Unlock()
	if run != nil {
		s.abortRun(run, "shutdown")
	}
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
