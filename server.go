// Package cdpreplay composes the replay engine with its control surfaces.
package cdpreplay

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"pkt.systems/cdpreplay/core"
	"pkt.systems/cdpreplay/httpapi"
	"pkt.systems/cdpreplay/internal/appconfig"
	"pkt.systems/cdpreplay/internal/auth"
	"pkt.systems/cdpreplay/internal/eventbus"
	"pkt.systems/cdpreplay/internal/persist"
	"pkt.systems/cdpreplay/schema"
	"pkt.systems/pslog"
)

// Server runs the replay engine and its HTTP control API.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
	// Service is the engine the server drives.
	Service() core.Service
	// Events delivers replay progress per tab.
	Events() *eventbus.Bus
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Engine schema.EngineConfig
	HTTP   httpapi.Config
	Auth   AuthConfig
}

// AuthConfig defines authentication storage settings.
type AuthConfig struct {
	UserFile  string
	SeedUsers []appconfig.SeedUser
}

// RecordingWatcher reports recording directory changes.
type RecordingWatcher interface {
	Watch(ctx context.Context) (<-chan persist.RecordingChange, error)
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	ServiceDeps core.ServiceDeps
	// Watcher feeds recording changes to stream clients when set.
	Watcher RecordingWatcher
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP  bool
	enableWatch bool
}

// WithHTTP enables the HTTP control API.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithRecordingWatch publishes recording file changes to stream clients.
func WithRecordingWatch() ServerOption {
	return func(o *serverOptions) { o.enableWatch = true }
}

// New constructs a replay server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.enableWatch && deps.Watcher == nil {
		return nil, errors.New("recording watcher is required")
	}

	serviceDeps := deps.ServiceDeps
	bus := eventbus.New(serviceDeps.Logger)
	sinks := []core.EventSink{serviceDeps.EventSink, bus}
	var hub *httpapi.Hub
	if options.enableHTTP {
		hub = httpapi.NewHub(cfg.HTTP.HubHistory)
		sinks = append(sinks, hub)
	}
	serviceDeps.EventSink = newEventFanout(sinks...)

	service, err := core.NewService(cfg.Engine, serviceDeps)
	if err != nil {
		return nil, err
	}

	var httpSrv *httpapi.Server
	if options.enableHTTP {
		authStore, err := auth.NewStore(cfg.Auth.UserFile, cfg.Auth.SeedUsers, serviceDeps.Logger)
		if err != nil {
			return nil, err
		}
		httpSrv = httpapi.NewServer(cfg.HTTP, service, authStore, hub)
	}

	return &compositeServer{
		cfg:     cfg,
		options: options,
		service: service,
		bus:     bus,
		hub:     hub,
		httpSrv: httpSrv,
		watcher: deps.Watcher,
	}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	service core.Service
	bus     *eventbus.Bus
	hub     *httpapi.Hub
	httpSrv *httpapi.Server
	watcher RecordingWatcher
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

func (s *compositeServer) Service() core.Service { return s.service }

func (s *compositeServer) Events() *eventbus.Bus { return s.bus }

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(s.ctx)
	s.group = group
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"watch", s.options.enableWatch,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
	)
	if s.options.enableHTTP && s.httpSrv != nil {
		s.httpSrv.SetBaseContext(groupCtx)
		group.Go(func() error {
			if err := httpapi.ListenAndServe(groupCtx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				return err
			}
			return nil
		})
	}
	if s.options.enableWatch && s.watcher != nil {
		changes, err := s.watcher.Watch(groupCtx)
		if err != nil {
			s.cancel()
			return err
		}
		group.Go(func() error {
			s.forwardChanges(groupCtx, changes)
			return nil
		})
	}
	return nil
}

// forwardChanges relays recording changes to stream clients until the
// watcher closes or ctx ends.
func (s *compositeServer) forwardChanges(ctx context.Context, changes <-chan persist.RecordingChange) {
	log := pslog.Ctx(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			log.Debug("recording changed", "recording", change.ID, "removed", change.Removed)
			if s.hub != nil {
				s.hub.OnRecordingChange(change.ID, change.Removed)
			}
		}
	}
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	group := s.group
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}
	err := group.Wait()
	if err != nil {
		pslog.Ctx(s.ctx).Error("server stopped", "err", err)
		_ = s.Stop(context.Background())
	}
	return err
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	if ctx == nil {
		ctx = context.Background()
	}
	log.Info("server stop requested")
	if err := s.service.Shutdown(ctx); err != nil {
		log.Warn("server replay shutdown failed", "err", err)
	} else {
		log.Info("server replay shutdown ok")
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return nil
	}
}
