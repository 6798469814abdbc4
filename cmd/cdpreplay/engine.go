package main

import (
	"context"
	"strings"

	"pkt.systems/cdpreplay"
	"pkt.systems/cdpreplay/core"
	"pkt.systems/cdpreplay/httpapi"
	"pkt.systems/cdpreplay/internal/appconfig"
	"pkt.systems/cdpreplay/internal/cdpclient"
	"pkt.systems/cdpreplay/internal/persist"
	"pkt.systems/pslog"
)

// engineFlags are shared by the commands that drive a browser.
type engineFlags struct {
	cfgPath  string
	debugURL string
}

// engineRuntime is a loaded config with a connected browser and the
// server composed on top of it.
type engineRuntime struct {
	cfg    appconfig.Config
	client *cdpclient.Client
	store  *persist.Store
	server cdpreplay.Server
}

func openEngine(ctx context.Context, flags engineFlags, opts ...cdpreplay.ServerOption) (*engineRuntime, error) {
	logger := pslog.Ctx(ctx)
	cfg, err := appconfig.Load(flags.cfgPath)
	if err != nil {
		return nil, err
	}
	if url := strings.TrimSpace(flags.debugURL); url != "" {
		cfg.Browser.DebugURL = url
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	client, err := cdpclient.Dial(ctx, cdpclient.Config{DebugURL: cfg.Browser.DebugURL, Logger: logger})
	if err != nil {
		return nil, err
	}
	server, err := cdpreplay.New(serverConfig(cfg), cdpreplay.ServerDeps{
		ServiceDeps: core.ServiceDeps{
			Browser: client,
			Store:   store,
			Logger:  logger,
		},
		Watcher: store,
	}, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Info("browser connected", "debug_url", cfg.Browser.DebugURL, "recordings", cfg.RecordingsDir)
	return &engineRuntime{cfg: cfg, client: client, store: store, server: server}, nil
}

// Close ends any run still active and disconnects from the browser.
func (e *engineRuntime) Close(ctx context.Context) error {
	if err := e.server.Service().Shutdown(ctx); err != nil {
		pslog.Ctx(ctx).Warn("replay shutdown failed", "err", err)
	}
	return e.client.Close()
}

func openStore(cfg appconfig.Config, logger pslog.Logger) (*persist.Store, error) {
	return persist.NewStore(persist.Options{
		RecordingsDir: cfg.RecordingsDir,
		RunsDir:       cfg.RunsDir(),
		MaxRuns:       cfg.History.MaxRuns,
		Logger:        logger,
	})
}

func serverConfig(cfg appconfig.Config) cdpreplay.ServerConfig {
	return cdpreplay.ServerConfig{
		Engine: cfg.EngineSettings(),
		HTTP:   toHTTPConfig(cfg.HTTP),
		Auth: cdpreplay.AuthConfig{
			UserFile:  cfg.Auth.UserFile,
			SeedUsers: cfg.Auth.SeedUsers,
		},
	}
}

func toHTTPConfig(cfg appconfig.HTTPConfig) httpapi.Config {
	return httpapi.Config{
		Addr:            cfg.Addr,
		SessionCookie:   cfg.SessionCookie,
		SessionTTLHours: cfg.SessionTTLHours,
		BaseURL:         cfg.BaseURL,
		BasePath:        cfg.BasePath,
		HubHistory:      cfg.HubHistory,
		SessionFile:     cfg.SessionFile,
	}
}
