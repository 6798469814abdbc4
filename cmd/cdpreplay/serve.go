package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/cdpreplay"
	"pkt.systems/pslog"
)

const stopTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var flags engineFlags
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := []cdpreplay.ServerOption{cdpreplay.WithHTTP()}
			if !noWatch {
				opts = append(opts, cdpreplay.WithRecordingWatch())
			}
			rt, err := openEngine(ctx, flags, opts...)
			if err != nil {
				return err
			}
			defer func() { _ = rt.client.Close() }()
			server := rt.server

			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			logger.Info("http server listening", "addr", rt.cfg.HTTP.Addr, "base_path", rt.cfg.HTTP.BasePath)
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&flags.cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&flags.debugURL, "debug-url", "", "browser remote debugging endpoint (overrides browser.debug_url)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not watch the recordings directory for changes")
	return cmd
}
