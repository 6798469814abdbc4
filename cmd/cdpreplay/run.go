package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"pkt.systems/cdpreplay/internal/eventbus"
	"pkt.systems/cdpreplay/schema"
)

// errRunFailed marks a replay that finished without passing. The result
// has already been printed.
var errRunFailed = errors.New("replay failed")

func newRunCmd() *cobra.Command {
	var flags engineFlags
	var tab string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "run <recording>",
		Short: "Replay one recording; Ctrl-C aborts the run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := schema.NormalizeRecordingID(args[0])
			if err != nil {
				return fmt.Errorf("invalid recording id %q", args[0])
			}
			return replay(cmd, flags, asJSON, func(ctx context.Context, rt *engineRuntime) (any, bool, error) {
				resp, err := rt.server.Service().RunRecording(ctx, schema.RunRecordingRequest{
					RecordingID: id,
					TabID:       schema.TabID(strings.TrimSpace(tab)),
				})
				if err != nil {
					return nil, false, err
				}
				return resp.Result, resp.Result.Passed, nil
			})
		},
	}
	addReplayFlags(cmd, &flags, &tab, &asJSON)
	return cmd
}

func newRunAllCmd() *cobra.Command {
	var flags engineFlags
	var tab string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "run-all",
		Short: "Replay every stored recording in order; Ctrl-C aborts the batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return replay(cmd, flags, asJSON, func(ctx context.Context, rt *engineRuntime) (any, bool, error) {
				resp, err := rt.server.Service().RunAll(ctx, schema.RunAllRequest{TabID: schema.TabID(strings.TrimSpace(tab))})
				if err != nil {
					return nil, false, err
				}
				res := resp.Result
				return res, res.Failed == 0 && !res.Aborted, nil
			})
		},
	}
	addReplayFlags(cmd, &flags, &tab, &asJSON)
	return cmd
}

func addReplayFlags(cmd *cobra.Command, flags *engineFlags, tab *string, asJSON *bool) {
	cmd.Flags().StringVarP(&flags.cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&flags.debugURL, "debug-url", "", "browser remote debugging endpoint (overrides browser.debug_url)")
	cmd.Flags().StringVarP(tab, "tab", "t", "", "target tab id (defaults to browser.default_tab or the first page)")
	cmd.Flags().BoolVar(asJSON, "json", false, "print the result as JSON instead of live progress")
}

type replayFunc func(ctx context.Context, rt *engineRuntime) (result any, passed bool, err error)

// replay connects to the browser, streams progress while fn runs and
// reports a failed or aborted run as errRunFailed. An interrupt cancels
// the context, which the engine treats as an abort.
func replay(cmd *cobra.Command, flags engineFlags, asJSON bool, fn replayFunc) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openEngine(ctx, flags)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

	out := cmd.OutOrStdout()
	done := make(chan struct{})
	events, unsubscribe := rt.server.Events().Subscribe("")
	go func() {
		defer close(done)
		if asJSON {
			drain(events)
			return
		}
		newProgressPrinter(out).consume(events)
	}()

	result, passed, err := fn(ctx, rt)
	unsubscribe()
	<-done
	if err != nil {
		return err
	}
	if asJSON {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	}
	if !passed {
		return errRunFailed
	}
	return nil
}

func drain(events <-chan eventbus.Event) {
	for range events {
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
