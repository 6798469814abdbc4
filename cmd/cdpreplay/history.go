package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/cdpreplay/schema"
)

func newHistoryCmd() *cobra.Command {
	var cfgPath string
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <recording>",
		Short: "List past results of a recording, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := loadStore(cmd, cfgPath)
			if err != nil {
				return err
			}
			id, err := schema.NormalizeRecordingID(args[0])
			if err != nil {
				return fmt.Errorf("invalid recording id %q", args[0])
			}
			if limit <= 0 {
				limit = cfg.History.ListLimit
			}
			results, err := store.ListRunResults(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, results)
			}
			if len(results) == 0 {
				_, _ = fmt.Fprintf(out, "no runs for %s\n", id)
				return nil
			}
			for _, res := range results {
				_, _ = fmt.Fprintln(out, historyLine(res))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of results (defaults to history.list_limit)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func historyLine(res schema.RunResult) string {
	status := "passed"
	switch {
	case res.Aborted:
		status = "aborted"
	case !res.Passed:
		status = "failed"
	}
	line := fmt.Sprintf("%s  %-7s  %d/%d steps  %s  run %s",
		res.StartedAt.Local().Format(time.DateTime),
		status,
		res.CompletedSteps,
		res.TotalSteps,
		res.Duration().Round(time.Millisecond),
		res.RunID,
	)
	if !res.Passed && !res.Aborted {
		line += "\n  " + failureText(res)
	}
	return line
}
