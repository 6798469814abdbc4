package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/cdpreplay/schema"
)

func newTabsCmd() *cobra.Command {
	var flags engineFlags
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tabs",
		Short: "List the page targets of the browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openEngine(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close(context.WithoutCancel(cmd.Context())) }()
			resp, err := rt.server.Service().ListTabs(cmd.Context(), schema.ListTabsRequest{})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, resp.Tabs)
			}
			if len(resp.Tabs) == 0 {
				_, _ = fmt.Fprintln(out, "no tabs")
				return nil
			}
			for _, tab := range resp.Tabs {
				attached := ""
				if tab.Attached {
					attached = " (attached)"
				}
				_, _ = fmt.Fprintf(out, "%s  %s  %s%s\n", tab.ID, tab.Title, tab.URL, attached)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&flags.cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&flags.debugURL, "debug-url", "", "browser remote debugging endpoint (overrides browser.debug_url)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print tabs as JSON")
	return cmd
}
