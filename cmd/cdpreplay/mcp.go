package main

import (
	"context"

	"github.com/spf13/cobra"

	"pkt.systems/cdpreplay/internal/mcpserver"
	"pkt.systems/cdpreplay/internal/version"
	"pkt.systems/pslog"
)

func newMCPCmd() *cobra.Command {
	var flags engineFlags
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the replay tools over MCP on stdin and stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			rt, err := openEngine(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close(context.WithoutCancel(cmd.Context())) }()
			logger.Info("mcp server ready", "transport", "stdio")
			return mcpserver.Serve(rt.server.Service(), version.Current(), logger)
		},
	}
	cmd.Flags().StringVarP(&flags.cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&flags.debugURL, "debug-url", "", "browser remote debugging endpoint (overrides browser.debug_url)")
	return cmd
}
