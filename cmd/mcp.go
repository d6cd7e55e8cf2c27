package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/mohammad-safakhou/researcher/internal/mcpserver"
	"github.com/spf13/cobra"
)

func mcpCMD(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the registered tools over stdio JSON-RPC",
		Long:  "Serve web_search, web_fetch, configured HTTP tools and attached MCP servers to another agent over stdin/stdout. Logs go to stderr.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg, clients, err := buildRegistry(ctx, cfg, nil, log)
			if err != nil {
				return err
			}
			defer func() {
				for _, c := range clients {
					_ = c.Close()
				}
			}()
			return mcpserver.New(reg, Version, log).Serve(ctx, os.Stdin, os.Stdout)
		},
	}
}
