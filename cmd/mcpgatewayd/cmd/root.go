package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for mcpgatewayd.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mcpgatewayd",
		Short: "MCP orchestration gateway: session/transport core over a unified SSE endpoint",
		Long: `mcpgatewayd multiplexes any number of MCP backend servers (stdio or SSE)
behind one unified, per-project SSE endpoint, handling session
construction, idle eviction, and notification fan-out.

Use subcommands to start the gateway.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
