package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/docgen/internal/mcp"
	"github.com/joescharf/docgen/internal/models"
	"github.com/joescharf/docgen/internal/orchestrator"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client start and refine documents through docgen.
Configure it with:

  {
    "mcpServers": {
      "docgen": { "command": "docgen", "args": ["mcp"] }
    }
  }

Available tools: docgen_list_kinds, docgen_start, docgen_refine,
docgen_status, docgen_review, docgen_versions, docgen_load_version,
docgen_chat`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	reg, err := getKinds()
	if err != nil {
		return err
	}
	if _, err := reg.Get(viper.GetString("kind")); err != nil {
		return err
	}

	srv := mcp.NewServer(reg, func(k models.DocumentKind) (*orchestrator.Orchestrator, error) {
		return newOrchestrator(k)
	}, viper.GetString("kind"))
	defer srv.Close()

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()
	return srv.ServeStdio(ctx)
}
