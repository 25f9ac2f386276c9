package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/gauntlet/internal/daemon"
	"github.com/joescharf/gauntlet/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

The server runs its own coordinator over the configured database, so agents
can submit work and read decisions without a running 'gauntlet serve'.
Configure in an MCP client with:

  {
    "mcpServers": {
      "gauntlet": { "command": "gauntlet", "args": ["mcp"] }
    }
  }

Available tools: gauntlet_submit, gauntlet_status, gauntlet_results,
gauntlet_plans`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun() error {
	ctx, stop := signal.NotifyContext(context.Background(), daemon.ShutdownSignals()...)
	defer stop()

	// stdout carries the protocol; logs go to stderr.
	a, err := buildApp(ctx, loadConfig(), os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, running := pidFile().IsRunning(); running {
		a.logger.Warn("a gauntlet server is running against the same state directory; jobs submitted here run in this process")
	}
	if _, err := a.coordinator.Resume(ctx); err != nil {
		return fmt.Errorf("resume jobs: %w", err)
	}

	srv := mcp.NewServer(a.coordinator, a.registry, buildVersion)
	serveErr := srv.ServeStdio(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		a.logger.Error("coordinator shutdown", "error", err)
	}
	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	return nil
}
