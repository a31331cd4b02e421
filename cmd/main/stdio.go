package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"foreman/internal/config"
	"foreman/internal/logging"
	"foreman/internal/mcp"
	"foreman/internal/services"
	"foreman/internal/workflows/runtime"
)

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Start the Foreman MCP server in stdio mode",
	Long: `Start the Foreman MCP server using stdio transport for direct communication.
This mode is useful for wiring Foreman into agent frontends that speak MCP
over standard input/output streams.

All the same tools and resources available in the HTTP mode are available
here, including workflow runs, step polling and error history.`,
	RunE: runStdioServer,
}

func init() {
	rootCmd.AddCommand(stdioCmd)
}

func runStdioServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Re-home logs to stderr; stdout carries the stdio protocol.
	logging.InitializeWithWriter(cfg.Debug, os.Stderr)

	engine := runtime.NewEngine(runtime.Options{
		DefaultMaxIterations: cfg.MaxIterations,
		DefaultMaxParallel:   cfg.MaxParallel,
		WorkflowHistoryCap:   cfg.HistoryCap,
		GlobalHistoryCap:     cfg.GlobalHistoryCap,
		TerminalTTL:          cfg.TerminalTTL,
		IdleTTL:              cfg.IdleTTL,
	})

	workflowSvc := services.NewWorkflowService(engine)
	result, err := workflowSvc.LoadDirectory(afero.NewOsFs(), cfg.WorkflowsDir)
	if err != nil {
		return fmt.Errorf("failed to load workflows from %s: %w", cfg.WorkflowsDir, err)
	}

	sweeper := services.NewSweeperService(engine, cfg.SweepInterval)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start sweeper service: %w", err)
	}
	defer sweeper.Stop()

	// Check if we're in local mode
	localMode := viper.GetBool("local_mode")

	mcpServer := mcp.NewServer(workflowSvc, localMode)

	// Log startup message to stderr (so it doesn't interfere with stdio protocol)
	fmt.Fprintf(os.Stderr, "🚀 Foreman MCP Server starting in stdio mode\n")
	fmt.Fprintf(os.Stderr, "Local mode: %t\n", localMode)
	fmt.Fprintf(os.Stderr, "Workflows loaded: %d\n", len(result.Workflows))
	fmt.Fprintf(os.Stderr, "Ready for MCP communication via stdin/stdout\n")

	// Start MCP server in stdio mode
	if err := mcpServer.StartStdio(context.Background()); err != nil {
		return fmt.Errorf("failed to start MCP stdio server: %w", err)
	}

	return nil
}
