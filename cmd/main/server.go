package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"foreman/internal/api"
	"foreman/internal/config"
	"foreman/internal/mcp"
	"foreman/internal/services"
	"foreman/internal/telemetry"
	"foreman/internal/version"
	"foreman/internal/workflows/runtime"
)

func runMainServer() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.TelemetryEnabled,
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    "foreman",
		ServiceVersion: version.GetVersion(),
	}); err != nil {
		log.Printf("Warning: Failed to set up telemetry: %v", err)
	}

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
	log.Printf("📋 Loaded %d workflow definitions from %s (%d invalid)",
		len(result.Workflows), cfg.WorkflowsDir, len(result.Errors))

	// Start sweeper service for timeout and eviction sweeps
	sweeper := services.NewSweeperService(engine, cfg.SweepInterval)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start sweeper service: %w", err)
	}
	defer sweeper.Stop()

	// Check if we're in local mode
	localMode := viper.GetBool("local_mode")

	mcpServer := mcp.NewServer(workflowSvc, localMode)
	apiServer := api.New(cfg, workflowSvc, localMode)

	var wg sync.WaitGroup
	wg.Add(2) // MCP and API

	go func() {
		defer wg.Done()
		log.Printf("🔧 Starting MCP server on port %d", cfg.MCPPort)
		if err := mcpServer.Start(ctx, cfg.MCPPort); err != nil {
			log.Printf("MCP server error: %v", err)
		}
	}()

	go func() {
		// MCP Start blocks in the HTTP transport; Shutdown releases it.
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer shutdownCancel()

		if err := mcpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("MCP server shutdown error: %v", err)
		}
	}()

	go func() {
		defer wg.Done()
		log.Printf("🌐 Starting API server on port %d", cfg.APIPort)
		if err := apiServer.Start(ctx); err != nil {
			log.Printf("API server error: %v", err)
		}
	}()

	fmt.Printf("\n✅ Foreman is running!\n")
	fmt.Printf("🔧 MCP Server: http://localhost:%d/mcp\n", cfg.MCPPort)
	fmt.Printf("🌐 API Server: http://localhost:%d\n", cfg.APIPort)
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c
	fmt.Println("\n🛑 Received shutdown signal, gracefully shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()

	// Signal all goroutines to start shutdown immediately
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		fmt.Println("✅ All servers stopped gracefully")
	case <-shutdownCtx.Done():
		fmt.Println("⏰ Shutdown timeout exceeded (3s), forcing exit")
	}

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Printf("Telemetry shutdown error: %v", err)
	}

	return nil
}
