package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config carries the process-wide settings for the foreman server. Values
// merge from the config file, FOREMAN_* environment variables, and serve
// flags, in ascending precedence (viper owns the merge).
type Config struct {
	APIPort      int
	MCPPort      int
	WorkflowsDir string
	Debug        bool
	LocalMode    bool

	// Engine tuning.
	MaxIterations    int
	MaxParallel      int
	HistoryCap       int
	GlobalHistoryCap int
	TerminalTTL      time.Duration
	IdleTTL          time.Duration
	SweepInterval    time.Duration

	// Tracing.
	TelemetryEnabled bool
	OTLPEndpoint     string
}

// SetDefaults registers defaults for every known key. Runs before flag
// binding so explicit flags and environment variables still win.
func SetDefaults() {
	viper.SetDefault("api_port", 8585)
	viper.SetDefault("mcp_port", 8586)
	viper.SetDefault("workflows_dir", "./workflows")
	viper.SetDefault("debug", false)
	viper.SetDefault("local_mode", false)
	viper.SetDefault("max_iterations", 100)
	viper.SetDefault("max_parallel", 5)
	viper.SetDefault("history_cap", 100)
	viper.SetDefault("global_history_cap", 1000)
	viper.SetDefault("terminal_ttl", time.Hour)
	viper.SetDefault("idle_ttl", 24*time.Hour)
	viper.SetDefault("sweep_interval", time.Second)
	viper.SetDefault("telemetry_enabled", false)
	viper.SetDefault("otel_endpoint", "localhost:4318")
}

// Load materializes the current viper state into a Config.
func Load() (*Config, error) {
	SetDefaults()

	cfg := &Config{
		APIPort:          viper.GetInt("api_port"),
		MCPPort:          viper.GetInt("mcp_port"),
		WorkflowsDir:     viper.GetString("workflows_dir"),
		Debug:            viper.GetBool("debug"),
		LocalMode:        viper.GetBool("local_mode"),
		MaxIterations:    viper.GetInt("max_iterations"),
		MaxParallel:      viper.GetInt("max_parallel"),
		HistoryCap:       viper.GetInt("history_cap"),
		GlobalHistoryCap: viper.GetInt("global_history_cap"),
		TerminalTTL:      viper.GetDuration("terminal_ttl"),
		IdleTTL:          viper.GetDuration("idle_ttl"),
		SweepInterval:    viper.GetDuration("sweep_interval"),
		TelemetryEnabled: viper.GetBool("telemetry_enabled"),
		OTLPEndpoint:     viper.GetString("otel_endpoint"),
	}

	if cfg.APIPort < 1 || cfg.APIPort > 65535 {
		return nil, fmt.Errorf("invalid api_port: %d", cfg.APIPort)
	}
	if cfg.MCPPort < 1 || cfg.MCPPort > 65535 {
		return nil, fmt.Errorf("invalid mcp_port: %d", cfg.MCPPort)
	}
	if cfg.WorkflowsDir == "" {
		return nil, fmt.Errorf("workflows_dir is required")
	}
	if cfg.MaxIterations < 1 {
		return nil, fmt.Errorf("max_iterations must be positive, got %d", cfg.MaxIterations)
	}
	if cfg.MaxParallel < 1 {
		return nil, fmt.Errorf("max_parallel must be positive, got %d", cfg.MaxParallel)
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("sweep_interval must be positive, got %s", cfg.SweepInterval)
	}

	return cfg, nil
}
