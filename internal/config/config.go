// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime settings for the service. Every field maps to an
// environment variable; defaults match a single-node development deployment.
type Config struct {
	// HTTP server
	Port int

	// Persistence. An empty DatabaseURL selects the in-memory store.
	DatabaseURL string

	// Task defaults applied at submission time.
	DefaultTimeoutMinutes float64
	DefaultMaxSteps       int
	DefaultPriority       int

	// Background loops
	EnableBackgroundTasks bool
	TimeoutCheckInterval  time.Duration
	WorkerHeartbeatTimeout time.Duration

	// In-process worker pool
	NumInternalWorkers int
	AutoStartWorkers   bool
	WorkerPollInterval time.Duration

	// Executor
	OrchestratorCommand string
	DefaultAgentModel   string

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics
	MetricsEnabled bool

	// Deployment environment label, surfaced in service metadata.
	Environment string
}

// Load reads configuration from environment variables, applying defaults for
// anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", 8000)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DEFAULT_TIMEOUT_MINUTES", 30.0)
	v.SetDefault("DEFAULT_MAX_STEPS", 30)
	v.SetDefault("DEFAULT_PRIORITY", 5)
	v.SetDefault("ENABLE_BACKGROUND_TASKS", true)
	v.SetDefault("TIMEOUT_CHECK_INTERVAL", "60s")
	v.SetDefault("WORKER_HEARTBEAT_TIMEOUT", "60s")
	v.SetDefault("NUM_INTERNAL_WORKERS", 2)
	v.SetDefault("AUTO_START_WORKERS", true)
	v.SetDefault("WORKER_POLL_INTERVAL", "2s")
	v.SetDefault("ORCHESTRATOR_COMMAND", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("ENVIRONMENT", "development")

	cfg := &Config{
		Port:                   v.GetInt("PORT"),
		DatabaseURL:            v.GetString("DATABASE_URL"),
		DefaultTimeoutMinutes:  v.GetFloat64("DEFAULT_TIMEOUT_MINUTES"),
		DefaultMaxSteps:        v.GetInt("DEFAULT_MAX_STEPS"),
		DefaultPriority:        v.GetInt("DEFAULT_PRIORITY"),
		EnableBackgroundTasks:  v.GetBool("ENABLE_BACKGROUND_TASKS"),
		TimeoutCheckInterval:   v.GetDuration("TIMEOUT_CHECK_INTERVAL"),
		WorkerHeartbeatTimeout: v.GetDuration("WORKER_HEARTBEAT_TIMEOUT"),
		NumInternalWorkers:     v.GetInt("NUM_INTERNAL_WORKERS"),
		AutoStartWorkers:       v.GetBool("AUTO_START_WORKERS"),
		WorkerPollInterval:     v.GetDuration("WORKER_POLL_INTERVAL"),
		OrchestratorCommand:    v.GetString("ORCHESTRATOR_COMMAND"),
		DefaultAgentModel:      resolveAgentModel(v),
		LogLevel:               strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat:              strings.ToLower(v.GetString("LOG_FORMAT")),
		MetricsEnabled:         v.GetBool("METRICS_ENABLED"),
		Environment:            strings.ToLower(v.GetString("ENVIRONMENT")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HeartbeatPeriod is the busy-heartbeat cadence for in-process workers, a
// third of the liveness timeout so a heartbeating worker is never swept
// offline mid-task.
func (c *Config) HeartbeatPeriod() time.Duration {
	return c.WorkerHeartbeatTimeout / 3
}

// resolveAgentModel applies the model fallback chain.
func resolveAgentModel(v *viper.Viper) string {
	for _, key := range []string{"OPENROUTER_MODEL", "OPENAI_MODEL", "DEFAULT_AGENT_MODEL"} {
		if model := v.GetString(key); model != "" {
			return model
		}
	}
	return "gpt-4"
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.DefaultTimeoutMinutes <= 0 {
		return fmt.Errorf("DEFAULT_TIMEOUT_MINUTES must be positive, got %v", c.DefaultTimeoutMinutes)
	}
	if c.DefaultMaxSteps <= 0 {
		return fmt.Errorf("DEFAULT_MAX_STEPS must be positive, got %d", c.DefaultMaxSteps)
	}
	if c.DefaultPriority < 1 || c.DefaultPriority > 10 {
		return fmt.Errorf("DEFAULT_PRIORITY must be in [1,10], got %d", c.DefaultPriority)
	}
	if c.NumInternalWorkers < 0 || c.NumInternalWorkers > 50 {
		return fmt.Errorf("NUM_INTERNAL_WORKERS must be in [0,50], got %d", c.NumInternalWorkers)
	}
	if c.TimeoutCheckInterval <= 0 {
		return fmt.Errorf("TIMEOUT_CHECK_INTERVAL must be positive, got %v", c.TimeoutCheckInterval)
	}
	if c.WorkerPollInterval <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL must be positive, got %v", c.WorkerPollInterval)
	}
	if c.WorkerHeartbeatTimeout <= 0 {
		return fmt.Errorf("WORKER_HEARTBEAT_TIMEOUT must be positive, got %v", c.WorkerHeartbeatTimeout)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}
