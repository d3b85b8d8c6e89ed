package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Port)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 30.0, cfg.DefaultTimeoutMinutes)
	assert.Equal(t, 30, cfg.DefaultMaxSteps)
	assert.Equal(t, 5, cfg.DefaultPriority)
	assert.Equal(t, 2, cfg.NumInternalWorkers)
	assert.True(t, cfg.AutoStartWorkers)
	assert.True(t, cfg.EnableBackgroundTasks)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, time.Minute, cfg.TimeoutCheckInterval)
	assert.Equal(t, time.Minute, cfg.WorkerHeartbeatTimeout)
	assert.Equal(t, 2*time.Second, cfg.WorkerPollInterval)
	assert.Equal(t, "gpt-4", cfg.DefaultAgentModel)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("DATABASE_URL", "postgres://localhost/taskexec")
	t.Setenv("DEFAULT_TIMEOUT_MINUTES", "2.5")
	t.Setenv("NUM_INTERNAL_WORKERS", "10")
	t.Setenv("WORKER_POLL_INTERVAL", "500ms")
	t.Setenv("LOG_FORMAT", "TEXT")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "postgres://localhost/taskexec", cfg.DatabaseURL)
	assert.Equal(t, 2.5, cfg.DefaultTimeoutMinutes)
	assert.Equal(t, 10, cfg.NumInternalWorkers)
	assert.Equal(t, 500*time.Millisecond, cfg.WorkerPollInterval)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestHeartbeatPeriodTracksLivenessTimeout(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cfg.HeartbeatPeriod())

	t.Setenv("WORKER_HEARTBEAT_TIMEOUT", "30s")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatPeriod())
}

func TestAgentModelFallbackChain(t *testing.T) {
	t.Setenv("DEFAULT_AGENT_MODEL", "gpt-4o-mini")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.DefaultAgentModel)

	t.Setenv("OPENAI_MODEL", "gpt-4o")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cfg.DefaultAgentModel, "OPENAI_MODEL wins over DEFAULT_AGENT_MODEL")

	t.Setenv("OPENROUTER_MODEL", "anthropic/claude-3.5-sonnet")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", cfg.DefaultAgentModel, "OPENROUTER_MODEL wins over everything")
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"port zero", "PORT", "0"},
		{"port too high", "PORT", "70000"},
		{"priority out of range", "DEFAULT_PRIORITY", "11"},
		{"negative workers", "NUM_INTERNAL_WORKERS", "-1"},
		{"too many workers", "NUM_INTERNAL_WORKERS", "51"},
		{"bad log format", "LOG_FORMAT", "yaml"},
		{"zero timeout", "DEFAULT_TIMEOUT_MINUTES", "0"},
		{"zero sweep interval", "TIMEOUT_CHECK_INTERVAL", "0s"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
