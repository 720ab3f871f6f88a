package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "manual", cfg.Matching.Mode)
	assert.Equal(t, 0.85, cfg.Matching.AutoExecuteScore)
	assert.Equal(t, 0.05, cfg.Execution.SuccessDelta)
	assert.Equal(t, -0.2, cfg.Execution.FailureDelta)
	assert.Equal(t, 20, cfg.Store.FailureHistoryLimit)
	assert.False(t, cfg.Eviction.Enabled)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  http_port: 9000
store:
  type: sqlite
  sqlite:
    path: /tmp/patterns.db
matching:
  mode: automatic
  prompt_score: 0.4
session:
  recording_timeout: 2m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, "/tmp/patterns.db", cfg.Store.SQLite.Path)
	assert.Equal(t, "automatic", cfg.Matching.Mode)
	assert.Equal(t, 0.4, cfg.Matching.PromptScore)
	assert.Equal(t, 2*time.Minute, cfg.Session.RecordingTimeout)

	// Values the file does not mention keep their defaults.
	assert.Equal(t, 0.85, cfg.Matching.AutoExecuteScore)
	assert.Equal(t, 8, cfg.Session.QueueLimit)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.HTTPPort, cfg.Server.HTTPPort)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REPLAYKIT_STORE_TYPE", "redis")
	t.Setenv("REPLAYKIT_STORE_REDIS_HOST", "redis.internal")
	t.Setenv("REPLAYKIT_STORE_REDIS_PORT", "6380")
	t.Setenv("REPLAYKIT_MATCHING_MODE", "automatic")
	t.Setenv("REPLAYKIT_EXECUTION_DEFAULT_TIMEOUT", "3s")
	t.Setenv("REPLAYKIT_EVICTION_ENABLED", "true")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "redis.internal", cfg.Store.Redis.Host)
	assert.Equal(t, 6380, cfg.Store.Redis.Port)
	assert.Equal(t, "automatic", cfg.Matching.Mode)
	assert.Equal(t, 3*time.Second, cfg.Execution.DefaultTimeout)
	assert.True(t, cfg.Eviction.Enabled)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"BadPort", func(c *Config) { c.Server.HTTPPort = -1 }},
		{"BadMode", func(c *Config) { c.Matching.Mode = "turbo" }},
		{"InvertedBands", func(c *Config) { c.Matching.AutoExecuteScore = 0.2 }},
		{"PositiveFailureDelta", func(c *Config) { c.Execution.FailureDelta = 0.1 }},
		{"NegativeQueueLimit", func(c *Config) { c.Session.QueueLimit = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()

	sc := cfg.StoreConfig()
	assert.Equal(t, cfg.Store.Type, string(sc.Type))
	assert.Equal(t, cfg.Store.FailureHistoryLimit, sc.FailureHistoryLimit)

	th := cfg.Thresholds()
	assert.Equal(t, cfg.Matching.PromptScore, th.PromptScore)

	ec := cfg.ExecutionConfig()
	assert.Equal(t, cfg.Execution.DefaultTimeout, ec.DefaultTimeout)

	ssc := cfg.SessionConfig()
	assert.Equal(t, cfg.Session.QueueLimit, ssc.QueueLimit)
}
