package config

import (
	"time"

	"github.com/replaykit/replaykit/execute"
	"github.com/replaykit/replaykit/match"
	"github.com/replaykit/replaykit/session"
	"github.com/replaykit/replaykit/store"
)

// DefaultConfig returns the default configuration. Domain defaults
// come from the owning packages so the values stay in one place.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Store:     DefaultStoreConfig(),
		Matching:  DefaultMatchingConfig(),
		Execution: DefaultExecutionConfig(),
		Session:   DefaultSessionConfig(),
		Eviction:  DefaultEvictionConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8571,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() StoreConfig {
	d := store.DefaultConfig()
	return StoreConfig{
		Type:    string(d.Type),
		BaseDir: d.BaseDir,
		Redis: RedisConfig{
			Host:      d.Redis.Host,
			Port:      d.Redis.Port,
			Password:  d.Redis.Password,
			DB:        d.Redis.DB,
			PoolSize:  d.Redis.PoolSize,
			KeyPrefix: d.Redis.KeyPrefix,
		},
		SQLite:              SQLiteConfig{Path: d.SQLite.Path},
		FailureHistoryLimit: d.FailureHistoryLimit,
	}
}

// DefaultMatchingConfig returns the default matching configuration.
func DefaultMatchingConfig() MatchingConfig {
	t := match.DefaultThresholds()
	return MatchingConfig{
		Mode:                  string(match.ModeManual),
		AutoExecuteScore:      t.AutoExecuteScore,
		AutoExecuteConfidence: t.AutoExecuteConfidence,
		PromptScore:           t.PromptScore,
		AutomaticConfidence:   t.AutomaticConfidence,
	}
}

// DefaultExecutionConfig returns the default execution configuration.
func DefaultExecutionConfig() ExecutionConfig {
	d := execute.DefaultConfig()
	return ExecutionConfig{
		DefaultTimeout: d.DefaultTimeout,
		SuccessDelta:   d.SuccessDelta,
		FailureDelta:   d.FailureDelta,
		RatePerSecond:  d.RatePerSecond,
		RateBurst:      d.RateBurst,
	}
}

// DefaultSessionConfig returns the default session configuration.
func DefaultSessionConfig() SessionConfig {
	d := session.DefaultConfig()
	return SessionConfig{
		QueueLimit:       d.QueueLimit,
		RecordingTimeout: d.RecordingTimeout,
	}
}

// DefaultEvictionConfig returns the default eviction configuration.
// The sweep is off by default; the engine never silently removes
// patterns unless asked to.
func DefaultEvictionConfig() EvictionConfig {
	return EvictionConfig{
		Enabled:  false,
		Interval: time.Hour,
		MinUsage: 10,
	}
}

// DefaultLogConfig returns the default log configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "replaykit",
		SampleRate:   0.1,
	}
}
