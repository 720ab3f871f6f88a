// Package config loads engine configuration from defaults, an
// optional YAML file, and environment variable overrides, in that
// order:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("REPLAYKIT").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/replaykit/replaykit/execute"
	"github.com/replaykit/replaykit/match"
	"github.com/replaykit/replaykit/session"
	"github.com/replaykit/replaykit/store"
)

// Config is the complete engine configuration.
type Config struct {
	// Server configures the WebSocket/HTTP front end.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Store configures pattern persistence.
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Matching configures the decision thresholds and default mode.
	Matching MatchingConfig `yaml:"matching" env:"MATCHING"`

	// Execution configures the execution coordinator.
	Execution ExecutionConfig `yaml:"execution" env:"EXECUTION"`

	// Session configures the learning session manager.
	Session SessionConfig `yaml:"session" env:"SESSION"`

	// Eviction configures the optional background sweep of dead
	// patterns.
	Eviction EvictionConfig `yaml:"eviction" env:"EVICTION"`

	// Log configures logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures tracing and metrics export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the host process front end.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// StoreConfig configures pattern persistence.
type StoreConfig struct {
	// Type: memory, file, redis, sqlite
	Type    string `yaml:"type" env:"TYPE"`
	BaseDir string `yaml:"base_dir" env:"BASE_DIR"`

	Redis  RedisConfig  `yaml:"redis" env:"REDIS"`
	SQLite SQLiteConfig `yaml:"sqlite" env:"SQLITE"`

	FailureHistoryLimit int `yaml:"failure_history_limit" env:"FAILURE_HISTORY_LIMIT"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Host      string `yaml:"host" env:"HOST"`
	Port      int    `yaml:"port" env:"PORT"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// MatchingConfig configures the decision policy.
type MatchingConfig struct {
	// Mode: manual, automatic
	Mode string `yaml:"mode" env:"MODE"`

	AutoExecuteScore      float64 `yaml:"auto_execute_score" env:"AUTO_EXECUTE_SCORE"`
	AutoExecuteConfidence float64 `yaml:"auto_execute_confidence" env:"AUTO_EXECUTE_CONFIDENCE"`
	PromptScore           float64 `yaml:"prompt_score" env:"PROMPT_SCORE"`
	AutomaticConfidence   float64 `yaml:"automatic_confidence" env:"AUTOMATIC_CONFIDENCE"`
}

// ExecutionConfig configures the execution coordinator.
type ExecutionConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	SuccessDelta   float64       `yaml:"success_delta" env:"SUCCESS_DELTA"`
	FailureDelta   float64       `yaml:"failure_delta" env:"FAILURE_DELTA"`
	RatePerSecond  float64       `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	RateBurst      int           `yaml:"rate_burst" env:"RATE_BURST"`
}

// SessionConfig configures the learning session manager.
type SessionConfig struct {
	QueueLimit       int           `yaml:"queue_limit" env:"QUEUE_LIMIT"`
	RecordingTimeout time.Duration `yaml:"recording_timeout" env:"RECORDING_TIMEOUT"`
}

// EvictionConfig configures the background sweep removing patterns
// with zero confidence and enough usage to prove they are dead.
type EvictionConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	MinUsage int64         `yaml:"min_usage" env:"MIN_USAGE"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// StoreConfig converts to the store package's configuration.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Type:    store.Type(c.Store.Type),
		BaseDir: c.Store.BaseDir,
		Redis: store.RedisConfig{
			Host:      c.Store.Redis.Host,
			Port:      c.Store.Redis.Port,
			Password:  c.Store.Redis.Password,
			DB:        c.Store.Redis.DB,
			PoolSize:  c.Store.Redis.PoolSize,
			KeyPrefix: c.Store.Redis.KeyPrefix,
		},
		SQLite:              store.SQLiteConfig{Path: c.Store.SQLite.Path},
		FailureHistoryLimit: c.Store.FailureHistoryLimit,
	}
}

// Thresholds converts to the matcher's decision thresholds.
func (c *Config) Thresholds() match.Thresholds {
	return match.Thresholds{
		AutoExecuteScore:      c.Matching.AutoExecuteScore,
		AutoExecuteConfidence: c.Matching.AutoExecuteConfidence,
		PromptScore:           c.Matching.PromptScore,
		AutomaticConfidence:   c.Matching.AutomaticConfidence,
	}
}

// Mode returns the configured default matching mode.
func (c *Config) Mode() match.Mode {
	return match.Mode(c.Matching.Mode)
}

// ExecutionConfig converts to the coordinator's configuration.
func (c *Config) ExecutionConfig() execute.Config {
	return execute.Config{
		DefaultTimeout: c.Execution.DefaultTimeout,
		SuccessDelta:   c.Execution.SuccessDelta,
		FailureDelta:   c.Execution.FailureDelta,
		RatePerSecond:  c.Execution.RatePerSecond,
		RateBurst:      c.Execution.RateBurst,
	}
}

// SessionConfig converts to the session manager's configuration.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		QueueLimit:       c.Session.QueueLimit,
		RecordingTimeout: c.Session.RecordingTimeout,
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if !match.Mode(c.Matching.Mode).Valid() {
		errs = append(errs, fmt.Sprintf("invalid matching mode %q", c.Matching.Mode))
	}
	if err := c.Thresholds().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Execution.FailureDelta > 0 {
		errs = append(errs, "failure_delta must not be positive")
	}
	if c.Execution.SuccessDelta < 0 {
		errs = append(errs, "success_delta must not be negative")
	}
	if c.Session.QueueLimit < 0 {
		errs = append(errs, "queue_limit must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Loader loads configuration with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "REPLAYKIT",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validator run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds the configuration: defaults, then YAML file, then
// environment overrides, then validators.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile merges the YAML file into cfg. A missing file is not an
// error; defaults apply.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks the struct recursively, overriding fields
// whose env-tagged variable is set.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration from the given path, panicking on
// failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from defaults and environment only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}
