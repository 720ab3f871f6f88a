package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/replaykit/replaykit/pattern"
)

// Common errors
var (
	ErrNotFound     = errors.New("pattern not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// Confidence bounds enforced by every UpdateConfidence implementation.
const (
	ConfidenceMin = 0.0
	ConfidenceMax = 2.0
)

// Outcome labels the result of a pattern execution for the learning
// feedback loop.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Type selects the storage backend.
type Type string

const (
	TypeMemory Type = "memory"
	TypeFile   Type = "file"
	TypeRedis  Type = "redis"
	TypeSQLite Type = "sqlite"
)

// RedisConfig contains Redis-specific configuration.
type RedisConfig struct {
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// SQLiteConfig contains SQLite-specific configuration.
type SQLiteConfig struct {
	Path string `json:"path" yaml:"path"`
}

// Config is the configuration shared by all store backends.
type Config struct {
	Type    Type         `json:"type" yaml:"type"`
	BaseDir string       `json:"base_dir" yaml:"base_dir"`
	Redis   RedisConfig  `json:"redis" yaml:"redis"`
	SQLite  SQLiteConfig `json:"sqlite" yaml:"sqlite"`

	// FailureHistoryLimit bounds the retained failure history per
	// pattern; oldest entries are evicted first.
	FailureHistoryLimit int `json:"failure_history_limit" yaml:"failure_history_limit"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Type:    TypeMemory,
		BaseDir: "./data/patterns",
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      6379,
			PoolSize:  10,
			KeyPrefix: "replaykit:",
		},
		SQLite:              SQLiteConfig{Path: "./data/patterns.db"},
		FailureHistoryLimit: 20,
	}
}

// Stats summarizes the contents of a pattern store.
type Stats struct {
	TotalPatterns  int64                        `json:"total_patterns"`
	ByActionType   map[pattern.ActionType]int64 `json:"by_action_type"`
	AvgConfidence  float64                      `json:"avg_confidence"`
	TotalUsage     int64                        `json:"total_usage"`
	TotalSuccesses int64                        `json:"total_successes"`
}

// PatternStore is the durable keyed collection of learned patterns.
//
// UpdateConfidence is the single mutation point of the learning
// feedback loop: it adjusts confidence and the usage counters,
// timestamps, and failure history in one atomic operation per pattern
// ID. Read operations return copies; callers never share memory with
// the store.
type PatternStore interface {
	// Put inserts or replaces a pattern.
	Put(ctx context.Context, p *pattern.Pattern) error

	// Get returns the pattern with the given ID or ErrNotFound.
	Get(ctx context.Context, id string) (*pattern.Pattern, error)

	// All returns every stored pattern.
	All(ctx context.Context) ([]*pattern.Pattern, error)

	// FindByActionType returns patterns of the given action type.
	FindByActionType(ctx context.Context, actionType pattern.ActionType) ([]*pattern.Pattern, error)

	// UpdateConfidence applies a confidence delta together with the
	// outcome bookkeeping and returns the updated pattern. The reason
	// is recorded in the failure history on a failure outcome.
	UpdateConfidence(ctx context.Context, id string, delta float64, outcome Outcome, reason string) (*pattern.Pattern, error)

	// Delete removes a pattern or returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// ImportAll inserts or replaces the given patterns, returning how
	// many were stored. Records must already be validated.
	ImportAll(ctx context.Context, patterns []*pattern.Pattern) (int, error)

	// ExportAll returns every stored pattern for serialization.
	ExportAll(ctx context.Context) ([]*pattern.Pattern, error)

	// Stats returns aggregate statistics.
	Stats(ctx context.Context) (*Stats, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close closes the store and releases resources.
	Close() error
}

// New creates a pattern store for the configured backend.
func New(cfg Config) (PatternStore, error) {
	switch cfg.Type {
	case TypeMemory, "":
		return NewMemoryStore(cfg), nil
	case TypeFile:
		return NewFileStore(cfg)
	case TypeRedis:
		return NewRedisStore(cfg)
	case TypeSQLite:
		return NewSQLiteStore(cfg)
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}

// applyUpdate performs the shared confidence bookkeeping on a pattern
// already under the backend's write protection.
func applyUpdate(p *pattern.Pattern, delta float64, outcome Outcome, reason string, historyLimit int, now time.Time) {
	p.Confidence = clampConfidence(p.Confidence + delta)
	p.UsageCount++
	if outcome == OutcomeSuccess {
		p.SuccessCount++
	} else {
		p.FailureHistory = append(p.FailureHistory, pattern.FailureRecord{Timestamp: now, Reason: reason})
		if historyLimit > 0 && len(p.FailureHistory) > historyLimit {
			p.FailureHistory = p.FailureHistory[len(p.FailureHistory)-historyLimit:]
		}
	}
	p.LastUsedAt = now
}

func clampConfidence(v float64) float64 {
	if v < ConfidenceMin {
		return ConfidenceMin
	}
	if v > ConfidenceMax {
		return ConfidenceMax
	}
	return v
}

func statsOf(patterns []*pattern.Pattern) *Stats {
	stats := &Stats{ByActionType: make(map[pattern.ActionType]int64)}
	var confidenceSum float64
	for _, p := range patterns {
		stats.TotalPatterns++
		stats.ByActionType[p.ActionType]++
		stats.TotalUsage += p.UsageCount
		stats.TotalSuccesses += p.SuccessCount
		confidenceSum += p.Confidence
	}
	if stats.TotalPatterns > 0 {
		stats.AvgConfidence = confidenceSum / float64(stats.TotalPatterns)
	}
	return stats
}
