package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/replaykit/replaykit/pattern"
)

// patternRecord is the GORM row mapping for a stored pattern. Payload
// and failure history are serialized JSON columns so the schema stays
// stable while payload variants evolve.
type patternRecord struct {
	ID             string `gorm:"primaryKey"`
	ActionType     string `gorm:"index"`
	Payload        string
	TargetSelector string
	Hostname       string `gorm:"index"`
	Path           string
	Fingerprint    string
	Confidence     float64
	UsageCount     int64
	SuccessCount   int64
	FailureHistory string
	CreatedAt      time.Time
	LastUsedAt     time.Time
}

func (patternRecord) TableName() string { return "automation_patterns" }

// SQLiteStore is a SQLite-backed implementation of PatternStore using
// the pure-Go driver, so single-binary deployments need no cgo.
type SQLiteStore struct {
	db     *gorm.DB
	config Config
}

// NewSQLiteStore opens (and migrates) the SQLite database at
// config.SQLite.Path.
func NewSQLiteStore(config Config) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(config.SQLite.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.AutoMigrate(&patternRecord{}); err != nil {
		return nil, fmt.Errorf("migrate pattern table: %w", err)
	}
	return &SQLiteStore{db: db, config: config}, nil
}

func toRecord(p *pattern.Pattern) (*patternRecord, error) {
	var payload []byte
	if p.Payload != nil {
		var err error
		payload, err = json.Marshal(p.Payload.Fields())
		if err != nil {
			return nil, err
		}
	}
	history, err := json.Marshal(p.FailureHistory)
	if err != nil {
		return nil, err
	}
	return &patternRecord{
		ID:             p.ID,
		ActionType:     string(p.ActionType),
		Payload:        string(payload),
		TargetSelector: p.TargetSelector,
		Hostname:       p.Context.Hostname,
		Path:           p.Context.Path,
		Fingerprint:    p.Context.Fingerprint,
		Confidence:     p.Confidence,
		UsageCount:     p.UsageCount,
		SuccessCount:   p.SuccessCount,
		FailureHistory: string(history),
		CreatedAt:      p.CreatedAt,
		LastUsedAt:     p.LastUsedAt,
	}, nil
}

func fromRecord(rec *patternRecord) (*pattern.Pattern, error) {
	p := &pattern.Pattern{
		ID:             rec.ID,
		ActionType:     pattern.ActionType(rec.ActionType),
		TargetSelector: rec.TargetSelector,
		Context: pattern.PageContext{
			Hostname:    rec.Hostname,
			Path:        rec.Path,
			Fingerprint: rec.Fingerprint,
		},
		Confidence:   rec.Confidence,
		UsageCount:   rec.UsageCount,
		SuccessCount: rec.SuccessCount,
		CreatedAt:    rec.CreatedAt,
		LastUsedAt:   rec.LastUsedAt,
	}
	if rec.Payload != "" {
		var fields map[string]string
		if err := json.Unmarshal([]byte(rec.Payload), &fields); err != nil {
			return nil, fmt.Errorf("decode payload for %s: %w", rec.ID, err)
		}
		payload, err := pattern.DecodePayload(p.ActionType, fields)
		if err != nil {
			return nil, err
		}
		p.Payload = payload
	}
	if rec.FailureHistory != "" {
		if err := json.Unmarshal([]byte(rec.FailureHistory), &p.FailureHistory); err != nil {
			return nil, fmt.Errorf("decode failure history for %s: %w", rec.ID, err)
		}
	}
	return p, nil
}

// Put inserts or replaces a pattern.
func (s *SQLiteStore) Put(ctx context.Context, p *pattern.Pattern) error {
	if p == nil || p.ID == "" {
		return ErrInvalidInput
	}
	rec, err := toRecord(p)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(rec).Error
}

// Get returns the pattern with the given ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*pattern.Pattern, error) {
	var rec patternRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(&rec)
}

// All returns every stored pattern.
func (s *SQLiteStore) All(ctx context.Context) ([]*pattern.Pattern, error) {
	var recs []patternRecord
	if err := s.db.WithContext(ctx).Find(&recs).Error; err != nil {
		return nil, err
	}
	return fromRecords(recs)
}

// FindByActionType returns patterns of the given action type.
func (s *SQLiteStore) FindByActionType(ctx context.Context, actionType pattern.ActionType) ([]*pattern.Pattern, error) {
	var recs []patternRecord
	err := s.db.WithContext(ctx).Where("action_type = ?", string(actionType)).Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return fromRecords(recs)
}

func fromRecords(recs []patternRecord) ([]*pattern.Pattern, error) {
	result := make([]*pattern.Pattern, 0, len(recs))
	for i := range recs {
		p, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

// UpdateConfidence applies the confidence delta inside one database
// transaction; SQLite serializes writers, so the read-modify-write is
// atomic per pattern.
func (s *SQLiteStore) UpdateConfidence(ctx context.Context, id string, delta float64, outcome Outcome, reason string) (*pattern.Pattern, error) {
	var updated *pattern.Pattern
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec patternRecord
		err := tx.First(&rec, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		p, err := fromRecord(&rec)
		if err != nil {
			return err
		}
		applyUpdate(p, delta, outcome, reason, s.config.FailureHistoryLimit, time.Now())

		out, err := toRecord(p)
		if err != nil {
			return err
		}
		if err := tx.Save(out).Error; err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a pattern.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&patternRecord{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ImportAll inserts or replaces the given patterns in one transaction.
func (s *SQLiteStore) ImportAll(ctx context.Context, patterns []*pattern.Pattern) (int, error) {
	count := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range patterns {
			if p == nil || p.ID == "" {
				continue
			}
			rec, err := toRecord(p)
			if err != nil {
				return err
			}
			if err := tx.Save(rec).Error; err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ExportAll returns every stored pattern.
func (s *SQLiteStore) ExportAll(ctx context.Context) ([]*pattern.Pattern, error) {
	return s.All(ctx)
}

// Stats returns aggregate statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	patterns, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return statsOf(patterns), nil
}

// Ping checks if the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// Ensure SQLiteStore implements PatternStore
var _ PatternStore = (*SQLiteStore)(nil)
