package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/replaykit/replaykit/pattern"
)

// FileStore is a file-backed implementation of PatternStore.
// Suitable for single-node deployments. The full pattern set is held
// in memory and flushed to a JSON index on every mutation with an
// atomic temp-file rename.
type FileStore struct {
	baseDir  string
	patterns map[string]*pattern.Pattern
	mu       sync.RWMutex
	closed   bool
	config   Config
}

// NewFileStore creates a file-backed pattern store rooted at
// config.BaseDir.
func NewFileStore(config Config) (*FileStore, error) {
	baseDir := filepath.Join(config.BaseDir, "patterns")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pattern store directory: %w", err)
	}

	store := &FileStore{
		baseDir:  baseDir,
		patterns: make(map[string]*pattern.Pattern),
		config:   config,
	}
	if err := store.loadFromDisk(); err != nil {
		return nil, fmt.Errorf("load patterns from disk: %w", err)
	}
	return store, nil
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.baseDir, "index.json")
}

func (s *FileStore) loadFromDisk() error {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return nil // no existing data
	}
	if err != nil {
		return err
	}

	var patterns map[string]*pattern.Pattern
	if err := json.Unmarshal(data, &patterns); err != nil {
		return err
	}
	if patterns != nil {
		s.patterns = patterns
	}
	return nil
}

// saveToDisk persists all patterns. Write to a temp file then rename
// so a crash mid-write never corrupts the index.
func (s *FileStore) saveToDisk() error {
	data, err := json.MarshalIndent(s.patterns, "", "  ")
	if err != nil {
		return err
	}

	tempPath := s.indexPath() + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tempPath, s.indexPath())
}

// Put inserts or replaces a pattern and flushes to disk.
func (s *FileStore) Put(ctx context.Context, p *pattern.Pattern) error {
	if p == nil || p.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.patterns[p.ID] = p.Clone()
	return s.saveToDisk()
}

// Get returns a copy of the pattern with the given ID.
func (s *FileStore) Get(ctx context.Context, id string) (*pattern.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	p, ok := s.patterns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// All returns copies of every stored pattern.
func (s *FileStore) All(ctx context.Context) ([]*pattern.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	result := make([]*pattern.Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		result = append(result, p.Clone())
	}
	return result, nil
}

// FindByActionType returns copies of patterns with the given action type.
func (s *FileStore) FindByActionType(ctx context.Context, actionType pattern.ActionType) ([]*pattern.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	result := make([]*pattern.Pattern, 0)
	for _, p := range s.patterns {
		if p.ActionType == actionType {
			result = append(result, p.Clone())
		}
	}
	return result, nil
}

// UpdateConfidence applies the confidence delta and outcome
// bookkeeping in one flush.
func (s *FileStore) UpdateConfidence(ctx context.Context, id string, delta float64, outcome Outcome, reason string) (*pattern.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	p, ok := s.patterns[id]
	if !ok {
		return nil, ErrNotFound
	}
	applyUpdate(p, delta, outcome, reason, s.config.FailureHistoryLimit, time.Now())
	if err := s.saveToDisk(); err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// Delete removes a pattern.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.patterns[id]; !ok {
		return ErrNotFound
	}
	delete(s.patterns, id)
	return s.saveToDisk()
}

// ImportAll inserts or replaces the given patterns in one flush.
func (s *FileStore) ImportAll(ctx context.Context, patterns []*pattern.Pattern) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	count := 0
	for _, p := range patterns {
		if p == nil || p.ID == "" {
			continue
		}
		s.patterns[p.ID] = p.Clone()
		count++
	}
	if count > 0 {
		if err := s.saveToDisk(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// ExportAll returns every stored pattern.
func (s *FileStore) ExportAll(ctx context.Context) ([]*pattern.Pattern, error) {
	return s.All(ctx)
}

// Stats returns aggregate statistics.
func (s *FileStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	patterns := make([]*pattern.Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		patterns = append(patterns, p)
	}
	return statsOf(patterns), nil
}

// Ping checks if the store is healthy.
func (s *FileStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close flushes and closes the store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.saveToDisk()
}

// Ensure FileStore implements PatternStore
var _ PatternStore = (*FileStore)(nil)
