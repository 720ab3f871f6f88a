package store

import (
	"context"
	"sync"
	"time"

	"github.com/replaykit/replaykit/pattern"
)

// MemoryStore is an in-memory implementation of PatternStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	patterns map[string]*pattern.Pattern
	mu       sync.RWMutex
	closed   bool
	config   Config
}

// NewMemoryStore creates a new in-memory pattern store.
func NewMemoryStore(config Config) *MemoryStore {
	return &MemoryStore{
		patterns: make(map[string]*pattern.Pattern),
		config:   config,
	}
}

// Put inserts or replaces a pattern.
func (s *MemoryStore) Put(ctx context.Context, p *pattern.Pattern) error {
	if p == nil || p.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.patterns[p.ID] = p.Clone()
	return nil
}

// Get returns a copy of the pattern with the given ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*pattern.Pattern, error) {
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
func (s *MemoryStore) All(ctx context.Context) ([]*pattern.Pattern, error) {
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
func (s *MemoryStore) FindByActionType(ctx context.Context, actionType pattern.ActionType) ([]*pattern.Pattern, error) {
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
// bookkeeping atomically. The store mutex serializes updates, so two
// racing executions on the same pattern never lose counter increments.
func (s *MemoryStore) UpdateConfidence(ctx context.Context, id string, delta float64, outcome Outcome, reason string) (*pattern.Pattern, error) {
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
	return p.Clone(), nil
}

// Delete removes a pattern.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.patterns[id]; !ok {
		return ErrNotFound
	}
	delete(s.patterns, id)
	return nil
}

// ImportAll inserts or replaces the given patterns.
func (s *MemoryStore) ImportAll(ctx context.Context, patterns []*pattern.Pattern) (int, error) {
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
	return count, nil
}

// ExportAll returns every stored pattern.
func (s *MemoryStore) ExportAll(ctx context.Context) ([]*pattern.Pattern, error) {
	return s.All(ctx)
}

// Stats returns aggregate statistics.
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
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
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ensure MemoryStore implements PatternStore
var _ PatternStore = (*MemoryStore)(nil)
