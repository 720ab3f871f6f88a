package store

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/replaykit/replaykit/pattern"
)

func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("parse miniredis port: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Type = TypeRedis
	cfg.Redis.Host = mr.Host()
	cfg.Redis.Port = port

	s, err := NewRedisStore(cfg)
	if err != nil {
		t.Fatalf("create redis store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestRedisStore tests the Redis-backed pattern store against miniredis.
func TestRedisStore(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()

	t.Run("PutAndGet", func(t *testing.T) {
		p := newTestPattern("redis-1", pattern.ActionSelectElement)
		if err := s.Put(ctx, p); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := s.Get(ctx, "redis-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Payload.Fields()["projectName"] != "React Application" {
			t.Errorf("payload lost through redis round trip: %+v", got.Payload)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := s.Get(ctx, "no-such-id"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ActionIndexMaintained", func(t *testing.T) {
		s.Put(ctx, newTestPattern("idx-1", pattern.ActionFillText))
		s.Put(ctx, newTestPattern("idx-2", pattern.ActionFillText))

		found, err := s.FindByActionType(ctx, pattern.ActionFillText)
		if err != nil {
			t.Fatalf("FindByActionType failed: %v", err)
		}
		if len(found) != 2 {
			t.Errorf("expected 2 fill-text patterns, got %d", len(found))
		}

		// Replacing a pattern under a new action type must move it
		// between the index sets.
		moved := newTestPattern("idx-1", pattern.ActionClickElement)
		s.Put(ctx, moved)

		found, _ = s.FindByActionType(ctx, pattern.ActionFillText)
		if len(found) != 1 {
			t.Errorf("stale action index: got %d fill-text patterns", len(found))
		}
		found, _ = s.FindByActionType(ctx, pattern.ActionClickElement)
		if len(found) != 1 {
			t.Errorf("expected 1 click-element pattern, got %d", len(found))
		}
	})

	t.Run("UpdateConfidence", func(t *testing.T) {
		s.Put(ctx, newTestPattern("redis-conf", pattern.ActionSelectOption))

		updated, err := s.UpdateConfidence(ctx, "redis-conf", -0.2, OutcomeFailure, "stale selector")
		if err != nil {
			t.Fatalf("UpdateConfidence failed: %v", err)
		}
		if updated.Confidence != 0.8 {
			t.Errorf("confidence = %f, want 0.8", updated.Confidence)
		}
		if updated.UsageCount != 1 || updated.SuccessCount != 0 {
			t.Errorf("counters = %d/%d, want 1/0", updated.UsageCount, updated.SuccessCount)
		}
		if len(updated.FailureHistory) != 1 {
			t.Errorf("failure history = %+v", updated.FailureHistory)
		}

		if _, err := s.UpdateConfidence(ctx, "missing", 0.05, OutcomeSuccess, ""); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s.Put(ctx, newTestPattern("redis-del", pattern.ActionFillText))
		if err := s.Delete(ctx, "redis-del"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Get(ctx, "redis-del"); err != ErrNotFound {
			t.Error("pattern should be deleted")
		}
		all, _ := s.All(ctx)
		for _, p := range all {
			if p.ID == "redis-del" {
				t.Error("deleted pattern still in the all index")
			}
		}
	})

	t.Run("Stats", func(t *testing.T) {
		stats, err := s.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.TotalPatterns == 0 {
			t.Error("expected some patterns in stats")
		}
	})
}
