package store

import (
	"context"
	"testing"

	"pgregory.net/rapid"

	"github.com/replaykit/replaykit/pattern"
)

// TestProperty_ConfidenceStaysBounded verifies the store invariants
// under arbitrary outcome sequences: confidence never leaves [0, 2],
// successCount never exceeds usageCount, and failure history stays
// within its limit.
func TestProperty_ConfidenceStaysBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := DefaultConfig()
		cfg.FailureHistoryLimit = rapid.IntRange(1, 20).Draw(t, "historyLimit")
		s := NewMemoryStore(cfg)
		defer s.Close()

		ctx := context.Background()
		p := newTestPattern("prop-1", pattern.ActionFillText)
		p.Confidence = rapid.Float64Range(ConfidenceMin, ConfidenceMax).Draw(t, "seed")
		if err := s.Put(ctx, p); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		failures := 0
		for i := 0; i < steps; i++ {
			var updated *pattern.Pattern
			var err error
			if rapid.Bool().Draw(t, "success") {
				updated, err = s.UpdateConfidence(ctx, "prop-1", 0.05, OutcomeSuccess, "")
			} else {
				failures++
				updated, err = s.UpdateConfidence(ctx, "prop-1", -0.2, OutcomeFailure, "flaky selector")
			}
			if err != nil {
				t.Fatalf("UpdateConfidence failed: %v", err)
			}
			if updated.Confidence < ConfidenceMin || updated.Confidence > ConfidenceMax {
				t.Fatalf("confidence %f escaped [%f, %f]", updated.Confidence, ConfidenceMin, ConfidenceMax)
			}
		}

		final, err := s.Get(ctx, "prop-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if final.UsageCount != int64(steps) {
			t.Fatalf("usageCount = %d, want %d", final.UsageCount, steps)
		}
		if final.SuccessCount > final.UsageCount {
			t.Fatalf("successCount %d exceeds usageCount %d", final.SuccessCount, final.UsageCount)
		}
		if final.SuccessCount != int64(steps-failures) {
			t.Fatalf("successCount = %d, want %d", final.SuccessCount, steps-failures)
		}

		wantHistory := failures
		if wantHistory > cfg.FailureHistoryLimit {
			wantHistory = cfg.FailureHistoryLimit
		}
		if len(final.FailureHistory) != wantHistory {
			t.Fatalf("failure history length = %d, want %d", len(final.FailureHistory), wantHistory)
		}
	})
}
