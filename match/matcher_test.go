package match

import (
	"context"
	"testing"
	"time"

	"github.com/replaykit/replaykit/pattern"
	"github.com/replaykit/replaykit/store"
)

func storedPattern(t *testing.T, s store.PatternStore, id string, projectName string, confidence float64, lastUsed time.Time) *pattern.Pattern {
	t.Helper()
	p := &pattern.Pattern{
		ID:             id,
		ActionType:     pattern.ActionSelectElement,
		Payload:        &pattern.SelectElementPayload{ProjectName: projectName},
		TargetSelector: "#project-" + id,
		Context:        pattern.PageContext{Hostname: "app.example.com", Path: "/projects"},
		Confidence:     confidence,
		CreatedAt:      lastUsed,
		LastUsedAt:     lastUsed,
	}
	if err := s.Put(context.Background(), p); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	return p
}

func selectRequest(projectName string) *pattern.Request {
	return &pattern.Request{
		ActionType: pattern.ActionSelectElement,
		Payload:    &pattern.SelectElementPayload{ProjectName: projectName},
		Context:    pattern.PageContext{Hostname: "app.example.com", Path: "/projects"},
	}
}

func newTestMatcher(t *testing.T) (*Matcher, store.PatternStore) {
	t.Helper()
	s := store.NewMemoryStore(store.DefaultConfig())
	t.Cleanup(func() { s.Close() })
	return NewMatcher(s, DefaultThresholds(), nil), s
}

// TestMatchDecisions covers the decision threshold table.
func TestMatchDecisions(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("ExactMatchAutoExecutes", func(t *testing.T) {
		m, s := newTestMatcher(t)
		storedPattern(t, s, "exact-1", "React Application", 1.5, now)

		d, err := m.Match(ctx, selectRequest("React Application"), ModeManual)
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if d.Kind != KindAutoExecute {
			t.Errorf("kind = %s, want auto_execute", d.Kind)
		}
		if d.Best == nil || d.Best.Score != 1.0 {
			t.Errorf("best = %+v, want score 1.0", d.Best)
		}
	})

	t.Run("ContainsMatchPromptsInManual", func(t *testing.T) {
		m, s := newTestMatcher(t)
		storedPattern(t, s, "mid-1", "React Application", 1.5, now)

		d, err := m.Match(ctx, selectRequest("React App"), ModeManual)
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if d.Kind != KindPromptUser {
			t.Errorf("kind = %s, want prompt_user", d.Kind)
		}
		if d.Best == nil || d.Best.Score != 0.6 {
			t.Errorf("best = %+v, want score 0.6", d.Best)
		}
	})

	t.Run("ContainsMatchAutoExecutesInAutomatic", func(t *testing.T) {
		m, s := newTestMatcher(t)
		storedPattern(t, s, "mid-2", "React Application", 1.5, now)

		d, err := m.Match(ctx, selectRequest("React App"), ModeAutomatic)
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if d.Kind != KindAutoExecute {
			t.Errorf("kind = %s, want auto_execute", d.Kind)
		}
	})

	t.Run("ContainsMatchPromptsInAutomaticWithLowConfidence", func(t *testing.T) {
		m, s := newTestMatcher(t)
		storedPattern(t, s, "mid-3", "React Application", 0.9, now)

		d, err := m.Match(ctx, selectRequest("React App"), ModeAutomatic)
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if d.Kind != KindPromptUser {
			t.Errorf("kind = %s, want prompt_user", d.Kind)
		}
	})

	t.Run("HighScoreLowConfidencePrompts", func(t *testing.T) {
		m, s := newTestMatcher(t)
		storedPattern(t, s, "shaky-1", "React Application", 0.3, now)

		d, err := m.Match(ctx, selectRequest("React Application"), ModeManual)
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if d.Kind != KindPromptUser {
			t.Errorf("kind = %s, want prompt_user", d.Kind)
		}
	})

	t.Run("LowScoreIsNoMatch", func(t *testing.T) {
		m, s := newTestMatcher(t)
		storedPattern(t, s, "far-1", "React Application", 1.5, now)

		d, err := m.Match(ctx, selectRequest("Billing Export"), ModeAutomatic)
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if d.Kind != KindNoMatch {
			t.Errorf("kind = %s, want no_match", d.Kind)
		}
		if d.Best != nil {
			t.Errorf("no_match decision should carry no candidate, got %+v", d.Best)
		}
	})

	t.Run("EmptyStoreIsNoMatch", func(t *testing.T) {
		m, _ := newTestMatcher(t)

		d, err := m.Match(ctx, selectRequest("Anything"), ModeAutomatic)
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if d.Kind != KindNoMatch {
			t.Errorf("kind = %s, want no_match", d.Kind)
		}
	})

	t.Run("WrongActionTypeIsNoMatch", func(t *testing.T) {
		m, s := newTestMatcher(t)
		storedPattern(t, s, "sel-1", "React Application", 1.5, now)

		req := &pattern.Request{
			ActionType: pattern.ActionFillText,
			Payload:    &pattern.FillTextPayload{Value: "React Application"},
			Context:    pattern.PageContext{Hostname: "app.example.com"},
		}
		d, err := m.Match(ctx, req, ModeManual)
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if d.Kind != KindNoMatch {
			t.Errorf("kind = %s, want no_match", d.Kind)
		}
	})

	t.Run("InvalidMode", func(t *testing.T) {
		m, _ := newTestMatcher(t)
		if _, err := m.Match(ctx, selectRequest("x"), Mode("turbo")); err == nil {
			t.Error("expected error for invalid mode")
		}
	})
}

// TestMatchTieBreaking verifies selection among equal-scoring
// candidates.
func TestMatchTieBreaking(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("HigherScoreWins", func(t *testing.T) {
		m, s := newTestMatcher(t)
		storedPattern(t, s, "partial", "React App", 1.5, now)
		storedPattern(t, s, "exact", "React Application", 0.6, now)

		d, _ := m.Match(ctx, selectRequest("React Application"), ModeManual)
		if d.Best == nil || d.Best.Pattern.ID != "exact" {
			t.Errorf("best = %+v, want pattern exact", d.Best)
		}
	})

	t.Run("ConfidenceBreaksScoreTie", func(t *testing.T) {
		m, s := newTestMatcher(t)
		storedPattern(t, s, "weak", "React Application", 0.8, now)
		storedPattern(t, s, "strong", "React Application", 1.6, now)

		d, _ := m.Match(ctx, selectRequest("React Application"), ModeManual)
		if d.Best == nil || d.Best.Pattern.ID != "strong" {
			t.Errorf("best = %+v, want pattern strong", d.Best)
		}
	})

	t.Run("RecencyBreaksConfidenceTie", func(t *testing.T) {
		m, s := newTestMatcher(t)
		storedPattern(t, s, "stale", "React Application", 1.5, now.Add(-time.Hour))
		storedPattern(t, s, "fresh", "React Application", 1.5, now)

		d, _ := m.Match(ctx, selectRequest("React Application"), ModeManual)
		if d.Best == nil || d.Best.Pattern.ID != "fresh" {
			t.Errorf("best = %+v, want pattern fresh", d.Best)
		}
	})
}

func TestThresholdsValidate(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Errorf("default thresholds invalid: %v", err)
	}

	bad := DefaultThresholds()
	bad.AutoExecuteScore = 0.3 // below prompt band
	if err := bad.Validate(); err == nil {
		t.Error("expected validation error for inverted bands")
	}

	bad = DefaultThresholds()
	bad.PromptScore = 1.5
	if err := bad.Validate(); err == nil {
		t.Error("expected validation error for out-of-range prompt score")
	}
}
