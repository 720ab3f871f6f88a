package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/replaykit/replaykit/events"
	"github.com/replaykit/replaykit/pattern"
	"github.com/replaykit/replaykit/store"
)

func unmatchedRequest(project string) *pattern.Request {
	return &pattern.Request{
		ActionType:    pattern.ActionSelectElement,
		Payload:       &pattern.SelectElementPayload{ProjectName: project},
		Context:       pattern.PageContext{Hostname: "app.example.com", Path: "/projects"},
		CorrelationID: "corr-7",
	}
}

func newTestManager(t *testing.T) (*Manager, store.PatternStore) {
	t.Helper()
	s := store.NewMemoryStore(store.DefaultConfig())
	t.Cleanup(func() { s.Close() })
	m := NewManager(s, nil, DefaultConfig(), nil)
	t.Cleanup(m.Close)
	return m, s
}

// TestSessionHappyPath walks offer -> approve -> record -> review ->
// commit and checks the committed pattern.
func TestSessionHappyPath(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Offer(unmatchedRequest("React Application"))
	if err != nil {
		t.Fatalf("Offer failed: %v", err)
	}
	if m.State() != StateAwaitingUserDecision {
		t.Fatalf("state = %s, want awaiting_user_decision", m.State())
	}

	if err := m.Approve(sess.ID); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if m.State() != StateRecording {
		t.Fatalf("state = %s, want recording", m.State())
	}

	script := &Script{TargetSelector: "div.project-card[data-name]"}
	if err := m.CompleteRecording(sess.ID, script); err != nil {
		t.Fatalf("CompleteRecording failed: %v", err)
	}
	if m.State() != StateReviewingScript {
		t.Fatalf("state = %s, want reviewing_script", m.State())
	}

	p, err := m.Commit(ctx, sess.ID, nil)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %s, want idle after commit", m.State())
	}

	if p.Confidence != 1.0 || p.UsageCount != 0 || p.SuccessCount != 0 {
		t.Errorf("seed values = conf %f usage %d success %d", p.Confidence, p.UsageCount, p.SuccessCount)
	}
	if p.TargetSelector != "div.project-card[data-name]" {
		t.Errorf("selector = %q", p.TargetSelector)
	}
	if p.Payload.Fields()["projectName"] != "React Application" {
		t.Errorf("payload = %v", p.Payload.Fields())
	}

	stored, err := s.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("committed pattern not in store: %v", err)
	}
	if stored.ActionType != pattern.ActionSelectElement {
		t.Errorf("stored action type = %s", stored.ActionType)
	}
}

func TestSessionDeclineAndReject(t *testing.T) {
	t.Run("Decline", func(t *testing.T) {
		m, _ := newTestManager(t)
		sess, _ := m.Offer(unmatchedRequest("A"))
		if err := m.Decline(sess.ID); err != nil {
			t.Fatalf("Decline failed: %v", err)
		}
		if m.State() != StateIdle {
			t.Errorf("state = %s, want idle", m.State())
		}
	})

	t.Run("Reject", func(t *testing.T) {
		m, s := newTestManager(t)
		ctx := context.Background()

		sess, _ := m.Offer(unmatchedRequest("A"))
		m.Approve(sess.ID)
		m.CompleteRecording(sess.ID, &Script{TargetSelector: "#x"})
		if err := m.Reject(sess.ID); err != nil {
			t.Fatalf("Reject failed: %v", err)
		}
		if m.State() != StateIdle {
			t.Errorf("state = %s, want idle", m.State())
		}

		all, _ := s.All(ctx)
		if len(all) != 0 {
			t.Errorf("rejected script was stored: %d patterns", len(all))
		}
	})

	t.Run("Cancel", func(t *testing.T) {
		m, _ := newTestManager(t)
		sess, _ := m.Offer(unmatchedRequest("A"))
		m.Approve(sess.ID)
		if err := m.Cancel(sess.ID); err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}
		if m.State() != StateIdle {
			t.Errorf("state = %s, want idle", m.State())
		}
	})
}

// TestSessionExclusivity verifies that an active session is never
// disturbed by new offers.
func TestSessionExclusivity(t *testing.T) {
	m, _ := newTestManager(t)

	sess, err := m.Offer(unmatchedRequest("First"))
	if err != nil {
		t.Fatalf("Offer failed: %v", err)
	}
	m.Approve(sess.ID)

	if _, err := m.Offer(unmatchedRequest("Second")); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("expected ErrSessionBusy, got %v", err)
	}
	if m.State() != StateRecording {
		t.Errorf("active session disturbed: state = %s", m.State())
	}
	if m.Current().ID != sess.ID {
		t.Error("active session replaced")
	}
	if m.QueueLen() != 1 {
		t.Errorf("queue len = %d, want 1", m.QueueLen())
	}
}

func TestSessionQueueOverflow(t *testing.T) {
	s := store.NewMemoryStore(store.DefaultConfig())
	defer s.Close()

	cfg := DefaultConfig()
	cfg.QueueLimit = 2
	m := NewManager(s, nil, cfg, nil)
	defer m.Close()

	sess, _ := m.Offer(unmatchedRequest("Active"))
	m.Approve(sess.ID)

	for i := 0; i < 2; i++ {
		if _, err := m.Offer(unmatchedRequest("Queued")); !errors.Is(err, ErrSessionBusy) {
			t.Fatalf("expected ErrSessionBusy, got %v", err)
		}
	}
	if _, err := m.Offer(unmatchedRequest("Overflow")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

// TestSessionQueueDrains verifies that the next queued request opens a
// session when the active one closes.
func TestSessionQueueDrains(t *testing.T) {
	m, _ := newTestManager(t)

	sess, _ := m.Offer(unmatchedRequest("First"))
	m.Offer(unmatchedRequest("Second"))

	if err := m.Decline(sess.ID); err != nil {
		t.Fatalf("Decline failed: %v", err)
	}

	if m.State() != StateAwaitingUserDecision {
		t.Fatalf("state = %s, want awaiting_user_decision for queued request", m.State())
	}
	next := m.Current()
	if next == nil || next.ID == sess.ID {
		t.Fatal("queued request did not open a fresh session")
	}
	if next.Request.Payload.Fields()["projectName"] != "Second" {
		t.Errorf("wrong queued request surfaced: %v", next.Request.Payload.Fields())
	}
	if m.QueueLen() != 0 {
		t.Errorf("queue len = %d, want 0", m.QueueLen())
	}
}

func TestSessionRecordingTimeout(t *testing.T) {
	s := store.NewMemoryStore(store.DefaultConfig())
	defer s.Close()

	cfg := DefaultConfig()
	cfg.RecordingTimeout = 30 * time.Millisecond
	m := NewManager(s, nil, cfg, nil)
	defer m.Close()

	sess, _ := m.Offer(unmatchedRequest("Slow"))
	m.Approve(sess.ID)

	deadline := time.Now().Add(2 * time.Second)
	for m.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatalf("recording never timed out, state = %s", m.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The stale timer must not fire into a later session.
	sess2, _ := m.Offer(unmatchedRequest("Next"))
	if err := m.Approve(sess2.ID); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	m.CompleteRecording(sess2.ID, &Script{TargetSelector: "#y"})
	if m.State() != StateReviewingScript {
		t.Errorf("state = %s, want reviewing_script", m.State())
	}
}

func TestSessionInvalidOperations(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Approve("ghost"); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}

	sess, _ := m.Offer(unmatchedRequest("A"))

	// Completing before approval is an illegal transition.
	err := m.CompleteRecording(sess.ID, &Script{TargetSelector: "#x"})
	var invalid ErrInvalidTransition
	if !errors.As(err, &invalid) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	if _, err := m.Commit(ctx, sess.ID, nil); !errors.As(err, &invalid) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	if _, err := m.Offer(nil); !errors.Is(err, store.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSessionPublishesEvents(t *testing.T) {
	s := store.NewMemoryStore(store.DefaultConfig())
	defer s.Close()
	bus := events.NewBus()
	defer bus.Stop()

	learned := make(chan events.Event, 1)
	bus.Subscribe(events.TypePatternLearned, func(e events.Event) { learned <- e })

	m := NewManager(s, bus, DefaultConfig(), nil)
	defer m.Close()

	sess, _ := m.Offer(unmatchedRequest("Evented"))
	m.Approve(sess.ID)
	m.CompleteRecording(sess.ID, &Script{TargetSelector: "#z"})
	p, err := m.Commit(context.Background(), sess.ID, nil)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	select {
	case e := <-learned:
		ev := e.(*events.PatternLearnedEvent)
		if ev.PatternID != p.ID || ev.SessionID != sess.ID {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pattern learned event")
	}
}
