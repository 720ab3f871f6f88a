// Package session manages learning-by-demonstration: an unmatched
// request is offered to the user, recorded if approved, reviewed, and
// committed to the pattern store as a new pattern. One session runs at
// a time; further unmatched requests wait in a bounded queue.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replaykit/replaykit/events"
	"github.com/replaykit/replaykit/pattern"
	"github.com/replaykit/replaykit/store"
)

// Session errors
var (
	// ErrSessionBusy signals that a session is already active. The
	// offered request has been queued and will surface when the active
	// session closes.
	ErrSessionBusy = errors.New("learning session busy, request queued")
	// ErrQueueFull signals that the pending-request queue is full and
	// the offered request was rejected.
	ErrQueueFull = errors.New("learning session queue full")
	// ErrNoSession signals an operation on a session that is not
	// active.
	ErrNoSession = errors.New("no active learning session")
)

// Config tunes the session manager.
type Config struct {
	// QueueLimit bounds how many unmatched requests may wait while a
	// session is active.
	QueueLimit int `json:"queue_limit" yaml:"queue_limit"`

	// RecordingTimeout aborts a recording the user never finishes.
	RecordingTimeout time.Duration `json:"recording_timeout" yaml:"recording_timeout"`
}

// DefaultConfig returns the default session manager configuration.
func DefaultConfig() Config {
	return Config{
		QueueLimit:       8,
		RecordingTimeout: 5 * time.Minute,
	}
}

// Script is the recorded demonstration: the selector the user acted on
// and the payload extracted from the demonstration. The user may edit
// it during review.
type Script struct {
	TargetSelector string          `json:"targetSelector"`
	Payload        pattern.Payload `json:"-"`
}

// Session is one learning-by-demonstration attempt for one unmatched
// request.
type Session struct {
	ID        string           `json:"id"`
	Request   *pattern.Request `json:"request"`
	StartedAt time.Time        `json:"startedAt"`

	script *Script
}

// Manager is the single-session-at-a-time state machine.
type Manager struct {
	mu      sync.Mutex
	state   State
	current *Session
	queue   []*pattern.Request
	gen     uint64
	timer   *time.Timer

	store  store.PatternStore
	bus    events.Bus
	config Config
	logger *zap.Logger
}

// NewManager creates a session manager over the given store. The bus
// is optional.
func NewManager(s store.PatternStore, bus events.Bus, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		state:  StateIdle,
		store:  s,
		bus:    bus,
		config: config,
		logger: logger.With(zap.String("component", "session")),
	}
	return m
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the active session, or nil when idle.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// QueueLen returns how many unmatched requests are waiting.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Offer surfaces an unmatched request. When idle it opens a session
// and moves to AwaitingUserDecision. When busy the request is queued
// (ErrSessionBusy) or, if the queue is full, rejected (ErrQueueFull);
// the active session is never disturbed.
func (m *Manager) Offer(req *pattern.Request) (*Session, error) {
	if req == nil || !req.ActionType.Valid() {
		return nil, store.ErrInvalidInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		if len(m.queue) >= m.config.QueueLimit {
			return nil, ErrQueueFull
		}
		m.queue = append(m.queue, req)
		m.logger.Info("request queued behind active session",
			zap.String("action_type", string(req.ActionType)),
			zap.Int("queue_len", len(m.queue)))
		return nil, ErrSessionBusy
	}

	return m.openLocked(req)
}

func (m *Manager) openLocked(req *pattern.Request) (*Session, error) {
	if err := m.transitionLocked(StateAwaitingUserDecision); err != nil {
		return nil, err
	}
	m.current = &Session{
		ID:        uuid.NewString(),
		Request:   req,
		StartedAt: time.Now(),
	}
	m.logger.Info("learning session opened",
		zap.String("session_id", m.current.ID),
		zap.String("action_type", string(req.ActionType)),
		zap.String("correlation_id", req.CorrelationID))
	return m.current, nil
}

// Approve starts recording after the user accepts the offer. A timer
// aborts the recording if the user never finishes.
func (m *Manager) Approve(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkActiveLocked(sessionID, StateAwaitingUserDecision); err != nil {
		return err
	}
	if err := m.transitionLocked(StateRecording); err != nil {
		return err
	}

	if m.config.RecordingTimeout > 0 {
		m.gen++
		gen := m.gen
		m.timer = time.AfterFunc(m.config.RecordingTimeout, func() {
			m.expireRecording(gen)
		})
	}
	return nil
}

// expireRecording aborts a recording that outlived its timeout. The
// generation guard makes a stale timer a no-op.
func (m *Manager) expireRecording(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen || m.state != StateRecording {
		return
	}
	m.logger.Warn("recording timed out",
		zap.String("session_id", m.current.ID),
		zap.Duration("timeout", m.config.RecordingTimeout))
	m.closeLocked()
}

// Decline closes the session when the user refuses to record.
func (m *Manager) Decline(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkActiveLocked(sessionID, StateAwaitingUserDecision); err != nil {
		return err
	}
	m.closeLocked()
	return nil
}

// CompleteRecording stops the recording and moves to review with the
// captured script.
func (m *Manager) CompleteRecording(sessionID string, script *Script) error {
	if script == nil || script.TargetSelector == "" {
		return store.ErrInvalidInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkActiveLocked(sessionID, StateRecording); err != nil {
		return err
	}
	if err := m.transitionLocked(StateReviewingScript); err != nil {
		return err
	}
	m.stopTimerLocked()
	m.current.script = script
	return nil
}

// Cancel aborts an in-progress recording.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkActiveLocked(sessionID, StateRecording); err != nil {
		return err
	}
	m.stopTimerLocked()
	m.closeLocked()
	return nil
}

// Commit approves the reviewed script, stores it as a new pattern, and
// closes the session. A non-nil edited script replaces the recorded
// one. New patterns seed confidence 1.0 with zeroed counters.
func (m *Manager) Commit(ctx context.Context, sessionID string, edited *Script) (*pattern.Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkActiveLocked(sessionID, StateReviewingScript); err != nil {
		return nil, err
	}

	script := m.current.script
	if edited != nil {
		script = edited
	}
	if script == nil || script.TargetSelector == "" {
		return nil, store.ErrInvalidInput
	}

	payload := script.Payload
	if payload == nil {
		payload = m.current.Request.Payload
	}

	p := pattern.New(payload, script.TargetSelector, m.current.Request.Context)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, p); err != nil {
		return nil, err
	}

	m.logger.Info("pattern learned",
		zap.String("session_id", m.current.ID),
		zap.String("pattern_id", p.ID),
		zap.String("action_type", string(p.ActionType)))
	if m.bus != nil {
		m.bus.Publish(&events.PatternLearnedEvent{
			PatternID:  p.ID,
			ActionType: string(p.ActionType),
			SessionID:  m.current.ID,
			Timestamp_: time.Now(),
		})
	}

	m.closeLocked()
	return p, nil
}

// Reject discards the reviewed script and closes the session.
func (m *Manager) Reject(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkActiveLocked(sessionID, StateReviewingScript); err != nil {
		return err
	}
	m.closeLocked()
	return nil
}

// checkActiveLocked validates that the named session is active and in
// the expected state.
func (m *Manager) checkActiveLocked(sessionID string, want State) error {
	if m.current == nil || m.current.ID != sessionID {
		return ErrNoSession
	}
	if m.state != want {
		return ErrInvalidTransition{From: m.state, To: want}
	}
	return nil
}

// closeLocked returns to idle and, if requests are waiting, opens the
// next session immediately.
func (m *Manager) closeLocked() {
	m.transitionLocked(StateIdle)
	m.current = nil

	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.openLocked(next)
	}
}

func (m *Manager) stopTimerLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) transitionLocked(to State) error {
	from := m.state
	if !CanTransition(from, to) {
		return ErrInvalidTransition{From: from, To: to}
	}
	m.state = to

	if m.bus != nil {
		sessionID := ""
		if m.current != nil {
			sessionID = m.current.ID
		}
		m.bus.Publish(&events.SessionStateChangedEvent{
			SessionID:  sessionID,
			FromState:  string(from),
			ToState:    string(to),
			Timestamp_: time.Now(),
		})
	}
	return nil
}

// Close stops timers and drops queued requests.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
	m.queue = nil
}
