// Package replaykit learns browser automation patterns from user
// demonstrations and replays them on matching requests.
//
// The Engine ties the pieces together: a pattern store, a similarity
// matcher, an execution coordinator, and a learning session manager.
// Hosts inject an ActionExecutor that performs the concrete UI action
// and feed incoming requests through HandleRequest:
//
//	eng, err := replaykit.New(cfg, executor, logger)
//	outcome, err := eng.HandleRequest(ctx, req, match.ModeManual)
package replaykit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/replaykit/replaykit/config"
	"github.com/replaykit/replaykit/events"
	"github.com/replaykit/replaykit/execute"
	"github.com/replaykit/replaykit/internal/metrics"
	"github.com/replaykit/replaykit/match"
	"github.com/replaykit/replaykit/pattern"
	"github.com/replaykit/replaykit/session"
	"github.com/replaykit/replaykit/store"
)

// ErrEngineClosed is returned by operations on a closed engine.
var ErrEngineClosed = errors.New("engine is closed")

// Outcome is the result of handling one request. Exactly one of the
// branches is populated, keyed by Kind:
//
//   - KindAutoExecute: Execution holds the run's result.
//   - KindPromptUser: Candidate holds the match to surface; the host
//     calls ExecuteCandidate if the user approves.
//   - KindNoMatch: Session holds the opened learning session, or
//     Queued is true when one was already active.
type Outcome struct {
	Kind      match.Kind       `json:"kind"`
	Execution *execute.Result  `json:"execution,omitempty"`
	Candidate *match.Candidate `json:"candidate,omitempty"`
	Session   *session.Session `json:"session,omitempty"`
	Queued    bool             `json:"queued,omitempty"`
}

// Engine is the top-level automation pattern engine.
type Engine struct {
	store       store.PatternStore
	matcher     *match.Matcher
	coordinator *execute.Coordinator
	sessions    *session.Manager
	bus         events.Bus

	collector *metrics.Collector
	logger    *zap.Logger

	mu        sync.Mutex
	closed    bool
	stopSweep chan struct{}
	sweepDone chan struct{}
}

// Option configures the engine created by New.
type Option func(*options)

type options struct {
	store     store.PatternStore
	bus       events.Bus
	collector *metrics.Collector
}

// WithStore injects a pre-built pattern store instead of constructing
// one from the configuration.
func WithStore(s store.PatternStore) Option {
	return func(o *options) { o.store = s }
}

// WithBus injects a pre-built event bus.
func WithBus(b events.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithMetrics attaches a metrics collector. Without it the engine
// records nothing.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// New creates an engine from configuration. The executor performs the
// concrete UI actions; the engine owns everything else, including the
// store lifecycle unless one is injected via WithStore.
func New(cfg *config.Config, executor execute.ActionExecutor, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if executor == nil {
		return nil, fmt.Errorf("nil action executor")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := o.store
	if s == nil {
		var err error
		s, err = store.New(cfg.StoreConfig())
		if err != nil {
			return nil, fmt.Errorf("create pattern store: %w", err)
		}
	}

	bus := o.bus
	if bus == nil {
		bus = events.NewBus(logger)
	}

	eng := &Engine{
		store:       s,
		matcher:     match.NewMatcher(s, cfg.Thresholds(), logger),
		coordinator: execute.NewCoordinator(s, executor, bus, cfg.ExecutionConfig(), logger),
		sessions:    session.NewManager(s, bus, cfg.SessionConfig(), logger),
		bus:         bus,
		collector:   o.collector,
		logger:      logger.With(zap.String("component", "engine")),
	}

	if eng.collector != nil {
		bus.Subscribe(events.TypeSessionStateChanged, func(e events.Event) {
			ev := e.(*events.SessionStateChangedEvent)
			eng.collector.RecordSessionTransition(ev.FromState, ev.ToState)
		})
		bus.Subscribe(events.TypePatternLearned, func(events.Event) {
			eng.collector.RecordPatternLearned()
		})
	}

	if cfg.Eviction.Enabled {
		eng.stopSweep = make(chan struct{})
		eng.sweepDone = make(chan struct{})
		go eng.sweepLoop(cfg.Eviction)
	}

	return eng, nil
}

// HandleRequest runs the full pipeline for one incoming request:
// match, then execute, prompt, or open a learning session.
func (e *Engine) HandleRequest(ctx context.Context, req *pattern.Request, mode match.Mode) (*Outcome, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}

	decision, err := e.matcher.Match(ctx, req, mode)
	if err != nil {
		return nil, err
	}

	bestScore := 0.0
	if decision.Best != nil {
		bestScore = decision.Best.Score
	}
	e.collector.RecordMatchDecision(string(req.ActionType), string(decision.Kind), bestScore)

	switch decision.Kind {
	case match.KindAutoExecute:
		result, err := e.coordinator.Execute(ctx, decision.Best.Pattern, req)
		if err != nil {
			return nil, err
		}
		e.collector.RecordExecution(string(req.ActionType), result.Success, result.Duration)
		return &Outcome{Kind: match.KindAutoExecute, Execution: result}, nil

	case match.KindPromptUser:
		return &Outcome{Kind: match.KindPromptUser, Candidate: decision.Best}, nil

	default:
		sess, err := e.sessions.Offer(req)
		if errors.Is(err, session.ErrSessionBusy) {
			return &Outcome{Kind: match.KindNoMatch, Queued: true}, nil
		}
		if err != nil {
			return nil, err
		}
		return &Outcome{Kind: match.KindNoMatch, Session: sess}, nil
	}
}

// ExecuteCandidate runs a previously prompted candidate after the user
// approved it.
func (e *Engine) ExecuteCandidate(ctx context.Context, candidate *match.Candidate, req *pattern.Request) (*execute.Result, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	if candidate == nil || candidate.Pattern == nil {
		return nil, store.ErrInvalidInput
	}
	result, err := e.coordinator.Execute(ctx, candidate.Pattern, req)
	if err != nil {
		return nil, err
	}
	e.collector.RecordExecution(string(req.ActionType), result.Success, result.Duration)
	return result, nil
}

// Sessions exposes the learning session manager for user decisions.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Store exposes the pattern store for direct administration.
func (e *Engine) Store() store.PatternStore { return e.store }

// Bus exposes the event bus for host subscriptions.
func (e *Engine) Bus() events.Bus { return e.bus }

// Stats returns store statistics and refreshes the store gauges.
func (e *Engine) Stats(ctx context.Context) (*store.Stats, error) {
	stats, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	e.collector.RecordStoreStats(stats.TotalPatterns, stats.AvgConfidence)
	return stats, nil
}

// ImportPatterns bulk-loads patterns from a JSON array, skipping and
// reporting malformed records.
func (e *Engine) ImportPatterns(ctx context.Context, data []byte) (*store.ImportReport, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	return store.ImportJSON(ctx, e.store, data)
}

// ExportPatterns serializes every stored pattern as a JSON array.
func (e *Engine) ExportPatterns(ctx context.Context) ([]byte, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	return store.ExportJSON(ctx, e.store)
}

// sweepLoop periodically deletes patterns that have proven dead: zero
// confidence with at least cfg.MinUsage recorded uses.
func (e *Engine) sweepLoop(cfg config.EvictionConfig) {
	defer close(e.sweepDone)

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweepOnce(cfg)
		case <-e.stopSweep:
			return
		}
	}
}

func (e *Engine) sweepOnce(cfg config.EvictionConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	patterns, err := e.store.All(ctx)
	if err != nil {
		e.logger.Warn("eviction sweep failed", zap.Error(err))
		return
	}

	for _, p := range patterns {
		if p.Confidence > 0 || p.UsageCount < cfg.MinUsage {
			continue
		}
		if err := e.store.Delete(ctx, p.ID); err != nil {
			e.logger.Warn("evict pattern failed", zap.String("pattern_id", p.ID), zap.Error(err))
			continue
		}
		e.logger.Info("evicted dead pattern",
			zap.String("pattern_id", p.ID),
			zap.Int64("usage_count", p.UsageCount))
		e.bus.Publish(&events.PatternDeletedEvent{
			PatternID:  p.ID,
			Reason:     "zero confidence eviction",
			Timestamp_: time.Now(),
		})
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close shuts the engine down: stops the sweep, closes sessions, stops
// the bus, and closes the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.stopSweep != nil {
		close(e.stopSweep)
		<-e.sweepDone
	}
	e.sessions.Close()
	e.bus.Stop()
	return e.store.Close()
}
