// Package execute runs matched patterns through the injected action
// executor and feeds the outcome back into the pattern store. Failure
// is routine data here, not exceptional control flow: a failed action
// comes back as a result carrying the reason, and the error return is
// reserved for engine faults (store unavailable, rate limit, bad
// input).
package execute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/replaykit/replaykit/events"
	"github.com/replaykit/replaykit/pattern"
	"github.com/replaykit/replaykit/store"
)

// ErrRateLimited is returned when the execution rate limit rejects a
// run before the executor is invoked. The pattern is not touched.
var ErrRateLimited = errors.New("execution rate limit exceeded")

// outcomeTimeout bounds the confidence update that follows an
// execution. The update runs detached from the caller's context: a
// cancelled or expired execution still counts as a failure, so its
// bookkeeping must not be cancelled along with it.
const outcomeTimeout = 10 * time.Second

// ActionExecutor performs the concrete UI action. Implementations live
// at the host boundary (a browser extension bridge in production, a
// fake in tests).
type ActionExecutor interface {
	// Perform carries out one action against the live page. A nil
	// return means the action visibly succeeded; any error is treated
	// as an execution failure, including context deadline expiry.
	Perform(ctx context.Context, actionType pattern.ActionType, targetSelector string, payload map[string]string) error
}

// Config tunes the coordinator.
type Config struct {
	// DefaultTimeout bounds a single executor call when the caller's
	// context carries no deadline of its own.
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`

	// SuccessDelta and FailureDelta are the confidence adjustments
	// applied per outcome. FailureDelta is negative.
	SuccessDelta float64 `json:"success_delta" yaml:"success_delta"`
	FailureDelta float64 `json:"failure_delta" yaml:"failure_delta"`

	// RatePerSecond and RateBurst bound how fast patterns may run.
	// Zero disables rate limiting.
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second"`
	RateBurst     int     `json:"rate_burst" yaml:"rate_burst"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 10 * time.Second,
		SuccessDelta:   0.05,
		FailureDelta:   -0.2,
		RatePerSecond:  5,
		RateBurst:      10,
	}
}

// Result reports one execution. Success is false when the executor
// returned an error or timed out; Reason carries the cause. Pattern is
// the post-update snapshot.
type Result struct {
	Success       bool             `json:"success"`
	PatternID     string           `json:"patternId"`
	CorrelationID string           `json:"correlationId,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Duration      time.Duration    `json:"-"`
	Pattern       *pattern.Pattern `json:"-"`
}

// Coordinator drives pattern executions and the learning feedback
// loop. It applies no retries; callers decide whether to re-match or
// re-run after a failure.
type Coordinator struct {
	store    store.PatternStore
	executor ActionExecutor
	bus      events.Bus
	limiter  *rate.Limiter
	config   Config
	logger   *zap.Logger
}

// NewCoordinator creates an execution coordinator. The bus is optional;
// a nil bus disables event publication.
func NewCoordinator(s store.PatternStore, executor ActionExecutor, bus events.Bus, config Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if config.RatePerSecond > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}
	return &Coordinator{
		store:    s,
		executor: executor,
		bus:      bus,
		limiter:  limiter,
		config:   config,
		logger:   logger.With(zap.String("component", "coordinator")),
	}
}

// Execute runs one pattern for one request and records the outcome.
func (c *Coordinator) Execute(ctx context.Context, p *pattern.Pattern, req *pattern.Request) (*Result, error) {
	if p == nil || req == nil {
		return nil, store.ErrInvalidInput
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return nil, ErrRateLimited
	}

	var payload map[string]string
	if p.Payload != nil {
		payload = p.Payload.Fields()
	}

	execCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.config.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, c.config.DefaultTimeout)
		defer cancel()
	}

	start := time.Now()
	execErr := c.executor.Perform(execCtx, p.ActionType, p.TargetSelector, payload)
	duration := time.Since(start)

	if execErr != nil {
		return c.recordFailure(ctx, p, req, execErr, duration)
	}
	return c.recordSuccess(ctx, p, req, duration)
}

func (c *Coordinator) recordSuccess(ctx context.Context, p *pattern.Pattern, req *pattern.Request, duration time.Duration) (*Result, error) {
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer cancel()

	updated, err := c.store.UpdateConfidence(updateCtx, p.ID, c.config.SuccessDelta, store.OutcomeSuccess, "")
	if err != nil {
		return nil, fmt.Errorf("record success for %s: %w", p.ID, err)
	}

	c.logger.Info("pattern executed",
		zap.String("pattern_id", p.ID),
		zap.String("action_type", string(p.ActionType)),
		zap.String("correlation_id", req.CorrelationID),
		zap.Float64("confidence", updated.Confidence),
		zap.Duration("duration", duration))

	if c.bus != nil {
		c.bus.Publish(&events.PatternExecutedEvent{
			PatternID:     p.ID,
			ActionType:    string(p.ActionType),
			CorrelationID: req.CorrelationID,
			Confidence:    updated.Confidence,
			DurationMs:    duration.Milliseconds(),
			Timestamp_:    time.Now(),
		})
	}

	return &Result{
		Success:       true,
		PatternID:     p.ID,
		CorrelationID: req.CorrelationID,
		Duration:      duration,
		Pattern:       updated,
	}, nil
}

func (c *Coordinator) recordFailure(ctx context.Context, p *pattern.Pattern, req *pattern.Request, execErr error, duration time.Duration) (*Result, error) {
	reason := execErr.Error()
	if errors.Is(execErr, context.DeadlineExceeded) {
		reason = "execution timed out"
	}

	// ctx may already be cancelled or past its deadline here; the
	// penalty must land regardless.
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer cancel()

	updated, err := c.store.UpdateConfidence(updateCtx, p.ID, c.config.FailureDelta, store.OutcomeFailure, reason)
	if err != nil {
		return nil, fmt.Errorf("record failure for %s: %w", p.ID, err)
	}

	c.logger.Warn("pattern execution failed",
		zap.String("pattern_id", p.ID),
		zap.String("action_type", string(p.ActionType)),
		zap.String("correlation_id", req.CorrelationID),
		zap.String("reason", reason),
		zap.Float64("confidence", updated.Confidence),
		zap.Duration("duration", duration))

	if c.bus != nil {
		c.bus.Publish(&events.PatternExecutionFailedEvent{
			PatternID:     p.ID,
			ActionType:    string(p.ActionType),
			CorrelationID: req.CorrelationID,
			Reason:        reason,
			Confidence:    updated.Confidence,
			Timestamp_:    time.Now(),
		})
	}

	return &Result{
		Success:       false,
		PatternID:     p.ID,
		CorrelationID: req.CorrelationID,
		Reason:        reason,
		Duration:      duration,
		Pattern:       updated,
	}, nil
}
