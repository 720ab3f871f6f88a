// Package match turns an incoming automation request into a decision:
// run a stored pattern, ask the user, or report no match. It never
// mutates the store; scoring and selection work on the store's current
// snapshot.
package match

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/replaykit/replaykit/pattern"
	"github.com/replaykit/replaykit/similarity"
	"github.com/replaykit/replaykit/store"
)

// Mode controls how eagerly mid-band matches are executed.
type Mode string

const (
	// ModeManual asks the user before running anything below the
	// auto-execute band.
	ModeManual Mode = "manual"
	// ModeAutomatic runs mid-band matches without asking when the
	// pattern has proven itself.
	ModeAutomatic Mode = "automatic"
)

// Valid reports whether the mode is a known value.
func (m Mode) Valid() bool {
	return m == ModeManual || m == ModeAutomatic
}

// Kind tags a decision variant.
type Kind string

const (
	KindAutoExecute Kind = "auto_execute"
	KindPromptUser  Kind = "prompt_user"
	KindNoMatch     Kind = "no_match"
)

// Candidate pairs a stored pattern with its similarity score for one
// matching attempt.
type Candidate struct {
	Pattern *pattern.Pattern `json:"pattern"`
	Score   float64          `json:"score"`
}

// Decision is the outcome of a matching attempt. Best is set for
// AutoExecute and PromptUser; a PromptUser decision with a nil Best
// never occurs (that case is NoMatch).
type Decision struct {
	Kind Kind
	Best *Candidate
}

// Thresholds are the tunable decision boundaries. They are
// configuration, not fixed law; DefaultThresholds gives the values the
// engine ships with.
type Thresholds struct {
	// AutoExecuteScore is the score at or above which a match runs
	// without asking, in any mode, provided the pattern carries at
	// least AutoExecuteConfidence.
	AutoExecuteScore      float64 `json:"auto_execute_score" yaml:"auto_execute_score"`
	AutoExecuteConfidence float64 `json:"auto_execute_confidence" yaml:"auto_execute_confidence"`

	// PromptScore is the score at or above which a match is worth
	// surfacing to the user at all. Below it the engine reports no
	// match.
	PromptScore float64 `json:"prompt_score" yaml:"prompt_score"`

	// AutomaticConfidence is the confidence a pattern needs for
	// mid-band auto-execution in ModeAutomatic.
	AutomaticConfidence float64 `json:"automatic_confidence" yaml:"automatic_confidence"`
}

// DefaultThresholds returns the default decision boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoExecuteScore:      0.85,
		AutoExecuteConfidence: 0.5,
		PromptScore:           0.5,
		AutomaticConfidence:   1.0,
	}
}

// Validate checks that the thresholds are internally consistent.
func (t Thresholds) Validate() error {
	if t.PromptScore < 0 || t.PromptScore > 1 {
		return fmt.Errorf("prompt_score %f outside [0, 1]", t.PromptScore)
	}
	if t.AutoExecuteScore < 0 || t.AutoExecuteScore > 1 {
		return fmt.Errorf("auto_execute_score %f outside [0, 1]", t.AutoExecuteScore)
	}
	if t.AutoExecuteScore < t.PromptScore {
		return fmt.Errorf("auto_execute_score %f below prompt_score %f", t.AutoExecuteScore, t.PromptScore)
	}
	return nil
}

// Matcher scores stored patterns against incoming requests and applies
// the decision policy.
type Matcher struct {
	store      store.PatternStore
	thresholds Thresholds
	logger     *zap.Logger
}

// NewMatcher creates a matcher over the given store.
func NewMatcher(s store.PatternStore, thresholds Thresholds, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		store:      s,
		thresholds: thresholds,
		logger:     logger.With(zap.String("component", "matcher")),
	}
}

// Match scores every stored pattern of the request's action type and
// returns the decision for the best candidate.
func (m *Matcher) Match(ctx context.Context, req *pattern.Request, mode Mode) (*Decision, error) {
	if req == nil {
		return nil, store.ErrInvalidInput
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid match mode: %q", mode)
	}

	candidates, err := m.store.FindByActionType(ctx, req.ActionType)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	best := selectBest(req, candidates)
	if best == nil {
		m.logger.Debug("no candidates",
			zap.String("action_type", string(req.ActionType)),
			zap.String("correlation_id", req.CorrelationID))
		return &Decision{Kind: KindNoMatch}, nil
	}

	decision := m.decide(best, mode)
	m.logger.Debug("match decision",
		zap.String("action_type", string(req.ActionType)),
		zap.String("correlation_id", req.CorrelationID),
		zap.String("pattern_id", best.Pattern.ID),
		zap.Float64("score", best.Score),
		zap.Float64("confidence", best.Pattern.Confidence),
		zap.String("kind", string(decision.Kind)))
	return decision, nil
}

// selectBest scores the candidates and picks the winner. Ties break on
// higher confidence, then on more recent last use.
func selectBest(req *pattern.Request, candidates []*pattern.Pattern) *Candidate {
	var best *Candidate
	for _, p := range candidates {
		score := similarity.Score(req, p)
		if score == 0 {
			continue
		}
		if best == nil || better(score, p, best) {
			best = &Candidate{Pattern: p, Score: score}
		}
	}
	return best
}

func better(score float64, p *pattern.Pattern, current *Candidate) bool {
	if score != current.Score {
		return score > current.Score
	}
	if p.Confidence != current.Pattern.Confidence {
		return p.Confidence > current.Pattern.Confidence
	}
	return p.LastUsedAt.After(current.Pattern.LastUsedAt)
}

// decide applies the threshold policy to the best candidate. A score
// in the auto-execute band with insufficient confidence falls through
// to the prompt path rather than running unattended.
func (m *Matcher) decide(best *Candidate, mode Mode) *Decision {
	t := m.thresholds
	switch {
	case best.Score < t.PromptScore:
		return &Decision{Kind: KindNoMatch}
	case best.Score >= t.AutoExecuteScore && best.Pattern.Confidence >= t.AutoExecuteConfidence:
		return &Decision{Kind: KindAutoExecute, Best: best}
	case mode == ModeAutomatic && best.Pattern.Confidence >= t.AutomaticConfidence:
		return &Decision{Kind: KindAutoExecute, Best: best}
	default:
		return &Decision{Kind: KindPromptUser, Best: best}
	}
}
