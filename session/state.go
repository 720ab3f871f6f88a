package session

import "fmt"

// State is a learning-session lifecycle state.
type State string

const (
	StateIdle                 State = "idle"                   // No session in progress
	StateAwaitingUserDecision State = "awaiting_user_decision" // Unmatched request surfaced to user
	StateRecording            State = "recording"              // User demonstration in progress
	StateReviewingScript      State = "reviewing_script"       // Recorded script awaiting approval
)

// validTransitions defines the legal state transitions.
var validTransitions = map[State][]State{
	StateIdle:                 {StateAwaitingUserDecision},
	StateAwaitingUserDecision: {StateRecording, StateIdle},       // approve or decline
	StateRecording:            {StateReviewingScript, StateIdle}, // complete, or timeout/cancel
	StateReviewingScript:      {StateIdle},                       // commit or reject
}

// CanTransition reports whether the transition is legal.
func CanTransition(from, to State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition reports an illegal state transition.
type ErrInvalidTransition struct {
	From State
	To   State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid session transition: %s -> %s", e.From, e.To)
}
