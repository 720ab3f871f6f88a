package pattern

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionType is the enumerated category of a browser automation action.
type ActionType string

const (
	ActionSelectElement ActionType = "select-element"
	ActionFillText      ActionType = "fill-text"
	ActionClickElement  ActionType = "click-element"
	ActionSelectOption  ActionType = "select-option"
)

// KnownActionTypes lists every action type the engine understands.
var KnownActionTypes = []ActionType{
	ActionSelectElement,
	ActionFillText,
	ActionClickElement,
	ActionSelectOption,
}

// Valid reports whether the action type is one the engine understands.
func (a ActionType) Valid() bool {
	for _, known := range KnownActionTypes {
		if a == known {
			return true
		}
	}
	return false
}

// PageContext is a snapshot of the environment a pattern was learned
// in, used to scope matching to similar pages.
type PageContext struct {
	Hostname    string `json:"hostname"`
	Path        string `json:"path,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// FailureRecord is one entry in a pattern's failure history.
type FailureRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// Pattern is a learned automation recipe. It is owned exclusively by
// the pattern store; callers receive copies and mutate only through
// store operations.
type Pattern struct {
	ID             string
	ActionType     ActionType
	Payload        Payload
	TargetSelector string
	Context        PageContext
	Confidence     float64
	UsageCount     int64
	SuccessCount   int64
	FailureHistory []FailureRecord
	CreatedAt      time.Time
	LastUsedAt     time.Time
}

// SeedConfidence is the confidence assigned to a freshly learned
// pattern.
const SeedConfidence = 1.0

// New creates a pattern with a generated ID and seed confidence.
func New(payload Payload, targetSelector string, pageCtx PageContext) *Pattern {
	now := time.Now()
	return &Pattern{
		ID:             uuid.New().String(),
		ActionType:     payload.ActionType(),
		Payload:        payload,
		TargetSelector: targetSelector,
		Context:        pageCtx,
		Confidence:     SeedConfidence,
		CreatedAt:      now,
		LastUsedAt:     now,
	}
}

// Clone returns a deep copy. Stores hand out clones so concurrent
// readers never observe in-place mutation.
func (p *Pattern) Clone() *Pattern {
	cp := *p
	if p.FailureHistory != nil {
		cp.FailureHistory = append([]FailureRecord(nil), p.FailureHistory...)
	}
	return &cp
}

// Validate checks the fields required of an imported pattern record.
func (p *Pattern) Validate() error {
	if p.ID == "" {
		return &ValidationError{Field: "id", Reason: "missing"}
	}
	if !p.ActionType.Valid() {
		return &ValidationError{Field: "actionType", Reason: fmt.Sprintf("unknown action type %q", p.ActionType)}
	}
	if p.Payload == nil {
		return &ValidationError{Field: "payload", Reason: "missing"}
	}
	if p.TargetSelector == "" {
		return &ValidationError{Field: "targetSelector", Reason: "missing"}
	}
	if p.SuccessCount > p.UsageCount {
		return &ValidationError{Field: "successCount", Reason: "exceeds usageCount"}
	}
	return nil
}

// ValidationError describes a malformed pattern record, typically
// encountered during bulk import.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid pattern: field %s: %s", e.Field, e.Reason)
}

// patternJSON is the wire representation of a pattern. The payload is
// a flat JSON object keyed by parameter name.
type patternJSON struct {
	ID             string          `json:"id"`
	ActionType     ActionType      `json:"actionType"`
	Payload        json.RawMessage `json:"payload"`
	TargetSelector string          `json:"targetSelector"`
	Context        PageContext     `json:"context"`
	Confidence     float64         `json:"confidence"`
	UsageCount     int64           `json:"usageCount"`
	SuccessCount   int64           `json:"successCount"`
	FailureHistory []FailureRecord `json:"failureHistory,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastUsedAt     time.Time       `json:"lastUsedAt"`
}

// MarshalJSON encodes the pattern in the export wire format.
func (p *Pattern) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage
	if p.Payload != nil {
		data, err := json.Marshal(p.Payload.Fields())
		if err != nil {
			return nil, err
		}
		payload = data
	}
	return json.Marshal(patternJSON{
		ID:             p.ID,
		ActionType:     p.ActionType,
		Payload:        payload,
		TargetSelector: p.TargetSelector,
		Context:        p.Context,
		Confidence:     p.Confidence,
		UsageCount:     p.UsageCount,
		SuccessCount:   p.SuccessCount,
		FailureHistory: p.FailureHistory,
		CreatedAt:      p.CreatedAt,
		LastUsedAt:     p.LastUsedAt,
	})
}

// UnmarshalJSON decodes a pattern from the import wire format. The
// payload variant is selected by actionType.
func (p *Pattern) UnmarshalJSON(data []byte) error {
	var raw patternJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.ID = raw.ID
	p.ActionType = raw.ActionType
	p.TargetSelector = raw.TargetSelector
	p.Context = raw.Context
	p.Confidence = raw.Confidence
	p.UsageCount = raw.UsageCount
	p.SuccessCount = raw.SuccessCount
	p.FailureHistory = raw.FailureHistory
	p.CreatedAt = raw.CreatedAt
	p.LastUsedAt = raw.LastUsedAt

	if len(raw.Payload) > 0 {
		var fields map[string]string
		if err := json.Unmarshal(raw.Payload, &fields); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		payload, err := DecodePayload(raw.ActionType, fields)
		if err != nil {
			return err
		}
		p.Payload = payload
	}
	return nil
}

// Request is a transient incoming automation request. It is
// structurally the matchable subset of a pattern, scoped to a single
// call, and is never persisted.
type Request struct {
	ActionType    ActionType  `json:"actionType"`
	Payload       Payload     `json:"-"`
	Context       PageContext `json:"context"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

// requestJSON mirrors Request with a raw payload for wire decoding.
type requestJSON struct {
	ActionType    ActionType        `json:"actionType"`
	Payload       map[string]string `json:"payload"`
	Context       PageContext       `json:"context"`
	CorrelationID string            `json:"correlationId,omitempty"`
}

// MarshalJSON encodes the request with its payload as a flat object.
func (r *Request) MarshalJSON() ([]byte, error) {
	raw := requestJSON{
		ActionType:    r.ActionType,
		Context:       r.Context,
		CorrelationID: r.CorrelationID,
	}
	if r.Payload != nil {
		raw.Payload = r.Payload.Fields()
	}
	return json.Marshal(raw)
}

// UnmarshalJSON decodes the request, selecting the payload variant by
// actionType.
func (r *Request) UnmarshalJSON(data []byte) error {
	var raw requestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.ActionType = raw.ActionType
	r.Context = raw.Context
	r.CorrelationID = raw.CorrelationID
	if raw.Payload != nil {
		payload, err := DecodePayload(raw.ActionType, raw.Payload)
		if err != nil {
			return err
		}
		r.Payload = payload
	}
	return nil
}
