package similarity

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/replaykit/replaykit/pattern"
)

// drawPayload generates a fill-text payload with random extra fields.
func drawPayload(rt *rapid.T, label string) pattern.Payload {
	value := rapid.StringMatching(`[ -~]{0,24}`).Draw(rt, label+"_value")
	extraCount := rapid.IntRange(0, 4).Draw(rt, label+"_extraCount")
	extra := make(map[string]string, extraCount)
	for i := 0; i < extraCount; i++ {
		key := rapid.StringMatching(`[a-z]{1,8}`).Draw(rt, label+"_key")
		extra[key] = rapid.StringMatching(`[ -~]{0,16}`).Draw(rt, label+"_extraValue")
	}
	return pattern.FillTextPayload{Value: value, Extra: extra}
}

func TestProperty_ScoreWithinUnitInterval(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		req := &pattern.Request{
			ActionType: pattern.ActionFillText,
			Payload:    drawPayload(rt, "req"),
			Context:    pattern.PageContext{Hostname: rapid.StringMatching(`[a-z]{1,10}\.com`).Draw(rt, "reqHost")},
		}
		p := &pattern.Pattern{
			ID:         "pat",
			ActionType: pattern.ActionFillText,
			Payload:    drawPayload(rt, "pat"),
			Context:    pattern.PageContext{Hostname: rapid.StringMatching(`[a-z]{1,10}\.com`).Draw(rt, "patHost")},
		}

		score := Score(req, p)
		if score < 0 || score > 1 {
			rt.Fatalf("score %f outside [0, 1]", score)
		}
	})
}

func TestProperty_ScoreDeterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		req := &pattern.Request{
			ActionType: pattern.ActionFillText,
			Payload:    drawPayload(rt, "req"),
			Context:    pattern.PageContext{Hostname: "example.com"},
		}
		p := &pattern.Pattern{
			ID:         "pat",
			ActionType: pattern.ActionFillText,
			Payload:    drawPayload(rt, "pat"),
			Context:    pattern.PageContext{Hostname: "example.com"},
		}

		first := Score(req, p)
		for i := 0; i < 10; i++ {
			if got := Score(req, p); got != first {
				rt.Fatalf("score not deterministic: %f != %f", got, first)
			}
		}
	})
}

func TestProperty_IdenticalPayloadSameHostScoresOne(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		value := rapid.StringMatching(`[!-~]{1,24}`).Draw(rt, "value")
		payload := pattern.FillTextPayload{Value: value}

		req := &pattern.Request{
			ActionType: pattern.ActionFillText,
			Payload:    payload,
			Context:    pattern.PageContext{Hostname: "example.com"},
		}
		p := &pattern.Pattern{
			ID:         "pat",
			ActionType: pattern.ActionFillText,
			Payload:    payload,
			Context:    pattern.PageContext{Hostname: "example.com"},
		}

		if got := Score(req, p); got != 1.0 {
			rt.Fatalf("identical payload score = %f, want 1.0", got)
		}
	})
}
