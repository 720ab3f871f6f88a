// Package similarity computes the deterministic match score between an
// incoming automation request and a stored pattern.
package similarity

import (
	"sort"
	"strings"

	"github.com/replaykit/replaykit/pattern"
)

// Field score tiers, in order of precedence. HostnameMismatchPenalty
// multiplies the final payload score when the request and pattern were
// captured on different hosts; cross-origin reuse stays possible for
// staging/prod domain variants but is heavily discouraged.
const (
	ExactMatchScore         = 1.0
	CaseInsensitiveScore    = 0.9
	ContainsScore           = 0.6
	HostnameMismatchPenalty = 0.3
)

// Score returns a similarity in [0, 1] for a request against a
// pattern. It is a pure function: no side effects, same inputs always
// produce the same score. Action-type filtering is the matching
// engine's job; payloads of differing action types still score on
// their flattened fields.
func Score(req *pattern.Request, p *pattern.Pattern) float64 {
	var reqFields, patFields map[string]string
	if req.Payload != nil {
		reqFields = req.Payload.Fields()
	}
	if p.Payload != nil {
		patFields = p.Payload.Fields()
	}

	payloadScore := payloadSimilarity(reqFields, patFields)

	if !strings.EqualFold(req.Context.Hostname, p.Context.Hostname) {
		payloadScore *= HostnameMismatchPenalty
	}
	return payloadScore
}

// payloadSimilarity averages per-field scores over the union of keys.
// A key present on only one side contributes zero.
func payloadSimilarity(a, b map[string]string) float64 {
	keys := unionKeys(a, b)
	if len(keys) == 0 {
		return 0
	}

	var total float64
	for _, key := range keys {
		av, aok := a[key]
		bv, bok := b[key]
		if !aok || !bok {
			continue
		}
		total += fieldScore(av, bv)
	}
	return total / float64(len(keys))
}

// fieldScore compares two payload values on a fixed ladder: exact
// after trimming, case-insensitive, containment, then normalized edit
// distance.
func fieldScore(a, b string) float64 {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)

	if a == b {
		return ExactMatchScore
	}
	if strings.EqualFold(a, b) {
		return CaseInsensitiveScore
	}

	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != "" && lb != "" && (strings.Contains(la, lb) || strings.Contains(lb, la)) {
		return ContainsScore
	}

	maxLen := len([]rune(a))
	if n := len([]rune(b)); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 0
	}
	score := 1 - float64(levenshtein(a, b))/float64(maxLen)
	if score < 0 {
		return 0
	}
	return score
}

// unionKeys returns the sorted union of both key sets. Sorting keeps
// iteration order, and therefore scoring, deterministic.
func unionKeys(a, b map[string]string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// levenshtein computes edit distance over runes with a two-row DP.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
