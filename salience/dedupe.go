// Package salience deduplicates extracted facts and ranks them by a
// weighted relevance score over recency, support, confidence, stability,
// and topical criticality. All functions are pure and deterministic:
// identical inputs always produce identical outputs.
package salience

import (
	"strings"

	"github.com/engramhq/engram/types"
)

// FactKey is the canonical identity of a fact. Within one thread at most
// one stored fact exists per key.
type FactKey struct {
	Subject   string
	Predicate string
	Value     string
}

// CanonicalValue collapses whitespace and case-folds, so "Chocolate  Cake"
// and "chocolate cake" share an identity.
func CanonicalValue(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}

// KeyOf computes the identity key of a fact. An empty subject defaults
// to "user".
func KeyOf(f types.Fact) FactKey {
	subject := strings.ToLower(strings.TrimSpace(f.Subject))
	if subject == "" {
		subject = "user"
	}
	return FactKey{
		Subject:   subject,
		Predicate: strings.ToLower(strings.TrimSpace(f.Predicate)),
		Value:     CanonicalValue(f.Value),
	}
}

// SlotKey identifies the (subject, predicate) ranking slot of a fact; the
// ranker keeps at most one surviving fact per slot.
type SlotKey struct {
	Subject   string
	Predicate string
}

// SlotOf computes the ranking slot of a fact.
func SlotOf(f types.Fact) SlotKey {
	k := KeyOf(f)
	return SlotKey{Subject: k.Subject, Predicate: k.Predicate}
}

// Dedupe merges repeated observations of the same identity key into one
// fact per key: support accumulates, confidence and stability take the
// maximum, last-seen takes the latest. Inputs are normalized first, so
// malformed facts are defaulted rather than dropped. The operation is
// idempotent: Dedupe(Dedupe(a)) == Dedupe(a). Output order follows the
// first occurrence of each key in the input.
func Dedupe(facts []types.Fact) []types.Fact {
	merged := make(map[FactKey]int, len(facts))
	out := make([]types.Fact, 0, len(facts))

	for _, raw := range facts {
		f := raw.Normalized()
		key := KeyOf(f)

		idx, seen := merged[key]
		if !seen {
			merged[key] = len(out)
			out = append(out, f)
			continue
		}

		m := out[idx]
		m.Support += f.Support
		if f.Confidence > m.Confidence {
			m.Confidence = f.Confidence
		}
		if f.Stability > m.Stability {
			m.Stability = f.Stability
		}
		if f.LastSeen.After(m.LastSeen) {
			m.LastSeen = f.LastSeen
			m.Evidence = f.Evidence
		}
		out[idx] = m
	}
	return out
}
