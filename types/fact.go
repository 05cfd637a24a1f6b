package types

import "time"

// Fact is a single deduplicated observation about the user or session
// context, extracted from conversation turns. Within one thread at most one
// Fact exists per identity key (canonicalized subject/predicate/value); the
// salience package owns canonicalization and merging.
type Fact struct {
	Subject    string    `json:"subject"`
	Predicate  string    `json:"predicate"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	Stability  float64   `json:"stability"`
	Support    int       `json:"support"`
	LastSeen   time.Time `json:"last_seen"`
	Evidence   string    `json:"evidence,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
}

// DefaultFactScore is substituted for missing confidence and stability
// values. Malformed facts are defaulted, never rejected.
const DefaultFactScore = 0.5

// Normalized returns a copy with missing fields defaulted: confidence and
// stability fall back to DefaultFactScore, support to 1, and an empty
// subject to "user".
func (f Fact) Normalized() Fact {
	if f.Subject == "" {
		f.Subject = "user"
	}
	if f.Confidence <= 0 {
		f.Confidence = DefaultFactScore
	}
	if f.Confidence > 1 {
		f.Confidence = 1
	}
	if f.Stability <= 0 {
		f.Stability = DefaultFactScore
	}
	if f.Stability > 1 {
		f.Stability = 1
	}
	if f.Support < 1 {
		f.Support = 1
	}
	return f
}

// Slots is the small nested per-thread context document (mode, task, step,
// preference lists, scratch fields). It is mutated only through recursive
// merge; values present in a patch replace non-map values wholesale.
type Slots = map[string]any

// DeepMergeSlots recursively merges patch into base and returns the result.
// For each key: if both sides hold nested documents they merge recursively,
// otherwise the patch value wins (including explicit nil). Neither input is
// mutated.
func DeepMergeSlots(base, patch Slots) Slots {
	out := make(Slots, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		pv, pok := v.(map[string]any)
		bv, bok := out[k].(map[string]any)
		if pok && bok {
			out[k] = DeepMergeSlots(bv, pv)
			continue
		}
		out[k] = v
	}
	return out
}
