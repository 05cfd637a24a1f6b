package salience

import (
	"math"
	"sort"
	"time"

	"github.com/engramhq/engram/types"
)

// Score weights. Recency dominates, then corroboration and confidence;
// the small terms break near-ties in favor of critical or requested slots.
const (
	weightRecency   = 0.32
	weightSupport   = 0.23
	weightConf      = 0.23
	weightStability = 0.10
	weightCritical  = 0.08
	weightRequested = 0.04
	weightInWindow  = 0.04
)

// criticalPredicates are predicates whose facts stay salient regardless of
// chatter: goals, identities, constraints, and contact coordinates.
var criticalPredicates = map[string]struct{}{
	"goal": {}, "deadline": {}, "due_date": {}, "decision": {},
	"project": {}, "task": {}, "repo": {}, "environment": {},
	"api_key": {}, "customer": {}, "priority": {}, "style": {},
	"persona": {}, "constraint": {}, "email": {}, "phone": {},
	"timezone": {},
}

// Params configures the ranker.
type Params struct {
	// RecentWindowTurns is how many trailing turns count as "recent".
	RecentWindowTurns int
	// TurnHalfLife is the recency half-life, in turns, inside the window.
	TurnHalfLife float64
	// DayHalfLife is the recency half-life, in days, outside the window.
	DayHalfLife float64
	// MaxSupport saturates the normalized support term.
	MaxSupport int
}

// DefaultParams returns the design defaults: 8-turn window, 6-turn and
// 14-day half-lives, support saturating at 5.
func DefaultParams() Params {
	return Params{
		RecentWindowTurns: 8,
		TurnHalfLife:      6,
		DayHalfLife:       14,
		MaxSupport:        5,
	}
}

// Ranker scores deduplicated facts against a thread's turn history.
type Ranker struct {
	params Params
}

// NewRanker creates a ranker. Zero-valued params fall back to defaults.
func NewRanker(params Params) *Ranker {
	def := DefaultParams()
	if params.RecentWindowTurns <= 0 {
		params.RecentWindowTurns = def.RecentWindowTurns
	}
	if params.TurnHalfLife <= 0 {
		params.TurnHalfLife = def.TurnHalfLife
	}
	if params.DayHalfLife <= 0 {
		params.DayHalfLife = def.DayHalfLife
	}
	if params.MaxSupport <= 0 {
		params.MaxSupport = def.MaxSupport
	}
	return &Ranker{params: params}
}

// turnIndex maps last-seen timestamps to absolute turn positions. The
// first turn carrying a timestamp wins; turns without timestamps index by
// their sequential position.
func turnIndex(history []types.Turn) map[int64]int {
	index := make(map[int64]int, len(history))
	for i, turn := range history {
		if turn.Timestamp.IsZero() {
			continue
		}
		ts := turn.Timestamp.UnixNano()
		if _, ok := index[ts]; !ok {
			index[ts] = i
		}
	}
	return index
}

type scoredFact struct {
	fact  types.Fact
	key   FactKey
	score float64
}

// SelectTopK deduplicates facts, scores them against the history, keeps
// the best fact per (subject, predicate) slot, and returns at most k facts
// ordered by descending score. requestedSlots names predicates the current
// intent is asking about; matching facts get a small boost. Deterministic
// for identical inputs and now.
func (r *Ranker) SelectTopK(history []types.Turn, facts []types.Fact, k int, now time.Time, requestedSlots []string) []types.Fact {
	if k <= 0 || len(facts) == 0 {
		return []types.Fact{}
	}

	deduped := Dedupe(facts)
	index := turnIndex(history)
	lastTurn := len(history) - 1
	windowStart := lastTurn - r.params.RecentWindowTurns + 1

	requested := make(map[string]struct{}, len(requestedSlots))
	for _, slot := range requestedSlots {
		requested[CanonicalValue(slot)] = struct{}{}
	}

	scored := make([]scoredFact, 0, len(deduped))
	for _, f := range deduped {
		key := KeyOf(f)

		turnOf := -1
		if !f.LastSeen.IsZero() {
			if pos, ok := index[f.LastSeen.UnixNano()]; ok {
				turnOf = pos
			}
		}

		inWindow := lastTurn >= 0 && turnOf >= 0 && turnOf >= windowStart
		var recency float64
		switch {
		case inWindow:
			dist := float64(lastTurn - turnOf)
			recency = math.Exp(-math.Ln2 * dist / r.params.TurnHalfLife)
		case f.LastSeen.IsZero():
			// Unknown recency is neutral, never fresh: an undated fact must
			// not outrank one actually seen moments ago.
			recency = 0.5
		default:
			days := 0.0
			if now.After(f.LastSeen) {
				days = now.Sub(f.LastSeen).Hours() / 24
			}
			recency = math.Exp(-math.Ln2 * days / r.params.DayHalfLife)
		}

		support := f.Support
		if support > r.params.MaxSupport {
			support = r.params.MaxSupport
		}
		normSupport := float64(support) / float64(r.params.MaxSupport)

		critical := 0.0
		if _, ok := criticalPredicates[key.Predicate]; ok {
			critical = 1.0
		}
		needsRequested := 0.0
		if _, ok := requested[key.Predicate]; ok {
			needsRequested = 1.0
		}
		windowBonus := 0.0
		if inWindow {
			windowBonus = 1.0
		}

		score := weightRecency*recency +
			weightSupport*normSupport +
			weightConf*f.Confidence +
			weightStability*f.Stability +
			weightCritical*critical +
			weightRequested*needsRequested +
			weightInWindow*windowBonus

		scored = append(scored, scoredFact{fact: f, key: key, score: score})
	}

	// At most one surviving fact per (subject, predicate) slot.
	bySlot := make(map[SlotKey]scoredFact, len(scored))
	slotOrder := make([]SlotKey, 0, len(scored))
	for _, sf := range scored {
		slot := SlotKey{Subject: sf.key.Subject, Predicate: sf.key.Predicate}
		cur, ok := bySlot[slot]
		if !ok {
			bySlot[slot] = sf
			slotOrder = append(slotOrder, slot)
			continue
		}
		if less(cur, sf) {
			bySlot[slot] = sf
		}
	}

	survivors := make([]scoredFact, 0, len(slotOrder))
	for _, slot := range slotOrder {
		survivors = append(survivors, bySlot[slot])
	}

	sort.Slice(survivors, func(i, j int) bool {
		return less(survivors[j], survivors[i])
	})

	if k > len(survivors) {
		k = len(survivors)
	}
	out := make([]types.Fact, k)
	for i := 0; i < k; i++ {
		out[i] = survivors[i].fact
	}
	return out
}

// less reports whether a ranks strictly below b: by score, then last-seen
// recency, then identity key as the final deterministic tiebreak.
func less(a, b scoredFact) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	if !a.fact.LastSeen.Equal(b.fact.LastSeen) {
		return a.fact.LastSeen.Before(b.fact.LastSeen)
	}
	if a.key.Subject != b.key.Subject {
		return a.key.Subject > b.key.Subject
	}
	if a.key.Predicate != b.key.Predicate {
		return a.key.Predicate > b.key.Predicate
	}
	return a.key.Value > b.key.Value
}
