package salience

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"pgregory.net/rapid"

	"github.com/engramhq/engram/types"
)

func TestProperty_SelectTopKDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	predicates := []string{"goal", "deadline", "weather", "pet", "topic", "task"}

	properties.Property("identical inputs yield identical ordered output", prop.ForAll(
		func(seeds []int, k int) bool {
			history := historyOf(base, "a", "b", "c", "d")
			facts := make([]types.Fact, 0, len(seeds))
			for i, seed := range seeds {
				facts = append(facts, types.Fact{
					Subject:    "user",
					Predicate:  predicates[abs(seed)%len(predicates)],
					Value:      string(rune('a' + abs(seed+i)%26)),
					Confidence: float64(abs(seed)%100) / 100,
					Stability:  float64(abs(seed*3)%100) / 100,
					Support:    abs(seed) % 7,
					LastSeen:   base.Add(time.Duration(abs(seed)%240) * time.Minute),
				})
			}
			now := base.Add(4 * time.Hour)
			r := NewRanker(DefaultParams())

			first := r.SelectTopK(history, facts, k, now, []string{"pet"})
			second := r.SelectTopK(history, facts, k, now, []string{"pet"})

			if len(first) != len(second) {
				return false
			}
			for i := range first {
				if !factsEqual(first[i], second[i]) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(-1000, 1000)),
		gen.IntRange(1, 12),
	))

	properties.Property("output never exceeds k or one fact per slot", prop.ForAll(
		func(n int, k int) bool {
			facts := make([]types.Fact, 0, n)
			for i := 0; i < n; i++ {
				facts = append(facts, types.Fact{
					Subject:   "user",
					Predicate: predicates[i%len(predicates)],
					Value:     string(rune('a' + i%5)),
					LastSeen:  base.Add(time.Duration(i) * time.Minute),
				})
			}
			got := NewRanker(DefaultParams()).SelectTopK(nil, facts, k, base.Add(time.Hour), nil)
			if len(got) > k {
				return false
			}
			slots := make(map[SlotKey]bool)
			for _, f := range got {
				slot := SlotOf(f)
				if slots[slot] {
					return false
				}
				slots[slot] = true
			}
			return true
		},
		gen.IntRange(0, 40),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func TestProperty_DedupeIdempotent(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	subjects := []string{"user", "session"}
	predicates := []string{"likes", "goal", "weather"}
	values := []string{"chess", "Chess", "  chess ", "tea", "rain"}

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(t, "n")
		facts := make([]types.Fact, 0, n)
		for i := 0; i < n; i++ {
			facts = append(facts, types.Fact{
				Subject:    rapid.SampledFrom(subjects).Draw(t, "subject"),
				Predicate:  rapid.SampledFrom(predicates).Draw(t, "predicate"),
				Value:      rapid.SampledFrom(values).Draw(t, "value"),
				Confidence: rapid.Float64Range(0, 1).Draw(t, "confidence"),
				Stability:  rapid.Float64Range(0, 1).Draw(t, "stability"),
				Support:    rapid.IntRange(0, 4).Draw(t, "support"),
				LastSeen:   base.Add(time.Duration(rapid.IntRange(0, 1000).Draw(t, "seen")) * time.Second),
			})
		}

		once := Dedupe(facts)
		twice := Dedupe(once)

		if len(once) != len(twice) {
			t.Fatalf("dedupe not idempotent: %d then %d facts", len(once), len(twice))
		}
		for i := range once {
			if !factsEqual(once[i], twice[i]) {
				t.Fatalf("fact %d changed on second dedupe: %+v vs %+v", i, once[i], twice[i])
			}
		}

		// No two outputs share an identity key.
		keys := make(map[FactKey]bool, len(once))
		for _, f := range once {
			k := KeyOf(f)
			if keys[k] {
				t.Fatalf("duplicate key in dedupe output: %+v", k)
			}
			keys[k] = true
		}
	})
}

func factsEqual(a, b types.Fact) bool {
	return a.Subject == b.Subject && a.Predicate == b.Predicate &&
		a.Value == b.Value && a.Confidence == b.Confidence &&
		a.Stability == b.Stability && a.Support == b.Support &&
		a.LastSeen.Equal(b.LastSeen)
}
