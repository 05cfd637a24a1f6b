package salience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/types"
)

func TestDedupe_MergesIdenticalKeys(t *testing.T) {
	t.Parallel()

	earlier := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Hour)

	facts := []types.Fact{
		{Subject: "user", Predicate: "likes", Value: "chocolate", Confidence: 0.6, Stability: 0.4, Support: 1, LastSeen: earlier, Evidence: "I like chocolate"},
		{Subject: "User", Predicate: "Likes", Value: "  Chocolate ", Confidence: 0.9, Stability: 0.2, Support: 1, LastSeen: later, Evidence: "chocolate is great"},
	}

	merged := Dedupe(facts)
	require.Len(t, merged, 1)

	f := merged[0]
	assert.Equal(t, 0.9, f.Confidence)
	assert.Equal(t, 0.4, f.Stability)
	assert.Equal(t, 2, f.Support)
	assert.Equal(t, later, f.LastSeen)
	assert.Equal(t, "chocolate is great", f.Evidence)
}

func TestDedupe_DistinctKeysSurvive(t *testing.T) {
	t.Parallel()

	facts := []types.Fact{
		{Subject: "user", Predicate: "likes", Value: "chocolate"},
		{Subject: "user", Predicate: "likes", Value: "vanilla"},
		{Subject: "user", Predicate: "dislikes", Value: "chocolate"},
	}
	assert.Len(t, Dedupe(facts), 3)
}

func TestDedupe_DefaultsMalformedFacts(t *testing.T) {
	t.Parallel()

	merged := Dedupe([]types.Fact{{Predicate: "timezone", Value: "UTC"}})
	require.Len(t, merged, 1)
	assert.Equal(t, "user", merged[0].Subject)
	assert.Equal(t, types.DefaultFactScore, merged[0].Confidence)
	assert.Equal(t, 1, merged[0].Support)
}

func TestCanonicalValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "chocolate cake", CanonicalValue("  Chocolate   Cake \n"))
	assert.Equal(t, "", CanonicalValue("   "))
}

func TestKeyOf(t *testing.T) {
	t.Parallel()

	a := KeyOf(types.Fact{Subject: "User", Predicate: "Deadline", Value: "Next  Friday"})
	b := KeyOf(types.Fact{Subject: "user", Predicate: "deadline", Value: "next friday"})
	assert.Equal(t, a, b)
}
