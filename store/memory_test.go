package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/types"
)

// fakeClock is a settable clock for TTL tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemoryStore(clock *fakeClock) *MemoryStore {
	return NewMemoryStore(MemoryStoreConfig{
		TTL:         time.Hour,
		MaxMessages: 5,
		Now:         clock.Now,
	}, nil)
}

func TestMemoryAppend_Idempotent(t *testing.T) {
	t.Parallel()
	s := newTestMemoryStore(newFakeClock())
	ctx := context.Background()

	turn := types.NewUserTurn("I moved to Lisbon")

	n, err := s.Append(ctx, "t1", []types.Turn{turn})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Append(ctx, "t1", []types.Turn{turn})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	log, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestMemoryAppend_TrimKeepsNewestTail(t *testing.T) {
	t.Parallel()
	s := newTestMemoryStore(newFakeClock())
	ctx := context.Background()

	turns := make([]types.Turn, 8)
	for i := range turns {
		turns[i] = types.NewUserTurn(string(rune('a' + i)))
	}
	_, err := s.Append(ctx, "t1", turns)
	require.NoError(t, err)

	log, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, log, 5)
	assert.Equal(t, "d", log[0].Content)
	assert.Equal(t, "h", log[4].Content)
}

func TestMemoryTTL_ExpiryAndRefresh(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	s := newTestMemoryStore(clock)
	ctx := context.Background()

	_, err := s.Append(ctx, "t1", []types.Turn{types.NewUserTurn("first")})
	require.NoError(t, err)

	// A write inside the window pushes expiry out.
	clock.Advance(45 * time.Minute)
	_, err = s.Append(ctx, "t1", []types.Turn{types.NewUserTurn("second")})
	require.NoError(t, err)

	clock.Advance(45 * time.Minute)
	log, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, log, 2)

	// Then silence past the TTL drops the thread.
	clock.Advance(2 * time.Hour)
	log, err = s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, log)

	slots, err := s.GetSlots(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestMemoryMergeSlots_Recursive(t *testing.T) {
	t.Parallel()
	s := newTestMemoryStore(newFakeClock())
	ctx := context.Background()

	require.NoError(t, s.MergeSlots(ctx, "t1", types.Slots{
		"user": map[string]any{"name": "Ana"},
	}))
	require.NoError(t, s.MergeSlots(ctx, "t1", types.Slots{
		"user": map[string]any{"city": "Lisbon"},
	}))

	slots, err := s.GetSlots(ctx, "t1")
	require.NoError(t, err)
	user, ok := slots["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Ana", user["name"])
	assert.Equal(t, "Lisbon", user["city"])
}

func TestMemoryGetSlots_ReturnsCopy(t *testing.T) {
	t.Parallel()
	s := newTestMemoryStore(newFakeClock())
	ctx := context.Background()

	require.NoError(t, s.MergeSlots(ctx, "t1", types.Slots{"mode": "debug"}))

	slots, err := s.GetSlots(ctx, "t1")
	require.NoError(t, err)
	slots["mode"] = "mutated"

	again, err := s.GetSlots(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "debug", again["mode"])
}

func TestMemoryClear_RemovesThread(t *testing.T) {
	t.Parallel()
	s := newTestMemoryStore(newFakeClock())
	ctx := context.Background()

	turn := types.NewUserTurn("hello")
	_, err := s.Append(ctx, "t1", []types.Turn{turn})
	require.NoError(t, err)
	require.NoError(t, s.MergeSlots(ctx, "t1", types.Slots{"k": "v"}))

	require.NoError(t, s.Clear(ctx, "t1"))

	log, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, log)

	n, err := s.Append(ctx, "t1", []types.Turn{turn})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryArchiveSink(t *testing.T) {
	t.Parallel()
	s := newTestMemoryStore(newFakeClock())
	ctx := context.Background()

	var got []types.Turn
	s.SetArchiveSink(ArchiveSinkFunc(func(ctx context.Context, threadID string, turns []types.Turn) error {
		got = append(got, turns...)
		return errors.New("flaky sink")
	}))

	dup := types.NewUserTurn("only once")
	n, err := s.Append(ctx, "t1", []types.Turn{dup})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The duplicate never reaches the sink; the sink error never surfaces.
	n, err = s.Append(ctx, "t1", []types.Turn{dup})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, got, 1)
}

func TestMemoryClosed_RejectsOperations(t *testing.T) {
	t.Parallel()
	s := newTestMemoryStore(newFakeClock())
	require.NoError(t, s.Close())

	ctx := context.Background()
	_, err := s.Append(ctx, "t1", []types.Turn{types.NewUserTurn("x")})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Load(ctx, "t1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryConcurrentAppends_NoDuplicates(t *testing.T) {
	t.Parallel()
	s := newTestMemoryStore(newFakeClock())
	ctx := context.Background()

	turn := types.NewUserTurn("raced")
	var wg sync.WaitGroup
	total := make(chan int, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Append(ctx, "t1", []types.Turn{turn})
			assert.NoError(t, err)
			total <- n
		}()
	}
	wg.Wait()
	close(total)

	sum := 0
	for n := range total {
		sum += n
	}
	assert.Equal(t, 1, sum)

	log, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, log, 1)
}
