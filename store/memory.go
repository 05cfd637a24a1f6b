package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/engramhq/engram/types"
)

// MemoryStoreConfig configures the in-memory store.
type MemoryStoreConfig struct {
	// TTL applied to each thread's state; refreshed on every write.
	// 0 means no expiry.
	TTL time.Duration

	// MaxMessages caps each thread's log; the tail is kept. 0 means
	// unlimited.
	MaxMessages int

	// Now is used for testing. Defaults to time.Now.
	Now func() time.Time
}

type memoryThread struct {
	log       []types.Turn
	seen      map[string]struct{}
	slots     types.Slots
	expiresAt time.Time
}

// MemoryStore is an in-process Store implementation with TTL support. It is
// intended for local development, tests, and small embedded deployments.
// The whole append unit runs under one lock, which trivially satisfies the
// atomicity contract.
type MemoryStore struct {
	mu      sync.Mutex
	threads map[string]*memoryThread

	ttl       time.Duration
	maxMsgs   int
	sink      ArchiveSink
	slotLocks *keyedMutex
	now       func() time.Time
	logger    *zap.Logger
	closed    bool
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(cfg MemoryStoreConfig, logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		threads:   make(map[string]*memoryThread),
		ttl:       cfg.TTL,
		maxMsgs:   cfg.MaxMessages,
		slotLocks: newKeyedMutex(),
		now:       now,
		logger:    logger.With(zap.String("component", "store_memory")),
	}
}

// SetArchiveSink attaches an archive sink. Must be called before use.
func (s *MemoryStore) SetArchiveSink(sink ArchiveSink) {
	s.sink = sink
}

// thread returns live state for threadID, dropping it first if expired.
// Caller holds s.mu.
func (s *MemoryStore) thread(threadID string, create bool) *memoryThread {
	th, ok := s.threads[threadID]
	if ok && !th.expiresAt.IsZero() && s.now().After(th.expiresAt) {
		delete(s.threads, threadID)
		ok = false
	}
	if !ok {
		if !create {
			return nil
		}
		th = &memoryThread{seen: make(map[string]struct{})}
		s.threads[threadID] = th
	}
	return th
}

func (s *MemoryStore) refresh(th *memoryThread) {
	if s.ttl > 0 {
		th.expiresAt = s.now().Add(s.ttl)
	}
}

// Append implements Store.Append.
func (s *MemoryStore) Append(ctx context.Context, threadID string, turns []types.Turn) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(turns) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}

	th := s.thread(threadID, true)
	appended := 0
	batch := make([]types.Turn, 0, len(turns))
	for _, turn := range turns {
		if turn.Timestamp.IsZero() {
			turn.Timestamp = s.now()
		}
		if turn.ID == "" {
			turn.ID = types.ComputeTurnID(turn)
		}
		if _, dup := th.seen[turn.ID]; dup {
			continue
		}
		th.seen[turn.ID] = struct{}{}
		th.log = append(th.log, turn)
		appended++
		batch = append(batch, turn)
	}
	if s.maxMsgs > 0 && len(th.log) > s.maxMsgs {
		th.log = append([]types.Turn(nil), th.log[len(th.log)-s.maxMsgs:]...)
	}
	if appended > 0 {
		s.refresh(th)
	}
	sink := s.sink
	s.mu.Unlock()

	if appended > 0 && sink != nil {
		if err := sink.Notify(ctx, threadID, batch); err != nil {
			s.logger.Warn("archive sink failed",
				zap.String("thread_id", threadID), zap.Error(err))
		}
	}
	return appended, nil
}

// Load implements Store.Load.
func (s *MemoryStore) Load(ctx context.Context, threadID string) ([]types.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	th := s.thread(threadID, false)
	if th == nil {
		return []types.Turn{}, nil
	}
	return append([]types.Turn(nil), th.log...), nil
}

// MergeSlots implements Store.MergeSlots.
func (s *MemoryStore) MergeSlots(ctx context.Context, threadID string, patch types.Slots) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(patch) == 0 {
		return nil
	}

	lock := s.slotLocks.get(threadID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	th := s.thread(threadID, true)
	if th.slots == nil {
		th.slots = types.Slots{}
	}
	th.slots = types.DeepMergeSlots(th.slots, patch)
	s.refresh(th)
	return nil
}

// GetSlots implements Store.GetSlots.
func (s *MemoryStore) GetSlots(ctx context.Context, threadID string) (types.Slots, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	th := s.thread(threadID, false)
	if th == nil || th.slots == nil {
		return types.Slots{}, nil
	}
	return types.DeepMergeSlots(types.Slots{}, th.slots), nil
}

// ClearSlots implements Store.ClearSlots.
func (s *MemoryStore) ClearSlots(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if th := s.thread(threadID, false); th != nil {
		th.slots = nil
	}
	return nil
}

// Clear implements Store.Clear.
func (s *MemoryStore) Clear(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.threads, threadID)
	s.slotLocks.drop(threadID)
	return nil
}

// Close implements Store.Close.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.threads = nil
	return nil
}

var _ Store = (*MemoryStore)(nil)
