package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/engramhq/engram/config"
	"github.com/engramhq/engram/internal/metrics"
	"github.com/engramhq/engram/types"
)

// appendScript is the atomic append unit: dedupe-check against the seen
// set, append, trim to the newest max_messages, and TTL refresh on both
// keys run as one script, so concurrent writers to the same thread can
// never observe a partially applied append.
var appendScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[2]) == 1 then return 0 end
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('RPUSH', KEYS[1], ARGV[1])
local maxm = tonumber(ARGV[3]) or 0
if maxm > 0 then redis.call('LTRIM', KEYS[1], -maxm, -1) end
local ttl = tonumber(ARGV[4]) or 0
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
  redis.call('EXPIRE', KEYS[2], ttl)
end
return 1
`)

// RedisStore is the Redis-backed STM store. Messages live in a per-thread
// LIST, dedupe membership in a per-thread SET, and slots in a JSON string.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	maxMsgs   int
	sink      ArchiveSink
	slotLocks *keyedMutex
	collector *metrics.Collector
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool

	now func() time.Time
}

// RedisStoreOption customizes a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithArchiveSink attaches an archive sink notified after successful
// append batches.
func WithArchiveSink(sink ArchiveSink) RedisStoreOption {
	return func(s *RedisStore) { s.sink = sink }
}

// WithCollector attaches a metrics collector.
func WithCollector(c *metrics.Collector) RedisStoreOption {
	return func(s *RedisStore) { s.collector = c }
}

// WithClock overrides the wall clock. Intended for tests.
func WithClock(now func() time.Time) RedisStoreOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore connects to Redis and returns a store. The connection is
// verified with a ping before the store is handed out.
func NewRedisStore(rcfg config.RedisConfig, scfg config.StoreConfig, logger *zap.Logger, opts ...RedisStoreOption) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         rcfg.Addr,
		Password:     rcfg.Password,
		DB:           rcfg.DB,
		PoolSize:     rcfg.PoolSize,
		MinIdleConns: rcfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := scfg.KeyPrefix
	if prefix == "" {
		prefix = "stm:"
	}

	s := &RedisStore{
		client:    client,
		keyPrefix: prefix,
		ttl:       scfg.TTL,
		maxMsgs:   scfg.MaxMessages,
		slotLocks: newKeyedMutex(),
		logger:    logger.With(zap.String("component", "store_redis")),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger.Info("redis store initialized",
		zap.String("addr", rcfg.Addr),
		zap.Duration("ttl", s.ttl),
		zap.Int("max_messages", s.maxMsgs),
	)
	return s, nil
}

func (s *RedisStore) messagesKey(threadID string) string {
	return s.keyPrefix + "msgs:" + threadID
}

func (s *RedisStore) seenKey(threadID string) string {
	return s.keyPrefix + "seen:" + threadID
}

func (s *RedisStore) slotsKey(threadID string) string {
	return s.keyPrefix + "slots:" + threadID
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func unavailable(op string, err error) error {
	return types.NewError(types.ErrStoreUnavailable, op).WithCause(err).WithRetryable(true)
}

// Append implements Store.Append.
func (s *RedisStore) Append(ctx context.Context, threadID string, turns []types.Turn) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if len(turns) == 0 {
		return 0, nil
	}

	listKey, seenKey := s.messagesKey(threadID), s.seenKey(threadID)
	ttlSecs := int64(s.ttl / time.Second)

	appended := 0
	batch := make([]types.Turn, 0, len(turns))
	for _, turn := range turns {
		if turn.Timestamp.IsZero() {
			turn.Timestamp = s.now()
		}
		if turn.ID == "" {
			turn.ID = types.ComputeTurnID(turn)
		}

		payload, err := json.Marshal(turn)
		if err != nil {
			// Unmarshalable turns are skipped, not fatal.
			s.logger.Warn("skipping unmarshalable turn", zap.Error(err))
			continue
		}

		res, err := appendScript.Run(ctx, s.client,
			[]string{listKey, seenKey},
			payload, turn.ID, s.maxMsgs, ttlSecs,
		).Int()
		if err != nil {
			return appended, unavailable("append turn", err)
		}
		if res == 1 {
			appended++
			batch = append(batch, turn)
		} else if s.collector != nil {
			s.collector.DuplicateDropped()
		}
	}

	if s.collector != nil && appended > 0 {
		s.collector.TurnsAppended(appended)
	}

	if appended > 0 && s.sink != nil {
		if err := s.sink.Notify(ctx, threadID, batch); err != nil {
			// Sink failures never fail the append.
			s.logger.Warn("archive sink failed",
				zap.String("thread_id", threadID),
				zap.Int("turns", len(batch)),
				zap.Error(err))
		}
	}

	return appended, nil
}

// Load implements Store.Load.
func (s *RedisStore) Load(ctx context.Context, threadID string) ([]types.Turn, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	raw, err := s.client.LRange(ctx, s.messagesKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, unavailable("load turns", err)
	}

	turns := make([]types.Turn, 0, len(raw))
	for _, item := range raw {
		var turn types.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			s.logger.Warn("skipping corrupt log entry",
				zap.String("thread_id", threadID), zap.Error(err))
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// MergeSlots implements Store.MergeSlots.
func (s *RedisStore) MergeSlots(ctx context.Context, threadID string, patch types.Slots) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(patch) == 0 {
		return nil
	}

	lock := s.slotLocks.get(threadID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.GetSlots(ctx, threadID)
	if err != nil {
		return err
	}
	merged := types.DeepMergeSlots(current, patch)

	data, err := json.Marshal(merged)
	if err != nil {
		return types.NewError(types.ErrMalformedInput, "marshal slots").WithCause(err)
	}

	// TTL rides on the SET itself so the document and its expiry can never
	// come apart.
	if err := s.client.Set(ctx, s.slotsKey(threadID), data, s.ttl).Err(); err != nil {
		return unavailable("merge slots", err)
	}
	return nil
}

// GetSlots implements Store.GetSlots.
func (s *RedisStore) GetSlots(ctx context.Context, threadID string) (types.Slots, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	raw, err := s.client.Get(ctx, s.slotsKey(threadID)).Bytes()
	if err == redis.Nil {
		return types.Slots{}, nil
	}
	if err != nil {
		return nil, unavailable("get slots", err)
	}

	var slots types.Slots
	if err := json.Unmarshal(raw, &slots); err != nil {
		s.logger.Warn("corrupt slots document, returning empty",
			zap.String("thread_id", threadID), zap.Error(err))
		return types.Slots{}, nil
	}
	return slots, nil
}

// ClearSlots implements Store.ClearSlots.
func (s *RedisStore) ClearSlots(ctx context.Context, threadID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.slotsKey(threadID)).Err(); err != nil {
		return unavailable("clear slots", err)
	}
	return nil
}

// Clear implements Store.Clear.
func (s *RedisStore) Clear(ctx context.Context, threadID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := s.client.Del(ctx,
		s.messagesKey(threadID),
		s.seenKey(threadID),
		s.slotsKey(threadID),
	).Err()
	if err != nil {
		return unavailable("clear thread", err)
	}
	s.slotLocks.drop(threadID)
	return nil
}

// Ping checks store health.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close implements Store.Close.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info("closing redis store")
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
