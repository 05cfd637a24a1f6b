// Package stm assembles the short-term-memory engine: one facade over the
// append-log store, the slots document, salience ranking, open-thread
// tracking, and the background extraction pipeline. The engine is wired by
// constructor injection; it owns the pipeline but not the store.
package stm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/engramhq/engram/config"
	"github.com/engramhq/engram/internal/metrics"
	"github.com/engramhq/engram/pipeline"
	"github.com/engramhq/engram/salience"
	"github.com/engramhq/engram/store"
	"github.com/engramhq/engram/threads"
	"github.com/engramhq/engram/types"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine is closed")

// factsSlotKey is where the thread's deduplicated fact set lives inside
// the slots document. The fact array replaces wholesale on merge, which is
// exactly the patch-wins rule for non-map values.
const factsSlotKey = "facts"

// extractFactsTask names the background extraction task.
const extractFactsTask = "extract_facts"

// Engine is the short-term-memory facade for one deployment.
type Engine struct {
	cfg       config.Config
	store     store.Store
	ranker    *salience.Ranker
	tracker   *threads.Tracker
	pipe      *pipeline.Pipeline
	collector *metrics.Collector
	tokens    *TokenCounter
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	factLocks map[string]*sync.Mutex
	closed    bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithCollector attaches a metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(e *Engine) { e.collector = c }
}

// WithClock overrides the wall clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over the given store. A nil extractor disables
// background fact extraction; appends and context assembly still work.
func New(cfg config.Config, st store.Store, extractor pipeline.Extractor, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:       cfg,
		store:     st,
		ranker: salience.NewRanker(salience.Params{
			RecentWindowTurns: cfg.Salience.RecentWindowTurns,
			TurnHalfLife:      cfg.Salience.TurnHalfLife,
			DayHalfLife:       cfg.Salience.DayHalfLife,
			MaxSupport:        cfg.Salience.MaxSupport,
		}),
		tracker: threads.NewTracker(threads.Config{
			StaleAfterTurns: cfg.Threads.StaleAfterTurns,
			TitleMaxLen:     cfg.Threads.TitleMaxLen,
		}),
		tokens:    NewTokenCounter(),
		logger:    logger.With(zap.String("component", "stm")),
		now:       time.Now,
		factLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}

	if extractor != nil {
		var popts []pipeline.Option
		if e.collector != nil {
			popts = append(popts, pipeline.WithCollector(e.collector))
		}
		e.pipe = pipeline.New(cfg.Pipeline, extractor, e.mergeExtracted, logger, popts...)
	}
	return e
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// factLock returns the per-thread mutex guarding the read-merge-write of
// the fact set.
func (e *Engine) factLock(threadID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.factLocks[threadID]
	if !ok {
		m = &sync.Mutex{}
		e.factLocks[threadID] = m
	}
	return m
}

// Append records turns on the thread's log and, as side effects, merges
// session slots parsed from user text and schedules background extraction.
// Only the log write can fail the call; the side effects degrade to log
// lines.
func (e *Engine) Append(ctx context.Context, threadID string, turns ...types.Turn) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}

	appended, err := e.store.Append(ctx, threadID, turns)
	if err != nil {
		return appended, err
	}

	for _, turn := range turns {
		if turn.Role != types.RoleUser {
			continue
		}
		patch := ParseSessionSlots(turn.Content)
		if len(patch) == 0 {
			continue
		}
		if err := e.store.MergeSlots(ctx, threadID, patch); err != nil {
			e.logger.Warn("session slot merge failed",
				zap.String("thread_id", threadID), zap.Error(err))
		}
	}

	if appended > 0 {
		e.scheduleExtraction(ctx, threadID)
	}
	return appended, nil
}

// scheduleExtraction submits the thread for background extraction. All
// failures are soft: a busy pipeline just means the next append retries.
func (e *Engine) scheduleExtraction(ctx context.Context, threadID string) {
	if e.pipe == nil {
		return
	}
	history, err := e.store.Load(ctx, threadID)
	if err != nil {
		e.logger.Warn("loading history for extraction failed",
			zap.String("thread_id", threadID), zap.Error(err))
		return
	}
	if _, err := e.pipe.Submit(ctx, extractFactsTask, threadID, history); err != nil {
		e.logger.Debug("extraction not scheduled",
			zap.String("thread_id", threadID), zap.Error(err))
	}
}

// mergeExtracted is the pipeline result handler.
func (e *Engine) mergeExtracted(ctx context.Context, threadID string, facts []types.Fact) error {
	_, err := e.MergeFacts(ctx, threadID, facts)
	return err
}

// MergeFacts folds new facts into the thread's deduplicated fact set and
// returns its new size. Read-merge-write on the fact set is serialized per
// thread.
func (e *Engine) MergeFacts(ctx context.Context, threadID string, facts []types.Fact) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}

	lock := e.factLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := e.Facts(ctx, threadID)
	if err != nil {
		return 0, err
	}
	if len(facts) == 0 {
		return len(existing), nil
	}

	merged := salience.Dedupe(append(existing, facts...))

	encoded, err := encodeFacts(merged)
	if err != nil {
		return len(existing), types.NewError(types.ErrMalformedInput, "encode facts").WithCause(err)
	}
	if err := e.store.MergeSlots(ctx, threadID, types.Slots{factsSlotKey: encoded}); err != nil {
		return len(existing), err
	}

	if e.collector != nil {
		e.collector.FactsMerged(len(facts))
	}
	e.logger.Debug("facts merged",
		zap.String("thread_id", threadID),
		zap.Int("incoming", len(facts)),
		zap.Int("total", len(merged)))
	return len(merged), nil
}

// Facts returns the thread's deduplicated fact set.
func (e *Engine) Facts(ctx context.Context, threadID string) ([]types.Fact, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	slots, err := e.store.GetSlots(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return decodeFacts(slots[factsSlotKey]), nil
}

// History returns the thread's turn log, oldest-first.
func (e *Engine) History(ctx context.Context, threadID string) ([]types.Turn, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.store.Load(ctx, threadID)
}

// OpenThreads returns the unresolved requests in the thread's history.
func (e *Engine) OpenThreads(ctx context.Context, threadID string) ([]types.OpenThread, error) {
	history, err := e.History(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return e.tracker.Open(history), nil
}

// Clear removes all short-term state for the thread.
func (e *Engine) Clear(ctx context.Context, threadID string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.store.Clear(ctx, threadID); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.factLocks, threadID)
	e.mu.Unlock()
	return nil
}

// Close stops the engine: the pipeline drains and new operations are
// rejected. The store is injected and stays open for its owner to close.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.pipe != nil {
		e.pipe.Close()
	}
	e.logger.Info("engine closed")
	return nil
}

// encodeFacts round-trips facts through JSON into the plain
// map-and-slice shape the slots document stores.
func encodeFacts(facts []types.Fact) ([]any, error) {
	data, err := json.Marshal(facts)
	if err != nil {
		return nil, err
	}
	var out []any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeFacts is the inverse of encodeFacts. Anything unreadable decodes
// to an empty set; the fact store self-heals on the next merge.
func decodeFacts(raw any) []types.Fact {
	if raw == nil {
		return []types.Fact{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return []types.Fact{}
	}
	var facts []types.Fact
	if err := json.Unmarshal(data, &facts); err != nil {
		return []types.Fact{}
	}
	return facts
}
