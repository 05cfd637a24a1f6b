package stm

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/engramhq/engram/types"
)

// defaultRecentWindow is how many trailing turns the bundle carries for
// the downstream prompt assembler.
const defaultRecentWindow = 16

// ContextBundle is the assembled short-term context for one thread: the
// recent turn window, the top-k salient facts, unresolved threads, and the
// slots document, with a token estimate for budget decisions downstream.
type ContextBundle struct {
	ThreadID    string              `json:"thread_id"`
	Recent      []types.Turn        `json:"recent"`
	Facts       []types.Fact        `json:"facts"`
	OpenThreads []types.OpenThread  `json:"open_threads"`
	Slots       types.Slots         `json:"slots"`
	TokenCount  int                 `json:"token_count"`
	AssembledAt time.Time           `json:"assembled_at"`
	Degraded    bool                `json:"degraded,omitempty"`
}

type contextOptions struct {
	topK           int
	recentWindow   int
	requestedSlots []string
}

// ContextOption customizes context assembly.
type ContextOption func(*contextOptions)

// WithTopK caps the number of salient facts in the bundle.
func WithTopK(k int) ContextOption {
	return func(o *contextOptions) { o.topK = k }
}

// WithRecentWindow sets how many trailing turns the bundle includes.
func WithRecentWindow(n int) ContextOption {
	return func(o *contextOptions) { o.recentWindow = n }
}

// WithRequestedSlots names the predicates the current intent asks about;
// matching facts rank higher.
func WithRequestedSlots(predicates ...string) ContextOption {
	return func(o *contextOptions) { o.requestedSlots = predicates }
}

// GetContext assembles the thread's context bundle. Assembly degrades
// rather than fails: when the history or the slots document cannot be
// loaded, the bundle carries empty collections and the Degraded flag, and
// the error is logged, not returned. Only a closed engine errors.
func (e *Engine) GetContext(ctx context.Context, threadID string, opts ...ContextOption) (*ContextBundle, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	start := e.now()

	o := contextOptions{
		topK:         e.cfg.Salience.DefaultTopK,
		recentWindow: defaultRecentWindow,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.topK <= 0 {
		o.topK = e.cfg.Salience.DefaultTopK
	}
	if o.recentWindow <= 0 {
		o.recentWindow = defaultRecentWindow
	}

	bundle := &ContextBundle{
		ThreadID:    threadID,
		Recent:      []types.Turn{},
		Facts:       []types.Fact{},
		OpenThreads: []types.OpenThread{},
		Slots:       types.Slots{},
		AssembledAt: start,
	}

	var (
		history []types.Turn
		slots   types.Slots
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		history, err = e.store.Load(gctx, threadID)
		if err != nil {
			e.logger.Warn("context assembly: history unavailable",
				zap.String("thread_id", threadID), zap.Error(err))
			bundle.Degraded = true
			history = nil
		}
		return nil
	})
	g.Go(func() error {
		var err error
		slots, err = e.store.GetSlots(gctx, threadID)
		if err != nil {
			e.logger.Warn("context assembly: slots unavailable",
				zap.String("thread_id", threadID), zap.Error(err))
			bundle.Degraded = true
			slots = nil
		}
		return nil
	})
	_ = g.Wait() // fetchers degrade instead of erroring

	// The raw fact set lives inside the slots document; the bundle surfaces
	// it only through the ranked Facts field.
	facts := decodeFacts(slots[factsSlotKey])
	for k, v := range slots {
		if k == factsSlotKey {
			continue
		}
		bundle.Slots[k] = v
	}

	bundle.Facts = e.ranker.SelectTopK(history, facts, o.topK, start, o.requestedSlots)
	bundle.OpenThreads = e.tracker.Open(history)
	if n := len(history); n > 0 {
		from := n - o.recentWindow
		if from < 0 {
			from = 0
		}
		bundle.Recent = history[from:]
	}
	bundle.TokenCount = e.tokens.CountBundle(bundle)

	if e.collector != nil {
		e.collector.ContextAssembled(time.Since(start))
	}
	e.logger.Debug("context assembled",
		zap.String("thread_id", threadID),
		zap.Int("recent", len(bundle.Recent)),
		zap.Int("facts", len(bundle.Facts)),
		zap.Int("open_threads", len(bundle.OpenThreads)),
		zap.Int("tokens", bundle.TokenCount),
		zap.Bool("degraded", bundle.Degraded),
	)
	return bundle, nil
}
