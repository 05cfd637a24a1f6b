// Package pipeline schedules background fact extraction. Submission is
// single-flight per (task name, thread): while a job is outstanding, new
// submissions are no-ops returning the in-flight handle. The history
// checkpoint only advances when a job is actually enqueued, so the same
// turns are never resubmitted while a job is in flight.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/engramhq/engram/config"
	"github.com/engramhq/engram/internal/metrics"
	"github.com/engramhq/engram/internal/pool"
	"github.com/engramhq/engram/types"
)

// ErrClosed is returned when submitting to a closed pipeline.
var ErrClosed = errors.New("pipeline is closed")

// Extractor derives candidate facts from raw user messages. It is the
// boundary to the external NLP/LLM extraction; implementations are
// expected to honor ctx cancellation.
type Extractor interface {
	Extract(ctx context.Context, messages []string) ([]types.Fact, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, messages []string) ([]types.Fact, error)

// Extract implements Extractor.
func (f ExtractorFunc) Extract(ctx context.Context, messages []string) ([]types.Fact, error) {
	return f(ctx, messages)
}

// ResultHandler receives the facts of a completed job. Handlers merge
// results into the store; they are never invoked for failed or abandoned
// jobs, so partial results cannot leak in.
type ResultHandler func(ctx context.Context, threadID string, facts []types.Fact) error

type taskKey struct {
	name     string
	threadID string
}

// Pipeline runs extraction jobs on a bounded worker pool.
type Pipeline struct {
	extractor  Extractor
	handle     ResultHandler
	workers    *pool.WorkerPool
	limiter    *rate.Limiter
	collector  *metrics.Collector
	jobTimeout time.Duration
	logger     *zap.Logger

	mu     sync.Mutex
	tasks  map[taskKey]*types.ProcessingTask
	closed bool
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithCollector attaches a metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(p *Pipeline) { p.collector = c }
}

// New creates a pipeline. The handler is required; extraction results
// would otherwise be dropped silently.
func New(cfg config.PipelineConfig, extractor Extractor, handle ResultHandler, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "pipeline"))

	var limiter *rate.Limiter
	if cfg.SubmitRate > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
	}

	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 2 * time.Minute
	}

	p := &Pipeline{
		extractor:  extractor,
		handle:     handle,
		limiter:    limiter,
		jobTimeout: jobTimeout,
		logger:     logger,
		tasks:      make(map[taskKey]*types.ProcessingTask),
	}
	p.workers = pool.New(pool.Config{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		PanicHandler: func(r any) {
			logger.Error("extraction job panicked", zap.Any("panic", r))
		},
	})
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit schedules extraction of the user turns past the task's history
// checkpoint. If a job for (name, threadID) is already in flight, the call
// is a no-op returning the existing handle with an unchanged checkpoint.
func (p *Pipeline) Submit(ctx context.Context, name, threadID string, history []types.Turn) (types.ProcessingTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return types.ProcessingTask{}, ErrClosed
	}

	key := taskKey{name: name, threadID: threadID}
	task, ok := p.tasks[key]
	if !ok {
		task = &types.ProcessingTask{Name: name, ThreadID: threadID, State: types.TaskIdle}
		p.tasks[key] = task
	}

	if task.InFlight() {
		return *task, nil
	}

	if p.limiter != nil && !p.limiter.Allow() {
		// Throttled submissions are silently deferred; the caller retries
		// on a later turn.
		return *task, nil
	}

	messages := userMessagesSince(history, task.HistoryCheckpoint)
	if len(messages) == 0 {
		return *task, nil
	}

	jobID := uuid.New().String()
	job := func(jobCtx context.Context) {
		p.runJob(jobCtx, key, jobID, threadID, messages)
	}
	if err := p.workers.Submit(job); err != nil {
		if p.collector != nil {
			p.collector.ExtractionJob("rejected")
		}
		return *task, types.NewError(types.ErrPipelineBusy, "extraction queue full").
			WithCause(err).WithRetryable(true)
	}

	// Enqueued: the checkpoint advances, and only now.
	task.JobID = jobID
	task.State = types.TaskQueued
	task.HistoryCheckpoint = len(history)
	task.SubmittedAt = time.Now()

	p.logger.Debug("extraction job enqueued",
		zap.String("task", name),
		zap.String("thread_id", threadID),
		zap.String("job_id", jobID),
		zap.Int("messages", len(messages)),
		zap.Int("checkpoint", task.HistoryCheckpoint),
	)
	return *task, nil
}

// Task returns a copy of the bookkeeping record for (name, threadID).
func (p *Pipeline) Task(name, threadID string) (types.ProcessingTask, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.tasks[taskKey{name: name, threadID: threadID}]
	if !ok {
		return types.ProcessingTask{}, false
	}
	return *task, true
}

func (p *Pipeline) runJob(ctx context.Context, key taskKey, jobID, threadID string, messages []string) {
	p.setState(key, jobID, types.TaskRunning)
	// Whatever happens below, the in-flight marker is cleared so a future
	// submission is never permanently blocked.
	defer p.clearInFlight(key, jobID)

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	facts, err := p.extractor.Extract(jobCtx, messages)
	if err != nil {
		if p.collector != nil {
			p.collector.ExtractionJob("failed")
		}
		p.logger.Warn("extraction job failed",
			zap.String("task", key.name),
			zap.String("thread_id", threadID),
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}

	// An abandoned job (shutdown mid-flight) must not merge anything.
	if ctx.Err() != nil {
		if p.collector != nil {
			p.collector.ExtractionJob("abandoned")
		}
		return
	}

	if p.handle != nil {
		// The merge runs on a fresh context: the job context dying between
		// extraction and merge would otherwise half-apply results.
		mergeCtx, mergeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer mergeCancel()
		if err := p.handle(mergeCtx, threadID, facts); err != nil {
			if p.collector != nil {
				p.collector.ExtractionJob("failed")
			}
			p.logger.Warn("merging extraction results failed",
				zap.String("thread_id", threadID),
				zap.String("job_id", jobID),
				zap.Error(err))
			return
		}
	}

	if p.collector != nil {
		p.collector.ExtractionJob("completed")
	}
	p.logger.Debug("extraction job completed",
		zap.String("task", key.name),
		zap.String("thread_id", threadID),
		zap.String("job_id", jobID),
		zap.Int("facts", len(facts)))
}

func (p *Pipeline) setState(key taskKey, jobID string, state types.TaskState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if task, ok := p.tasks[key]; ok && task.JobID == jobID {
		task.State = state
	}
}

func (p *Pipeline) clearInFlight(key taskKey, jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if task, ok := p.tasks[key]; ok && task.JobID == jobID {
		task.State = types.TaskIdle
		task.JobID = ""
	}
}

// Close stops accepting submissions and drains in-flight jobs. Jobs still
// running observe cancellation through their context and are abandoned
// without merging.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.workers.Close()
	p.logger.Info("pipeline closed", zap.Int64("jobs_completed", p.workers.Stats().Completed))
}

// userMessagesSince collects the content of user turns at or past the
// checkpoint, the slice of history handed to the extractor.
func userMessagesSince(history []types.Turn, checkpoint int) []string {
	if checkpoint < 0 {
		checkpoint = 0
	}
	if checkpoint > len(history) {
		checkpoint = len(history)
	}
	messages := make([]string, 0, len(history)-checkpoint)
	for _, turn := range history[checkpoint:] {
		if turn.Role == types.RoleUser && turn.Content != "" {
			messages = append(messages, turn.Content)
		}
	}
	return messages
}
