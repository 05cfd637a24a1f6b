// Package pool provides a bounded worker pool for background jobs.
// This package is internal and should not be imported by external projects.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolClosed is returned when submitting to a closed pool.
	ErrPoolClosed = errors.New("pool is closed")
	// ErrPoolFull is returned when the job queue is at capacity.
	ErrPoolFull = errors.New("pool is full")
)

// Job is a unit of background work.
type Job func(ctx context.Context)

// WorkerPool runs jobs on a fixed set of workers fed by a bounded queue.
// Close drains queued jobs and waits for in-flight ones; jobs observe
// shutdown through the context passed at construction.
type WorkerPool struct {
	queue  chan Job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64

	panicHandler func(any)
}

// Config configures the pool.
type Config struct {
	Workers      int
	QueueSize    int
	PanicHandler func(any)
}

// New starts a worker pool with the given configuration.
func New(cfg Config) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		queue:        make(chan Job, cfg.QueueSize),
		ctx:          ctx,
		cancel:       cancel,
		panicHandler: cfg.PanicHandler,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a job without blocking. Returns ErrPoolFull when the
// queue is at capacity and ErrPoolClosed after Close.
func (p *WorkerPool) Submit(job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.queue <- job:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for job := range p.queue {
		p.run(job)
		p.completed.Add(1)
	}
}

func (p *WorkerPool) run(job Job) {
	defer func() {
		if r := recover(); r != nil && p.panicHandler != nil {
			p.panicHandler(r)
		}
	}()
	job(p.ctx)
}

// Close stops accepting jobs, cancels the job context, and waits for
// workers to drain the queue.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.cancel()
	close(p.queue)
	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
}
