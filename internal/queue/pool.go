package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultConcurrency and pollInterval match spec.md §4.5's worker pool
// contract: a handful of workers polling the shared queue rather than a
// push-based dispatcher, since the queue itself is the only cross-process
// coordination point.
const (
	defaultConcurrency = 3
	pollInterval       = 500 * time.Millisecond
)

// Handler processes one claimed job. A returned error marks the job
// failed; ErrRetryLater (via the sentinel wrapped error) would need a
// fresh Enqueue from the caller rather than leaving the job claimed.
type Handler func(ctx context.Context, job Job) error

// Pool runs a fixed number of workers polling a Queue.
type Pool struct {
	queue       *Queue
	handler     Handler
	concurrency int
	logger      *slog.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency overrides the default worker count.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLogger attaches a logger for per-job failures.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool builds a worker pool over q, invoking handler for each claimed job.
func NewPool(q *Queue, handler Handler, opts ...PoolOption) *Pool {
	p := &Pool{queue: q, handler: handler, concurrency: defaultConcurrency, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the pool's workers and blocks until ctx is cancelled, then
// waits for in-flight jobs to finish before returning.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Pool) pollOnce(ctx context.Context) {
	job, ok, err := p.queue.ClaimNextWaiting()
	if err != nil {
		p.logger.Error("queue: claim failed", "error", err)
		return
	}
	if !ok {
		return
	}

	if err := p.handler(ctx, job); err != nil {
		p.logger.Error("queue: job failed", "job", job.ID, "node", job.NodeID, "error", err)
		if ferr := p.queue.Fail(job.ID, err); ferr != nil {
			p.logger.Error("queue: mark failed failed", "job", job.ID, "error", ferr)
		}
		return
	}
	if err := p.queue.Complete(job.ID); err != nil {
		p.logger.Error("queue: complete failed", "job", job.ID, "error", err)
	}
}
