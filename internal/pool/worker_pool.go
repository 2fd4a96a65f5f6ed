// Package pool provides a fixed-size worker pool for controlled concurrency.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool queue is full")
)

// Job is a unit of work executed by the pool.
type Job func(ctx context.Context)

// WorkerPool runs jobs on a fixed set of worker goroutines consuming from a
// bounded queue. The orchestrator uses it to bound the number of workflow
// runs in flight at once.
type WorkerPool struct {
	jobs   chan job
	closed atomic.Bool
	wg     sync.WaitGroup

	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64

	panicHandler func(any)
}

type job struct {
	ctx context.Context
	fn  Job
}

// Config configures the pool.
type Config struct {
	Workers      int       `json:"workers" yaml:"workers"`
	QueueSize    int       `json:"queue_size" yaml:"queue_size"`
	PanicHandler func(any) `json:"-" yaml:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:   16,
		QueueSize: 128,
	}
}

// New creates a pool and starts its workers.
func New(config Config) *WorkerPool {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}

	p := &WorkerPool{
		jobs:         make(chan job, config.QueueSize),
		panicHandler: config.PanicHandler,
	}
	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a job, failing immediately when the queue is full.
func (p *WorkerPool) Submit(ctx context.Context, fn Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

// SubmitWait enqueues a job, suspending the caller until queue space is
// available or ctx is cancelled.
func (p *WorkerPool) SubmitWait(ctx context.Context, fn Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.active.Add(1)
		p.run(j)
		p.active.Add(-1)
		p.completed.Add(1)
	}
}

func (p *WorkerPool) run(j job) {
	defer func() {
		if r := recover(); r != nil && p.panicHandler != nil {
			p.panicHandler(r)
		}
	}()
	j.fn(j.ctx)
}

// Close stops accepting jobs and waits for queued ones to finish.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.jobs)
	p.wg.Wait()
}

// Stats returns pool counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Active:    int(p.active.Load()),
		Queued:    len(p.jobs),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats contains pool counters.
type Stats struct {
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
}
