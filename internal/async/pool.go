// ABOUTME: Bounded worker pool for fire-and-forget side effects
// ABOUTME: Cache writes, usage counters and webhooks run here; a full queue drops work

package async

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultWorkers is the number of goroutines draining the queue.
	DefaultWorkers = 4

	// DefaultQueueSize is how many tasks may wait before new ones are dropped.
	DefaultQueueSize = 256

	// taskTimeout bounds a single task.
	taskTimeout = 30 * time.Second
)

// Task is a unit of background work. Returned errors are logged.
type Task func(ctx context.Context) error

type job struct {
	name string
	fn   Task
}

// Pool runs submitted tasks on a fixed set of workers. Submit never blocks
// the caller and a task failure never reaches it.
type Pool struct {
	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu      sync.Mutex
	pending int
	idle    *sync.Cond
	closed  bool

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewPool starts a pool. Non-positive sizes fall back to the defaults.
func NewPool(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:   make(chan job, queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "async"),
	}
	p.idle = sync.NewCond(&p.mu)

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues fn. It returns false if the task was dropped because the
// queue is full or the pool is closed.
func (p *Pool) Submit(name string, fn Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.dropped.Add(1)
		return false
	}

	select {
	case p.jobs <- job{name: name, fn: fn}:
		p.pending++
		return true
	default:
		p.dropped.Add(1)
		p.logger.Warn("background queue full, dropping task", "task", name)
		return false
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.run(j)
		p.done()
	}
}

func (p *Pool) run(j job) {
	ctx, cancel := context.WithTimeout(p.ctx, taskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("background task panicked", "task", j.name, "panic", fmt.Sprint(r))
		}
	}()

	if err := j.fn(ctx); err != nil {
		p.failed.Add(1)
		p.logger.Warn("background task failed", "task", j.name, "error", err)
	}
}

func (p *Pool) done() {
	p.mu.Lock()
	p.pending--
	if p.pending == 0 {
		p.idle.Broadcast()
	}
	p.mu.Unlock()
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.mu.Lock()
	for p.pending > 0 {
		p.idle.Wait()
	}
	p.mu.Unlock()
}

// Dropped returns how many tasks were rejected.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }

// Failed returns how many tasks returned an error or panicked.
func (p *Pool) Failed() int64 { return p.failed.Load() }

// Close stops accepting tasks and drains the queue. Tasks still running when
// ctx is done have their context cancelled.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.jobs)

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-finished
		return ctx.Err()
	}
}
