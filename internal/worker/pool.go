package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Task represents a unit of work for the worker pool.
// Process returns an error to request a retry.
type Task interface {
	Process(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Process(ctx context.Context) error { return f(ctx) }

// WorkerPool manages a pool of worker goroutines
// and a bounded queue of tasks to process.
type WorkerPool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers int
	logger  logrus.FieldLogger

	mu      sync.RWMutex // guards closed and sends on tasks
	closed  bool
	started bool

	tasks    chan Task
	queueCap int

	deadLetters atomic.Int64
	dropped     atomic.Int64
	maxRetries  int
}

// PoolStats holds monitoring information about the worker pool
type PoolStats struct {
	ActiveWorkers int
	QueueLength   int
	DeadLetters   int
	Dropped       int
}

// Option configures a WorkerPool.
type Option func(*WorkerPool)

// WithQueueCapacity sets the task queue size.
func WithQueueCapacity(n int) Option {
	return func(p *WorkerPool) {
		if n > 0 {
			p.queueCap = n
		}
	}
}

// WithMaxRetries sets how many times a failing task is attempted before it
// is counted as a dead letter.
func WithMaxRetries(n int) Option {
	return func(p *WorkerPool) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

// WithLogger sets the logger used for dead-lettered tasks.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *WorkerPool) { p.logger = l }
}

// NewWorkerPool creates a new WorkerPool with the given number of workers
func NewWorkerPool(workers int, opts ...Option) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		ctx:        ctx,
		cancel:     cancel,
		workers:    workers,
		queueCap:   100,
		maxRetries: 3,
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.tasks = make(chan Task, p.queueCap)
	return p
}

// Start launches the worker goroutines
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop()
	}
}

// Stop stops accepting tasks and waits for queued tasks to finish. If ctx
// expires first, in-progress tasks see their context canceled.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	started := p.started
	p.mu.Unlock()

	if !started {
		p.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Submit adds a task to the queue. It returns false if the queue is full or
// the pool is stopped.
func (p *WorkerPool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false // backpressure: queue is full
	}
}

// workerLoop is the main loop for each worker goroutine
func (p *WorkerPool) workerLoop() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.processWithRetry(task)
	}
}

// processWithRetry processes a task, retrying up to maxRetries. Tasks that
// keep failing are counted as dead letters; tasks picked up after the pool
// was canceled are dropped without an attempt.
func (p *WorkerPool) processWithRetry(task Task) {
	var err error
	attempts := 0
	for ; attempts < p.maxRetries; attempts++ {
		if p.ctx.Err() != nil {
			break
		}
		if err = task.Process(p.ctx); err == nil {
			return
		}
	}
	if attempts == 0 {
		p.dropped.Add(1)
		p.logger.Warn("Task dropped, pool is shutting down")
		return
	}
	p.logger.WithError(err).WithField("attempts", attempts).Warn("Task moved to dead letter queue")
	p.deadLetters.Add(1)
}

// DeadLetterCount returns the number of tasks that exhausted their retries
func (p *WorkerPool) DeadLetterCount() int {
	return int(p.deadLetters.Load())
}

// DroppedCount returns the number of tasks discarded during shutdown
func (p *WorkerPool) DroppedCount() int {
	return int(p.dropped.Load())
}

// Workers returns the number of worker goroutines
func (p *WorkerPool) Workers() int {
	return p.workers
}

// Stats returns current statistics about the worker pool
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		ActiveWorkers: p.workers,
		QueueLength:   len(p.tasks),
		DeadLetters:   p.DeadLetterCount(),
		Dropped:       p.DroppedCount(),
	}
}
