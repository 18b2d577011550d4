// Package dispatch runs submitted work on a fixed pool of workers fed by a
// bounded queue. Submission never blocks the caller: a full queue is an
// explicit backpressure signal, not a stall.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	coreerrors "github.com/forgeline-lab/forgeline/internal/core/errors"
	"github.com/forgeline-lab/forgeline/internal/observability"
)

// Task is one unit of asynchronous work. The context passed to Run is the
// pool's lifecycle context, not the HTTP request's; the request has already
// been acknowledged by the time the task runs.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Run(ctx context.Context) error { return f(ctx) }

// Config controls pool sizing.
type Config struct {
	// Workers is the number of concurrent task runners.
	Workers int
	// QueueSize bounds how many tasks may wait for a worker.
	QueueSize int
}

type queued struct {
	task       Task
	enqueuedAt time.Time
}

// Pool is a bounded-queue worker pool.
type Pool struct {
	cfg     Config
	queue   chan queued
	metrics observability.MetricsRecorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewPool creates a pool. Start must be called before Submit.
func NewPool(cfg Config, metrics observability.MetricsRecorder) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		queue:   make(chan queued, cfg.QueueSize),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers. Calling Start twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	slog.Info("Dispatcher started", "workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
}

// Submit enqueues a task without blocking. When the queue is full it
// returns ErrQueueFull immediately so the ingress can reply 429 instead of
// holding the connection open.
//
// The send happens under the same mutex Shutdown holds while closing the
// queue, so a submission racing shutdown fails fast rather than sending on
// a closed channel. The send is non-blocking, so the lock is never held
// across a wait.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("dispatch: pool is shut down")
	}

	select {
	case p.queue <- queued{task: task, enqueuedAt: time.Now()}:
		return nil
	default:
		p.metrics.RecordRejection(context.Background(), coreerrors.KindQueueFull)
		return coreerrors.ErrQueueFull
	}
}

// Depth returns the current number of queued tasks.
func (p *Pool) Depth() int {
	return len(p.queue)
}

// Shutdown stops intake and waits for in-flight and queued tasks to drain.
// When ctx expires first, remaining workers are cancelled and their tasks
// observe a cancelled context.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	// Closing under the lock excludes any in-progress Submit send.
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		slog.Info("Dispatcher drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		slog.Warn("Dispatcher shutdown grace expired, tasks cancelled")
		return ctx.Err()
	}
}

// worker drains the queue until it is closed and empty.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for item := range p.queue {
		p.run(id, item)
	}
}

// run executes one task, isolating panics so a bad task never takes the
// worker down with it.
func (p *Pool) run(id int, item queued) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Task panicked",
				"worker", id, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	wait := time.Since(item.enqueuedAt)
	if err := item.task.Run(p.ctx); err != nil {
		slog.Error("Task failed", "worker", id, "queue_wait", wait, "error", err)
		return
	}
	slog.Debug("Task completed", "worker", id, "queue_wait", wait)
}
