// Package worker runs deployment jobs on a fixed set of goroutines fed by a
// bounded queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrQueueFull is returned when the queue cannot take another task.
	ErrQueueFull = errors.New("worker: queue full")
	// ErrClosed is returned after Shutdown has been called.
	ErrClosed = errors.New("worker: pool closed")
)

// Task is one unit of work. The context is cancelled only when shutdown gives up waiting.
type Task struct {
	Kind string
	ID   string
	Run  func(ctx context.Context) error
}

// Pool executes tasks with a fixed number of workers.
type Pool struct {
	tasks   chan Task
	workers int
	logger  *slog.Logger
	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	started bool
}

// Option configures a Pool.
type Option func(*poolOptions)

type poolOptions struct {
	registerer prometheus.Registerer
	logger     *slog.Logger
}

// WithRegisterer publishes pool metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *poolOptions) { o.registerer = reg }
}

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *poolOptions) { o.logger = logger }
}

// NewPool constructs a pool with workers goroutines and a queue of size queue.
func NewPool(workers, queue int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	o := poolOptions{registerer: prometheus.DefaultRegisterer, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		tasks:   make(chan Task, queue),
		workers: workers,
		logger:  o.logger.With("component", "worker"),
		metrics: newMetrics(o.registerer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
	p.logger.Info("worker pool started", "workers", p.workers, "queue", cap(p.tasks))
}

// TrySubmit enqueues task without blocking.
func (p *Pool) TrySubmit(task Task) error {
	if task.Run == nil {
		return fmt.Errorf("worker: task %s has no function", task.ID)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.tasks <- task:
		p.metrics.queueDepth.Set(float64(len(p.tasks)))
		return nil
	default:
		p.metrics.rejected.WithLabelValues(task.Kind).Inc()
		return ErrQueueFull
	}
}

// Shutdown stops accepting tasks and waits for queued and running ones to
// finish. When ctx ends first, running tasks see their context cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
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
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// QueueLen reports how many tasks wait for a worker.
func (p *Pool) QueueLen() int {
	return len(p.tasks)
}

func (p *Pool) loop(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.metrics.queueDepth.Set(float64(len(p.tasks)))
		p.execute(id, task)
	}
}

func (p *Pool) execute(worker int, task Task) {
	p.metrics.busy.Inc()
	start := time.Now()
	result := "ok"
	defer func() {
		if rec := recover(); rec != nil {
			result = "panic"
			p.logger.Error("task panicked", "worker", worker, "kind", task.Kind, "task_id", task.ID, "panic", rec)
		}
		p.metrics.busy.Dec()
		p.metrics.tasks.WithLabelValues(task.Kind, result).Inc()
		p.metrics.duration.WithLabelValues(task.Kind).Observe(time.Since(start).Seconds())
	}()

	p.logger.Debug("task started", "worker", worker, "kind", task.Kind, "task_id", task.ID)
	if err := task.Run(p.ctx); err != nil {
		result = "error"
		p.logger.Warn("task failed", "worker", worker, "kind", task.Kind, "task_id", task.ID, "error", err)
	}
}
