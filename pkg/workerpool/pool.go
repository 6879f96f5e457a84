// Package workerpool provides a bounded worker pool for controlled
// concurrency during bulk enqueue runs.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work.
type Task struct {
	ID  string
	Run func(ctx context.Context) error
}

// Config holds worker pool configuration.
type Config struct {
	// Workers is the number of concurrent workers.
	Workers int
	// QueueSize is the size of the task queue.
	QueueSize int
	// GracefulShutdownTimeout bounds how long Stop waits for in-flight tasks.
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for bulk sync enqueue.
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a fixed set of workers draining a bounded task queue.
type Pool struct {
	config Config
	logger *zap.Logger

	taskChan chan Task
	wg       sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	succeeded int64
	failed    int64
	active    int64
}

// New creates a worker pool.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:   cfg,
		logger:   logger,
		taskChan: make(chan Task, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Debug("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a task, blocking while the queue is full.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return fmt.Errorf("pool is shutting down")
	}

	select {
	case <-p.ctx.Done():
		return fmt.Errorf("pool is shutting down")
	case p.taskChan <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	}
}

// Stop closes the queue and waits for in-flight tasks.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.taskChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		p.logger.Warn("worker pool shutdown timed out")
		<-done
	}
	p.cancel()
	return nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	for task := range p.taskChan {
		if err := task.Run(p.ctx); err != nil {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Error(err))
			continue
		}
		atomic.AddInt64(&p.succeeded, 1)
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted     int64
	Succeeded     int64
	Failed        int64
	ActiveWorkers int64
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:     atomic.LoadInt64(&p.submitted),
		Succeeded:     atomic.LoadInt64(&p.succeeded),
		Failed:        atomic.LoadInt64(&p.failed),
		ActiveWorkers: atomic.LoadInt64(&p.active),
	}
}
