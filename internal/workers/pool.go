// Package workers provides a bounded worker pool for parallel backtest
// evaluation.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work to be processed.
type Task interface {
	Execute() error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Name          string
	NumWorkers    int
	QueueSize     int
	PanicRecovery bool
}

// DefaultPoolConfig sizes the pool to the hardware.
func DefaultPoolConfig(name string) PoolConfig {
	return PoolConfig{
		Name:          name,
		NumWorkers:    runtime.NumCPU(),
		QueueSize:     1024,
		PanicRecovery: true,
	}
}

// Pool runs tasks on a fixed set of worker goroutines. Each worker is
// pinned to one task at a time.
type Pool struct {
	cfg    PoolConfig
	tasks  chan Task
	wg     sync.WaitGroup
	cancel context.CancelFunc

	completed atomic.Int64
	failed    atomic.Int64
	recovered atomic.Int64

	running atomic.Bool
	logger  *zap.Logger
}

// NewPool creates a pool. Start must be called before Submit.
func NewPool(cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Pool{
		cfg:    cfg,
		tasks:  make(chan Task, cfg.QueueSize),
		logger: logger.Named("pool").With(zap.String("pool", cfg.Name)),
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("pool started", zap.Int("workers", p.cfg.NumWorkers))
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.run(task, id)
		}
	}
}

func (p *Pool) run(task Task, id int) {
	defer func() {
		if p.cfg.PanicRecovery {
			if rec := recover(); rec != nil {
				p.recovered.Add(1)
				p.failed.Add(1)
				p.logger.Error("task panic recovered",
					zap.Int("worker", id),
					zap.Any("panic", rec))
			}
		}
	}()
	if err := task.Execute(); err != nil {
		p.failed.Add(1)
		p.logger.Warn("task failed", zap.Int("worker", id), zap.Error(err))
		return
	}
	p.completed.Add(1)
}

// Submit queues a task, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if !p.running.Load() {
		return fmt.Errorf("pool %s not running", p.cfg.Name)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.tasks <- task:
		return nil
	}
}

// Wait blocks until all submitted tasks have drained, then stops the
// workers. The pool cannot be reused afterwards.
func (p *Pool) Wait() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
	p.logger.Info("pool drained",
		zap.Int64("completed", p.completed.Load()),
		zap.Int64("failed", p.failed.Load()),
		zap.Int64("panics", p.recovered.Load()))
}

// Stop cancels outstanding work and waits for workers to exit within the
// grace period.
func (p *Pool) Stop(grace time.Duration) {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		p.logger.Warn("pool stop timed out", zap.Duration("grace", grace))
	}
}

// Completed returns the number of successfully executed tasks.
func (p *Pool) Completed() int64 { return p.completed.Load() }

// Failed returns the number of failed tasks, including recovered panics.
func (p *Pool) Failed() int64 { return p.failed.Load() }
