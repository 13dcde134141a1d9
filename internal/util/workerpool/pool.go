// Package workerpool provides a bounded goroutine pool for background
// engine work: group-commit flushes, epoch advancement, and disk checks.
// Submission never blocks the write path; when the queue is full the task
// is dropped and the caller falls back to doing the work inline or on the
// next tick.
package workerpool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of background work
type Task struct {
	Name string
	Fn   func() error
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
}

// Pool manages a fixed set of worker goroutines
type Pool struct {
	name      string
	taskQueue chan Task
	logger    *zap.Logger
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopChan  chan struct{}

	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New creates and starts a worker pool
func New(cfg Config, logger *zap.Logger) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	p := &Pool{
		name:      cfg.Name,
		taskQueue: make(chan Task, cfg.QueueSize),
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
	for i := 0; i < cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	logger.Info("worker pool started",
		zap.String("name", cfg.Name),
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.taskQueue:
			p.run(id, task)
		}
	}
}

func (p *Pool) run(workerID int, task Task) {
	start := time.Now()
	err := p.safeExecute(task)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("background task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task", task.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
}

func (p *Pool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Fn()
}

// TrySubmit enqueues a task without blocking. Returns false when the pool
// is stopped or the queue is full.
func (p *Pool) TrySubmit(task Task) bool {
	select {
	case <-p.stopChan:
		p.rejected.Add(1)
		return false
	default:
	}
	select {
	case p.taskQueue <- task:
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

// Stop drains in-flight tasks and stops the workers. Tasks still queued
// when the timeout expires are abandoned.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %q stop timeout after %v", p.name, timeout)
			p.logger.Warn("worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns lifetime task counters
func (p *Pool) Stats() (completed, failed, rejected uint64) {
	return p.completed.Load(), p.failed.Load(), p.rejected.Load()
}
