// Package concurrency wraps alitto/pond with the logging and config
// conventions used across the process. Both of this process's dispatchers
// (the Bot Supervisor, the Subscription Fan-out) submit tasks that run for
// the lifetime of a bot or a subscription rather than a single unit of
// work, so both run their pool NonBlocking: a full pool means capacity is
// genuinely exhausted, and the caller needs that reported back rather than
// hanging on Submit.
package concurrency

import (
	"fmt"
	"time"

	"github.com/alitto/pond"

	"gridbot/pkg/logging"
)

// PoolConfig holds construction parameters for a WorkerPool.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool
}

// WorkerPool wraps a pond.WorkerPool with a named logger and safe defaults.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger logging.Logger
}

// NewWorkerPool constructs a pool; zero-valued fields in cfg fall back to
// safe defaults rather than a zero-capacity pool.
func NewWorkerPool(cfg PoolConfig, logger logging.Logger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	scopedLogger := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			scopedLogger.Error("worker pool panic recovered", "panic", p)
		}),
	)

	return &WorkerPool{pool: pool, config: cfg, logger: scopedLogger}
}

// Submit enqueues task, blocking if the pool is full unless NonBlocking.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("worker pool '%s' is full (capacity: %d)", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}
	wp.pool.Submit(task)
	return nil
}

// Stop drains and stops the pool, waiting for in-flight tasks.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}
