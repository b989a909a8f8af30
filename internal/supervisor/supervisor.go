// Package supervisor implements the Bot Supervisor (§4.G): a process-wide
// registry of running strategy instances. It holds no domain state of its
// own; it dispatches start/stop calls and reports status.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gridbot/pkg/concurrency"
	"gridbot/pkg/logging"
)

// Strategy is the contract every bot type's engine satisfies, letting the
// Supervisor dispatch without knowing which concrete engine it launched.
type Strategy interface {
	ExecuteStrategy(ctx context.Context) error
	StopStrategy(ctx context.Context) error
	StatusMap() map[string]interface{}
}

type runningBot struct {
	strategy  Strategy
	cancel    context.CancelFunc
	startedAt time.Time
	done      chan struct{}
}

// Supervisor is the dispatcher described in §4.G: "holds no domain state;
// it is a dispatcher."
type Supervisor struct {
	mu     sync.Mutex
	bots   map[int64]*runningBot
	pool   *concurrency.WorkerPool
	logger logging.Logger
}

// New constructs a Supervisor backed by a worker pool sized for one
// supervised background task per concurrently running bot. NonBlocking is
// set because each task runs for the bot's entire lifetime: once the pool
// is saturated a blocking Submit would never return, hanging StartBot's
// caller instead of reporting that capacity is exhausted.
func New(logger logging.Logger) *Supervisor {
	scoped := logger.WithField("component", "supervisor")
	return &Supervisor{
		bots:   make(map[int64]*runningBot),
		pool:   concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "supervisor", MaxWorkers: 64, MaxCapacity: 256, NonBlocking: true}, scoped),
		logger: scoped,
	}
}

// StartBot launches strategy as a supervised background task for botID. If
// botID is already running, it is stopped first, per §4.G.
func (s *Supervisor) StartBot(ctx context.Context, botID int64, strategy Strategy) error {
	s.mu.Lock()
	existing, running := s.bots[botID]
	s.mu.Unlock()
	if running {
		if err := s.stopRunning(ctx, botID, existing); err != nil {
			return fmt.Errorf("stop existing bot %d before restart: %w", botID, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rb := &runningBot{strategy: strategy, cancel: cancel, startedAt: time.Now(), done: make(chan struct{})}

	s.mu.Lock()
	s.bots[botID] = rb
	s.mu.Unlock()

	err := s.pool.Submit(func() {
		defer close(rb.done)
		if runErr := strategy.ExecuteStrategy(runCtx); runErr != nil {
			s.logger.Error("strategy exited with error", "bot_id", botID, "error", runErr.Error())
		}
	})
	if err != nil {
		cancel()
		s.mu.Lock()
		delete(s.bots, botID)
		s.mu.Unlock()
		return fmt.Errorf("submit strategy task: %w", err)
	}
	return nil
}

// StopBot calls StopStrategy, removes the registry entry, and cancels the
// background task's context. Idempotent: stopping an unknown bot is a no-op.
func (s *Supervisor) StopBot(ctx context.Context, botID int64) error {
	s.mu.Lock()
	rb, ok := s.bots[botID]
	if ok {
		delete(s.bots, botID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.stopRunning(ctx, botID, rb)
}

func (s *Supervisor) stopRunning(ctx context.Context, botID int64, rb *runningBot) error {
	err := rb.strategy.StopStrategy(ctx)
	rb.cancel()
	return err
}

// GetCurrentParameters returns the strategy's status snapshot merged with
// running_time, or (nil, false) if botID is not running.
func (s *Supervisor) GetCurrentParameters(botID int64) (map[string]interface{}, bool) {
	s.mu.Lock()
	rb, ok := s.bots[botID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	params := rb.strategy.StatusMap()
	params["running_time_seconds"] = time.Since(rb.startedAt).Seconds()
	return params, true
}

// IsRunning reports whether botID has a live registry entry.
func (s *Supervisor) IsRunning(botID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bots[botID]
	return ok
}

// RunningBotIDs returns the bot IDs currently registered, for fan-out
// iteration and graceful shutdown.
func (s *Supervisor) RunningBotIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.bots))
	for id := range s.bots {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every registered bot and waits for the worker pool to
// drain, per §5's "Graceful shutdown: SIGINT/SIGTERM triggers stop_bot on
// every registered bot."
func (s *Supervisor) Shutdown(ctx context.Context) {
	for _, botID := range s.RunningBotIDs() {
		if err := s.StopBot(ctx, botID); err != nil {
			s.logger.Error("stop bot during shutdown failed", "bot_id", botID, "error", err.Error())
		}
	}
	s.pool.Stop()
}
