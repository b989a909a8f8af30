// Package ratelimit provides the exchange-call throttles used by the
// Exchange Gateway: a process-wide sliding-window limiter shared by every
// bot, and a per-bot semaphore bounding concurrent in-flight orders.
// Retargets the teacher's per-IP golang.org/x/time/rate usage in
// pkg/liveserver (one limiter per client IP) to a single shared limiter per
// exchange connection.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter wraps golang.org/x/time/rate.Limiter for the global exchange-call
// throttle (default 5 req/s per §5).
type Limiter struct {
	l *rate.Limiter
}

// NewLimiter creates a token-bucket limiter allowing ratePerSecond sustained
// requests with a burst of the same size.
func NewLimiter(ratePerSecond int) *Limiter {
	return &Limiter{l: rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond)}
}

// Wait blocks until a token is available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.l.Wait(ctx)
}

// Semaphore bounds the number of concurrent in-flight orders for a single
// bot (default 10, per §4.A).
type Semaphore struct {
	tokens chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity.
func NewSemaphore(capacity int) *Semaphore {
	return &Semaphore{tokens: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.tokens <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot.
func (s *Semaphore) Release() {
	<-s.tokens
}
