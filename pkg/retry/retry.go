// Package retry provides a small functional retry helper for single-shot
// transient-error recovery, used where a full failsafe-go policy object
// would be overkill (the timestamp-skew retry-once contract of §4.A).
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds a retry loop's attempt count and backoff growth.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy retries up to 3 times with exponential backoff capped at 2s.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc classifies an error as worth retrying.
type IsTransientFunc func(error) bool

// Do runs fn, retrying while isTransient(err) and attempts remain, with
// jittered exponential backoff between attempts. It returns the last error
// on exhaustion or ctx cancellation.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func(attempt int) error) error {
	backoff := policy.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) || attempt == policy.MaxAttempts {
			return lastErr
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		wait := backoff + jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}

	return lastErr
}

// Once runs fn, and if it fails and isTransient(err), retries exactly one
// more time after a fixed delay. Grounds the §4.A "-1021 triggers one
// automatic retry" contract, where no backoff schedule is needed.
func Once(ctx context.Context, delay time.Duration, isTransient IsTransientFunc, fn func(attempt int) error) error {
	err := fn(1)
	if err == nil || !isTransient(err) {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	return fn(2)
}
