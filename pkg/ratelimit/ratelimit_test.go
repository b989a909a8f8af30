package ratelimit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	sem := NewSemaphore(2)
	ctx := context.Background()

	require.NoError(t, sem.Acquire(ctx))
	require.NoError(t, sem.Acquire(ctx))

	acquired := make(chan struct{})
	go func() {
		require.NoError(t, sem.Acquire(ctx))
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("third acquire should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	sem.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("third acquire should have unblocked after release")
	}
}

func TestSemaphoreAcquireRespectsContextCancellation(t *testing.T) {
	sem := NewSemaphore(1)
	ctx := context.Background()
	require.NoError(t, sem.Acquire(ctx))

	cctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sem.Acquire(cctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLimiterThrottlesRate(t *testing.T) {
	l := NewLimiter(100)
	ctx := context.Background()

	var count int64
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx))
		atomic.AddInt64(&count, 1)
	}
	assert.EqualValues(t, 5, count)
}
