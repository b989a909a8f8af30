package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/pkg/logging"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{})                       {}
func (noopLogger) Info(string, ...interface{})                        {}
func (noopLogger) Warn(string, ...interface{})                        {}
func (noopLogger) Error(string, ...interface{})                       {}
func (noopLogger) Fatal(string, ...interface{})                       {}
func (n noopLogger) WithField(string, interface{}) logging.Logger     { return n }
func (n noopLogger) WithFields(map[string]interface{}) logging.Logger { return n }

// fakeStrategy blocks in ExecuteStrategy until its context is canceled,
// mirroring the real engines' ctx.Done()-driven loop exit.
type fakeStrategy struct {
	mu      sync.Mutex
	stopped bool
	started chan struct{}
}

func newFakeStrategy() *fakeStrategy {
	return &fakeStrategy{started: make(chan struct{}, 1)}
}

func (f *fakeStrategy) ExecuteStrategy(ctx context.Context) error {
	select {
	case f.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil
}

func (f *fakeStrategy) StopStrategy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeStrategy) StatusMap() map[string]interface{} {
	return map[string]interface{}{"running": true}
}

func (f *fakeStrategy) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func TestStartBotRegistersAndRuns(t *testing.T) {
	sup := New(noopLogger{})
	strat := newFakeStrategy()

	require.NoError(t, sup.StartBot(context.Background(), 1, strat))

	select {
	case <-strat.started:
	case <-time.After(time.Second):
		t.Fatal("strategy never started")
	}
	assert.True(t, sup.IsRunning(1))

	params, ok := sup.GetCurrentParameters(1)
	require.True(t, ok)
	assert.Contains(t, params, "running_time_seconds")
}

func TestStopBotIsIdempotentAndUnregisters(t *testing.T) {
	sup := New(noopLogger{})
	strat := newFakeStrategy()
	require.NoError(t, sup.StartBot(context.Background(), 2, strat))
	<-strat.started

	require.NoError(t, sup.StopBot(context.Background(), 2))
	assert.True(t, strat.wasStopped())
	assert.False(t, sup.IsRunning(2))

	// stopping again, and stopping an unknown bot, must not error.
	require.NoError(t, sup.StopBot(context.Background(), 2))
	require.NoError(t, sup.StopBot(context.Background(), 999))
}

func TestStartBotRestartsAnAlreadyRunningBot(t *testing.T) {
	sup := New(noopLogger{})
	first := newFakeStrategy()
	require.NoError(t, sup.StartBot(context.Background(), 3, first))
	<-first.started

	second := newFakeStrategy()
	require.NoError(t, sup.StartBot(context.Background(), 3, second))
	<-second.started

	assert.True(t, first.wasStopped())
	assert.True(t, sup.IsRunning(3))
}

func TestGetCurrentParametersNilForUnknownBot(t *testing.T) {
	sup := New(noopLogger{})
	_, ok := sup.GetCurrentParameters(42)
	assert.False(t, ok)
}

func TestShutdownStopsAllRegisteredBots(t *testing.T) {
	sup := New(noopLogger{})
	a, b := newFakeStrategy(), newFakeStrategy()
	require.NoError(t, sup.StartBot(context.Background(), 10, a))
	require.NoError(t, sup.StartBot(context.Background(), 11, b))
	<-a.started
	<-b.started

	sup.Shutdown(context.Background())

	assert.True(t, a.wasStopped())
	assert.True(t, b.wasStopped())
	assert.Empty(t, sup.RunningBotIDs())
}
