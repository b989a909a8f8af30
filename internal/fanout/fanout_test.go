package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/domain"
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

type recordingSink struct {
	mu       sync.Mutex
	received []Message
}

func (r *recordingSink) Send(msg Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, msg)
	return true
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

type fakeStatusSource struct{ calls int32 }

func (f *fakeStatusSource) GetCurrentParameters(botID int64) (map[string]interface{}, bool) {
	atomic.AddInt32(&f.calls, 1)
	return map[string]interface{}{"bot_id": botID, "running": true}, true
}

type fakeStoreSource struct{}

func (fakeStoreSource) ListActiveOrders(ctx context.Context, botID int64, initialOnly bool) ([]*domain.ActiveOrder, error) {
	return nil, nil
}
func (fakeStoreSource) ListOrderHistory(ctx context.Context, botID int64, limit int) ([]*domain.OrderHistory, error) {
	return nil, nil
}
func (fakeStoreSource) ListTradeHistory(ctx context.Context, botID int64, limit int) ([]*domain.TradeHistory, error) {
	return nil, nil
}

type fakeKlineSource struct{}

func (fakeKlineSource) Candles(botID int64) (interface{}, bool) { return []float64{1, 2, 3}, true }

func newTestFanout() (*Fanout, *fakeStatusSource) {
	status := &fakeStatusSource{}
	return New(status, fakeStoreSource{}, fakeKlineSource{}, noopLogger{}), status
}

func TestSubscribeDedupesDuplicateSubscription(t *testing.T) {
	f, status := newTestFanout()
	sink := &recordingSink{}
	f.RegisterSink(sink)

	require.NoError(t, f.Subscribe(sink, 7, ChannelStatus))
	require.NoError(t, f.Subscribe(sink, 7, ChannelStatus))

	f.mu.Lock()
	w, ok := f.workers[subscriptionKey{botID: 7, channel: ChannelStatus}]
	f.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, 1, w.refs, "duplicate subscribe must not spawn a second worker")

	require.Eventually(t, func() bool { return atomic.LoadInt32(&status.calls) > 0 }, time.Second, 10*time.Millisecond)
}

func TestUnregisterSinkCancelsItsWorkers(t *testing.T) {
	f, _ := newTestFanout()
	sink := &recordingSink{}
	f.RegisterSink(sink)
	require.NoError(t, f.Subscribe(sink, 7, ChannelStatus))

	f.UnregisterSink(sink)

	f.mu.Lock()
	_, stillRunning := f.workers[subscriptionKey{botID: 7, channel: ChannelStatus}]
	f.mu.Unlock()
	assert.False(t, stillRunning)
}

func TestBroadcastReachesAllRegisteredSinks(t *testing.T) {
	f, _ := newTestFanout()
	a, b := &recordingSink{}, &recordingSink{}
	f.RegisterSink(a)
	f.RegisterSink(b)

	require.NoError(t, f.Subscribe(a, 1, ChannelCandlestickData))

	require.Eventually(t, func() bool { return a.count() > 0 && b.count() > 0 }, time.Second, 10*time.Millisecond)
}

func TestSubscribeFailsForUnregisteredSink(t *testing.T) {
	f, _ := newTestFanout()
	err := f.Subscribe(&recordingSink{}, 1, ChannelStatus)
	assert.Error(t, err)
}
