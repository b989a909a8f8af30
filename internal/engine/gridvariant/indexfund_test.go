package gridvariant

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/domain"
	"gridbot/internal/exchange"
	"gridbot/internal/pricestream"
	"gridbot/internal/safety"
	"gridbot/internal/store"
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

type fakeExchange struct {
	mu       sync.Mutex
	nextID   int64
	orders   map[int64]*exchange.OrderAck
	balances map[string]exchange.Balance
	filters  *exchange.SymbolFilters
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		orders: make(map[int64]*exchange.OrderAck),
		balances: map[string]exchange.Balance{
			"BTC":  {Free: decimal.NewFromInt(10)},
			"USDT": {Free: decimal.NewFromInt(100000)},
		},
		filters: &exchange.SymbolFilters{
			MinPrice: decimal.NewFromFloat(0.01), MaxPrice: decimal.NewFromInt(10000000), TickSize: decimal.NewFromFloat(0.01),
			MinQty: decimal.NewFromFloat(0.00001), MaxQty: decimal.NewFromInt(9000), StepSize: decimal.NewFromFloat(0.00001),
			MinNotional: decimal.NewFromFloat(0.01), MaxNotional: decimal.NewFromInt(9000000),
		},
	}
}

func (f *fakeExchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.NewFromInt(100), nil
}

func (f *fakeExchange) PlaceLimitOrder(ctx context.Context, req exchange.PlaceOrderRequest) (*exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	ack := &exchange.OrderAck{OrderID: f.nextID, Symbol: req.Symbol, Status: exchange.StatusNew, Price: req.Price, OrigQty: req.Quantity, Side: req.Side}
	f.orders[ack.OrderID] = ack
	return ack, nil
}

func (f *fakeExchange) CancelOrderIDs(ctx context.Context, symbol string, orderIDs []int64) ([]*exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var acks []*exchange.OrderAck
	for _, id := range orderIDs {
		if o, ok := f.orders[id]; ok {
			o.Status = exchange.StatusCanceled
			acks = append(acks, o)
		}
	}
	return acks, nil
}

func (f *fakeExchange) CancelAllOpen(ctx context.Context, symbol string, initialOnlyIDs []int64) ([]*exchange.OrderAck, error) {
	f.mu.Lock()
	var ids []int64
	for id, o := range f.orders {
		if o.Status == exchange.StatusNew || o.Status == exchange.StatusPartiallyFilled {
			ids = append(ids, id)
		}
	}
	f.mu.Unlock()
	return f.CancelOrderIDs(ctx, symbol, ids)
}

func (f *fakeExchange) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (exchange.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return "", errNotFound{}
	}
	return o.Status, nil
}

type errNotFound struct{}

func (errNotFound) Error() string { return "order not found" }

func (f *fakeExchange) GetAccountBalances(ctx context.Context) (map[string]exchange.Balance, error) {
	return f.balances, nil
}

func (f *fakeExchange) GetSymbolFilters(ctx context.Context, symbol string) (*exchange.SymbolFilters, error) {
	return f.filters, nil
}

func (f *fakeExchange) Close() error { return nil }

func (f *fakeExchange) fill(orderID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		o.Status = exchange.StatusFilled
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gridbot.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func indexFundConfig(botID int64) IndexFundConfig {
	return IndexFundConfig{
		BotID: botID, Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT",
		QuoteFunds: decimal.NewFromInt(1000), BaseFunds: decimal.NewFromFloat(1),
		Grids: 2, DeviationThreshold: decimal.NewFromFloat(0.1), IndexDeviationThreshold: decimal.NewFromFloat(0.2),
		GrowthFactor: decimal.Zero,
	}
}

func newTestIndexFund(t *testing.T, ex *fakeExchange, stream *pricestream.Stream) *IndexFundEngine {
	t.Helper()
	st := openTestStore(t)
	botID, err := st.CreateBot(context.Background(), &domain.Bot{Type: domain.BotTypeIndexFund, Symbol: "BTCUSDT", Status: domain.BotStatusActive})
	require.NoError(t, err)

	checker := safety.NewChecker(noopLogger{})
	eng, err := NewIndexFund(context.Background(), indexFundConfig(botID), ex, st, stream, checker, noopLogger{})
	require.NoError(t, err)
	return eng
}

func TestNewIndexFundComputesRatio(t *testing.T) {
	ex := newFakeExchange()
	stream := pricestream.New("ws://unused", noopLogger{})
	eng := newTestIndexFund(t, ex, stream)

	status := eng.Status()
	assert.True(t, status.Ratio.Equal(decimal.NewFromFloat(0.001)), "got %s", status.Ratio)
}

func TestAnchorGridPlacesLevelsOnBothSides(t *testing.T) {
	ex := newFakeExchange()
	stream := pricestream.New("ws://unused", noopLogger{})
	eng := newTestIndexFund(t, ex, stream)

	require.NoError(t, eng.anchorGrid(context.Background(), decimal.NewFromInt(100)))

	status := eng.Status()
	assert.Equal(t, 2, status.OpenBuyPositions)
	assert.Equal(t, 2, status.OpenSellPositions)
}

func TestScanInitialBuysOpensTradeAndPlacesCounterSell(t *testing.T) {
	ex := newFakeExchange()
	stream := pricestream.New("ws://unused", noopLogger{})
	eng := newTestIndexFund(t, ex, stream)
	require.NoError(t, eng.anchorGrid(context.Background(), decimal.NewFromInt(100)))

	eng.mu.Lock()
	var filledID int64
	for id := range eng.buyPositions {
		filledID = id
		break
	}
	eng.mu.Unlock()
	ex.fill(filledID)

	eng.scanInitialBuys(context.Background())

	status := eng.Status()
	assert.Equal(t, 1, status.OpenBuyPositions)
	assert.Equal(t, 1, status.OpenTrades)
}

func TestRebalanceFoldsProfitIntoFundsAndRecomputesRatio(t *testing.T) {
	ex := newFakeExchange()
	stream := pricestream.New("ws://unused", noopLogger{})
	eng := newTestIndexFund(t, ex, stream)

	eng.mu.Lock()
	eng.pendingProfitQuote = decimal.NewFromInt(100)
	eng.mu.Unlock()

	eng.rebalance()

	status := eng.Status()
	assert.True(t, status.QuoteFunds.Equal(decimal.NewFromInt(1100)), "got %s", status.QuoteFunds)
	assert.True(t, status.Ratio.LessThan(decimal.NewFromFloat(0.001)), "ratio should shrink after quote funds grow, got %s", status.Ratio)
}

func TestIndexFundStopStrategyIsIdempotent(t *testing.T) {
	ex := newFakeExchange()
	stream := pricestream.New("ws://unused", noopLogger{})
	eng := newTestIndexFund(t, ex, stream)
	require.NoError(t, eng.anchorGrid(context.Background(), decimal.NewFromInt(100)))

	require.NoError(t, eng.StopStrategy(context.Background()))
	require.NoError(t, eng.StopStrategy(context.Background()))

	status := eng.Status()
	assert.False(t, status.Running)
	assert.Equal(t, 0, status.OpenBuyPositions)
}
