package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gridbot.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetBot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	bot := &domain.Bot{
		Type:      domain.BotTypeGrid,
		Symbol:    "BTCUSDT",
		APIKey:    "key",
		APISecret: "secret",
		Testnet:   true,
	}
	id, err := s.CreateBot(ctx, bot)
	require.NoError(t, err)
	assert.NotZero(t, id)

	loaded, err := s.GetBot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", loaded.Symbol)
	assert.Equal(t, domain.BotStatusActive, loaded.Status)
	assert.True(t, loaded.Testnet)
}

func TestGetBotNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetBot(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetBotStatusAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateBot(ctx, &domain.Bot{Type: domain.BotTypeGrid, Symbol: "ETHUSDT"})
	require.NoError(t, err)

	require.NoError(t, s.SetBotStatus(ctx, id, domain.BotStatusInactive))
	loaded, err := s.GetBot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusInactive, loaded.Status)

	require.NoError(t, s.DeleteBot(ctx, id))
	_, err = s.GetBot(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActiveOrderLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateBot(ctx, &domain.Bot{Type: domain.BotTypeGrid, Symbol: "BTCUSDT"})
	require.NoError(t, err)

	order := &domain.ActiveOrder{
		OrderID:   1001,
		BotID:     id,
		OrderType: domain.OrderSideBuy,
		IsInitial: true,
		Price:     decimal.NewFromFloat(65000.50),
		Quantity:  decimal.NewFromFloat(0.01),
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.PutActiveOrder(ctx, order))

	orders, err := s.ListActiveOrders(ctx, id, true)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.True(t, orders[0].Price.Equal(decimal.NewFromFloat(65000.50)))

	require.NoError(t, s.DeleteActiveOrder(ctx, id, 1001))
	orders, err = s.ListActiveOrders(ctx, id, false)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestOrderHistoryStatusTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateBot(ctx, &domain.Bot{Type: domain.BotTypeGrid, Symbol: "BTCUSDT"})
	require.NoError(t, err)

	h := &domain.OrderHistory{
		OrderID:   42,
		BotID:     id,
		OrderType: domain.OrderSideSell,
		Price:     decimal.NewFromInt(100),
		Quantity:  decimal.NewFromInt(1),
		Status:    domain.OrderStatusOpen,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.PutOrderHistory(ctx, h))
	require.NoError(t, s.UpdateOrderHistoryStatus(ctx, id, 42, domain.OrderStatusFilled))

	list, err := s.ListOrderHistory(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.OrderStatusFilled, list[0].Status)
}

func TestTradeHistoryOpenAndClose(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateBot(ctx, &domain.Bot{Type: domain.BotTypeGrid, Symbol: "BTCUSDT"})
	require.NoError(t, err)

	buyPrice := decimal.NewFromInt(100)
	qty := decimal.NewFromInt(2)

	tradeID, err := s.PutTradeHistory(ctx, &domain.TradeHistory{
		BotID:       id,
		TradeType:   domain.TradeTypeBuySell,
		BuyPrice:    buyPrice,
		SellPrice:   decimal.NewFromInt(110),
		Quantity:    qty,
		Profit:      decimal.Zero,
		ProfitAsset: "USDT",
		Status:      domain.TradeStatusOpen,
		BuyOrderID:  1,
		SellOrderID: 2,
		ExecutedAt:  time.Now(),
	})
	require.NoError(t, err)

	found, err := s.FindOpenTrade(ctx, id, buyPrice, qty)
	require.NoError(t, err)
	assert.Equal(t, tradeID, found.ID)

	require.NoError(t, s.CloseTrade(ctx, tradeID, decimal.NewFromInt(20)))

	history, err := s.ListTradeHistory(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.TradeStatusClosed, history[0].Status)
	assert.True(t, history[0].Profit.Equal(decimal.NewFromInt(20)))
}

func TestFindOpenTradeNotFoundIsNotAnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateBot(ctx, &domain.Bot{Type: domain.BotTypeGrid, Symbol: "BTCUSDT"})
	require.NoError(t, err)

	_, err = s.FindOpenTrade(ctx, id, decimal.NewFromInt(999), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGridBotConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateBot(ctx, &domain.Bot{Type: domain.BotTypeGrid, Symbol: "BTCUSDT"})
	require.NoError(t, err)

	cfg := &GridBotConfig{
		BotID:                   id,
		AssetAFunds:             decimal.NewFromInt(1000),
		AssetBFunds:             decimal.NewFromFloat(0.5),
		Grids:                   10,
		DeviationThreshold:      decimal.NewFromFloat(0.05),
		GrowthFactor:            decimal.Zero,
		UseGranularDistribution: false,
	}
	require.NoError(t, s.SaveGridBotConfig(ctx, cfg))
	require.NoError(t, s.UpdateInitialPrice(ctx, id, decimal.NewFromInt(65000)))

	loaded, err := s.GetGridBotConfig(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 10, loaded.Grids)
	assert.True(t, loaded.InitialPrice.Equal(decimal.NewFromInt(65000)))
}
