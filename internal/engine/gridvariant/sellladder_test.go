package gridvariant

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/domain"
	"gridbot/internal/pricestream"
	"gridbot/internal/safety"
)

func sellLadderConfig(botID int64) SellLadderConfig {
	return SellLadderConfig{
		BotID: botID, Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT",
		MinPrice: decimal.NewFromInt(90), MaxPrice: decimal.NewFromInt(110), Levels: 5,
		BatchSize: decimal.NewFromFloat(0.1), ResetThresholdPct: decimal.NewFromInt(5),
	}
}

func newTestSellLadder(t *testing.T, ex *fakeExchange, stream *pricestream.Stream) *SellLadderEngine {
	t.Helper()
	st := openTestStore(t)
	botID, err := st.CreateBot(context.Background(), &domain.Bot{Type: domain.BotTypeSellBot, Symbol: "BTCUSDT", Status: domain.BotStatusActive})
	require.NoError(t, err)

	checker := safety.NewChecker(noopLogger{})
	eng, err := NewSellLadder(context.Background(), sellLadderConfig(botID), ex, st, stream, checker, noopLogger{})
	require.NoError(t, err)
	return eng
}

func TestEvenlySpacedLevelsCoversEndpoints(t *testing.T) {
	levels := evenlySpacedLevels(decimal.NewFromInt(90), decimal.NewFromInt(110), 5)
	require.Len(t, levels, 5)
	assert.True(t, levels[0].Equal(decimal.NewFromInt(90)))
	assert.True(t, levels[4].Equal(decimal.NewFromInt(110)))
	assert.True(t, levels[2].Equal(decimal.NewFromInt(100)))
}

func TestEvenlySpacedLevelsSingleLevel(t *testing.T) {
	levels := evenlySpacedLevels(decimal.NewFromInt(90), decimal.NewFromInt(110), 1)
	require.Len(t, levels, 1)
	assert.True(t, levels[0].Equal(decimal.NewFromInt(90)))
}

func TestSeedLevelsPlacesOnlyAtOrAboveCurrentPrice(t *testing.T) {
	ex := newFakeExchange()
	stream := pricestream.New("ws://unused", noopLogger{})
	eng := newTestSellLadder(t, ex, stream)

	eng.seedLevels(context.Background(), decimal.NewFromInt(100))

	status := eng.Status()
	// levels 100, 105, 110 are >= 100; levels 90, 95 are below and skipped.
	assert.Equal(t, 3, status.ActiveLevels)
}

func TestScanFillsRecordsAndClearsLevel(t *testing.T) {
	ex := newFakeExchange()
	stream := pricestream.New("ws://unused", noopLogger{})
	eng := newTestSellLadder(t, ex, stream)
	eng.seedLevels(context.Background(), decimal.NewFromInt(100))

	eng.mu.Lock()
	var filledID int64
	for _, id := range eng.activeByLevel {
		filledID = id
		break
	}
	eng.mu.Unlock()
	ex.fill(filledID)

	eng.scanFills(context.Background())

	status := eng.Status()
	assert.Equal(t, 2, status.ActiveLevels)
	assert.Equal(t, 1, status.FilledCount)
	assert.False(t, status.LastFilledPrice.IsZero())
}

func TestMaybeReseedReplacesMissingLevelsBelowResetLine(t *testing.T) {
	ex := newFakeExchange()
	stream := pricestream.New("ws://unused", noopLogger{})
	eng := newTestSellLadder(t, ex, stream)
	eng.seedLevels(context.Background(), decimal.NewFromInt(100))

	eng.mu.Lock()
	eng.lastFilledPrice = decimal.NewFromInt(105)
	eng.mu.Unlock()

	// 5% below 105 is 99.75; dropping to 95 should trigger a reseed of
	// every level at or below 95 that currently has no resting order.
	eng.maybeReseed(context.Background(), decimal.NewFromInt(95))

	status := eng.Status()
	assert.GreaterOrEqual(t, status.ActiveLevels, 4)
}

func TestSellLadderStopStrategyIsIdempotent(t *testing.T) {
	ex := newFakeExchange()
	stream := pricestream.New("ws://unused", noopLogger{})
	eng := newTestSellLadder(t, ex, stream)
	eng.seedLevels(context.Background(), decimal.NewFromInt(100))

	require.NoError(t, eng.StopStrategy(context.Background()))
	require.NoError(t, eng.StopStrategy(context.Background()))

	status := eng.Status()
	assert.False(t, status.Running)
	assert.Equal(t, 0, status.ActiveLevels)
}
