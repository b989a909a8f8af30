// Package engine implements the Grid Strategy Engine (§4.E), the core
// per-bot state machine: grid initialization, steady-state fill scanning,
// counter-order placement, profit realization, and grid reset.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"

	"gridbot/internal/domain"
	"gridbot/internal/exchange"
	"gridbot/internal/pricestream"
	"gridbot/internal/safety"
	"gridbot/internal/store"
	"gridbot/pkg/logging"
)

const (
	iterationPace      = 1 * time.Second
	initialBatchSize   = 5
	initialBatchPause  = 1 * time.Second
	counterMaxAttempts = 10
	expiredPriceBumpUp = "1.0001"
	expiredPriceBumpDn = "0.9999"
)

// errStoppedBeforeReady marks StopStrategy having fired while
// ExecuteStrategy was still waiting out the price-stream warm-up window —
// a normal shutdown path, not a failure.
var errStoppedBeforeReady = errors.New("engine: stopped before first price tick")

// Config is the construction contract of §4.E's "Public contract" section.
type Config struct {
	BotID      int64
	Symbol     string
	BaseAsset  string
	QuoteAsset string

	AssetAFunds decimal.Decimal // quote
	AssetBFunds decimal.Decimal // base

	Grids                   int
	DeviationThreshold      decimal.Decimal
	GrowthFactor            decimal.Decimal
	UseGranularDistribution bool

	// Advisory flags the current design does not act on; preserved as
	// metadata only, per §4.E and the Open Question decisions in DESIGN.md.
	TrailPrice          bool
	OnlyProfitableTrades bool
}

// position is in-memory bookkeeping for one still-open initial order.
type position struct {
	orderID  int64
	price    decimal.Decimal
	quantity decimal.Decimal
}

// openTrade mirrors a TradeHistory row with status OPEN, tracked in memory
// so the steady-state loop does not need a store round trip to know which
// counter legs to poll.
type openTrade struct {
	tradeID     int64
	tradeType   domain.TradeType
	buyOrderID  int64
	sellOrderID int64
	buyPrice    decimal.Decimal
	sellPrice   decimal.Decimal
	quantity    decimal.Decimal
}

// Status is the freshly-derived snapshot returned by GetStrategyStatus.
type Status struct {
	BotID               int64
	Symbol              string
	Running             bool
	InitialPrice        decimal.Decimal
	LastPrice           decimal.Decimal
	OpenBuyPositions    int
	OpenSellPositions   int
	OpenTrades          int
	RealizedProfitQuote decimal.Decimal
	RealizedProfitBase  decimal.Decimal
}

// Engine runs one bot's grid strategy. Not safe for concurrent
// ExecuteStrategy calls; the Bot Supervisor enforces one instance per bot_id.
type Engine struct {
	cfg    Config
	ex     exchange.Exchange
	store  *store.Store
	stream *pricestream.Stream
	logger logging.Logger

	counterRetry failsafe.Executor[*exchange.OrderAck]

	mu            sync.Mutex
	running       bool
	initialPrice  decimal.Decimal
	lastPrice     decimal.Decimal
	step          decimal.Decimal
	buyPositions  map[int64]position
	sellPositions map[int64]position
	openTrades    []openTrade

	realizedProfitQuote decimal.Decimal
	realizedProfitBase  decimal.Decimal

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs an Engine, running the Balance Precheck before returning
// — per §4.E's precondition, no order is placed until funds are confirmed.
func New(ctx context.Context, cfg Config, ex exchange.Exchange, st *store.Store, stream *pricestream.Stream, checker *safety.Checker, logger logging.Logger) (*Engine, error) {
	if err := checker.CheckBalances(ctx, ex, cfg.BaseAsset, cfg.QuoteAsset, cfg.AssetBFunds, cfg.AssetAFunds); err != nil {
		return nil, fmt.Errorf("balance precheck: %w", err)
	}

	retryPolicy := retrypolicy.NewBuilder[*exchange.OrderAck]().
		HandleIf(func(ack *exchange.OrderAck, err error) bool { return err != nil }).
		WithBackoff(200*time.Millisecond, 5*time.Second).
		WithMaxRetries(counterMaxAttempts).
		Build()

	return &Engine{
		cfg:           cfg,
		ex:            ex,
		store:         st,
		stream:        stream,
		logger:        logger.WithField("bot_id", cfg.BotID).WithField("symbol", cfg.Symbol),
		counterRetry:  failsafe.With[*exchange.OrderAck](retryPolicy),
		buyPositions:  make(map[int64]position),
		sellPositions: make(map[int64]position),
		stopCh:        make(chan struct{}),
	}, nil
}

// ExecuteStrategy runs until StopStrategy is called or ctx is canceled.
// Intended to be launched as a supervised background task.
func (e *Engine) ExecuteStrategy(ctx context.Context) error {
	price, err := e.awaitFirstPrice(ctx)
	if errors.Is(err, errStoppedBeforeReady) {
		return nil
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()

	if err := e.initializeGrid(ctx, price); err != nil {
		return fmt.Errorf("grid initialization: %w", err)
	}

	ticker := time.NewTicker(iterationPace)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopCh:
			return nil
		case <-ticker.C:
		}

		price, ok := e.stream.CurrentPrice()
		if !ok {
			continue
		}

		e.mu.Lock()
		unchanged := price.Equal(e.lastPrice)
		e.lastPrice = price
		e.mu.Unlock()
		if unchanged {
			continue
		}

		e.runIteration(ctx, price)
	}
}

func (e *Engine) awaitFirstPrice(ctx context.Context) (decimal.Decimal, error) {
	for {
		if price, ok := e.stream.CurrentPrice(); ok {
			return price, nil
		}
		select {
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		case <-e.stopCh:
			return decimal.Zero, errStoppedBeforeReady
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (e *Engine) runIteration(ctx context.Context, price decimal.Decimal) {
	e.mu.Lock()
	initialPrice := e.initialPrice
	deviation := price.Sub(initialPrice).Div(initialPrice)
	breach := deviation.Abs().GreaterThanOrEqual(e.cfg.DeviationThreshold)
	e.mu.Unlock()

	if breach {
		e.logger.Info("deviation threshold breached, resetting grid", "deviation", deviation.String(), "price", price.String())
		if err := e.gridReset(ctx, price); err != nil {
			e.logger.Error("grid reset failed", "error", err.Error())
		}
		return
	}

	e.scanInitialBuys(ctx)
	e.scanInitialSells(ctx)
	e.scanOpenTrades(ctx)
}

// StopStrategy sets the stop flag, cancels all open exchange orders for the
// symbol, deletes ActiveOrder rows, clears ephemeral state, stops the price
// stream, closes the per-bot logger, and closes the gateway. Idempotent.
func (e *Engine) StopStrategy(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		close(e.stopCh)

		if _, cancelErr := e.ex.CancelAllOpen(ctx, e.cfg.Symbol, nil); cancelErr != nil {
			e.logger.Error("cancel all open orders failed", "error", cancelErr.Error())
		}
		if delErr := e.store.DeleteAllActiveOrders(ctx, e.cfg.BotID); delErr != nil {
			e.logger.Error("delete active orders failed", "error", delErr.Error())
		}

		e.mu.Lock()
		e.running = false
		e.buyPositions = make(map[int64]position)
		e.sellPositions = make(map[int64]position)
		e.openTrades = nil
		e.mu.Unlock()

		e.stream.Stop()
		if closer, ok := e.logger.(interface{ Close() }); ok {
			closer.Close()
		}
		err = e.ex.Close()
	})
	return err
}

// GetStrategyStatus returns a freshly derived snapshot; never cached.
func (e *Engine) GetStrategyStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		BotID:               e.cfg.BotID,
		Symbol:              e.cfg.Symbol,
		Running:             e.running,
		InitialPrice:        e.initialPrice,
		LastPrice:           e.lastPrice,
		OpenBuyPositions:    len(e.buyPositions),
		OpenSellPositions:   len(e.sellPositions),
		OpenTrades:          len(e.openTrades),
		RealizedProfitQuote: e.realizedProfitQuote,
		RealizedProfitBase:  e.realizedProfitBase,
	}
}

// StatusMap adapts GetStrategyStatus to the Supervisor's transport-neutral
// parameter snapshot (§4.G get_current_parameters), since the WS fan-out
// and HTTP surface both deal in JSON-shaped maps, not concrete structs.
func (e *Engine) StatusMap() map[string]interface{} {
	s := e.GetStrategyStatus()
	return map[string]interface{}{
		"bot_id":                s.BotID,
		"symbol":                s.Symbol,
		"running":               s.Running,
		"initial_price":         s.InitialPrice.String(),
		"last_price":            s.LastPrice.String(),
		"open_buy_positions":    s.OpenBuyPositions,
		"open_sell_positions":   s.OpenSellPositions,
		"open_trades":           s.OpenTrades,
		"realized_profit_quote": s.RealizedProfitQuote.String(),
		"realized_profit_base":  s.RealizedProfitBase.String(),
	}
}
