package gridvariant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/domain"
	"gridbot/internal/engine"
	"gridbot/internal/exchange"
	"gridbot/internal/pricestream"
	"gridbot/internal/safety"
	"gridbot/internal/store"
	"gridbot/pkg/logging"
)

const sellLadderIterationPace = 1 * time.Second

var errSellLadderStoppedBeforeReady = errors.New("gridvariant: sell ladder stopped before first price tick")

// SellLadderConfig is the construction contract for the Sell Ladder variant.
type SellLadderConfig struct {
	BotID      int64
	Symbol     string
	BaseAsset  string
	QuoteAsset string

	MinPrice          decimal.Decimal
	MaxPrice          decimal.Decimal
	Levels            int
	BatchSize         decimal.Decimal // base-asset quantity per level
	ResetThresholdPct decimal.Decimal // percent, e.g. 5 for a 5% drop
}

// SellLadderStatus is the freshly derived snapshot returned by Status.
type SellLadderStatus struct {
	BotID           int64
	Symbol          string
	Running         bool
	LastPrice       decimal.Decimal
	LastFilledPrice decimal.Decimal
	ActiveLevels    int
	FilledCount     int
}

// SellLadderEngine runs a static sell wall: one order per level, re-seeded
// once price drops below the last fill by the reset threshold, per §4.F.
type SellLadderEngine struct {
	cfg    SellLadderConfig
	ex     exchange.Exchange
	store  *store.Store
	stream *pricestream.Stream
	logger logging.Logger

	levelPrices []decimal.Decimal

	mu              sync.Mutex
	running         bool
	lastPrice       decimal.Decimal
	lastFilledPrice decimal.Decimal
	filledCount     int
	// activeByLevel maps a level index to the order currently resting there;
	// a missing entry means that level needs to be (re)seeded.
	activeByLevel map[int]int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSellLadder runs the Balance Precheck against the total base inventory
// the ladder commits (levels * batch_size) and builds the evenly-spaced
// level prices.
func NewSellLadder(ctx context.Context, cfg SellLadderConfig, ex exchange.Exchange, st *store.Store, stream *pricestream.Stream, checker *safety.Checker, logger logging.Logger) (*SellLadderEngine, error) {
	if cfg.Levels <= 0 {
		return nil, errors.New("gridvariant: sell ladder requires at least one level")
	}
	totalBase := cfg.BatchSize.Mul(decimal.NewFromInt(int64(cfg.Levels)))
	if err := checker.CheckBalances(ctx, ex, cfg.BaseAsset, cfg.QuoteAsset, totalBase, decimal.Zero); err != nil {
		return nil, fmt.Errorf("balance precheck: %w", err)
	}

	return &SellLadderEngine{
		cfg:           cfg,
		ex:            ex,
		store:         st,
		stream:        stream,
		logger:        logger.WithField("bot_id", cfg.BotID).WithField("symbol", cfg.Symbol).WithField("variant", "sellladder"),
		levelPrices:   evenlySpacedLevels(cfg.MinPrice, cfg.MaxPrice, cfg.Levels),
		activeByLevel: make(map[int]int64),
		stopCh:        make(chan struct{}),
	}, nil
}

// evenlySpacedLevels returns cfg.Levels prices spaced evenly across
// [minPrice, maxPrice], inclusive of both endpoints when levels > 1.
func evenlySpacedLevels(minPrice, maxPrice decimal.Decimal, levels int) []decimal.Decimal {
	prices := make([]decimal.Decimal, levels)
	if levels == 1 {
		prices[0] = minPrice
		return prices
	}
	span := maxPrice.Sub(minPrice)
	step := span.Div(decimal.NewFromInt(int64(levels - 1)))
	for i := 0; i < levels; i++ {
		prices[i] = minPrice.Add(step.Mul(decimal.NewFromInt(int64(i))))
	}
	return prices
}

// ExecuteStrategy seeds every level, then polls for fills and drop-reseeds.
func (e *SellLadderEngine) ExecuteStrategy(ctx context.Context) error {
	price, err := e.awaitFirstPrice(ctx)
	if errors.Is(err, errSellLadderStoppedBeforeReady) {
		return nil
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.running = true
	e.lastPrice = price
	e.mu.Unlock()

	e.seedLevels(ctx, price)

	ticker := time.NewTicker(sellLadderIterationPace)
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
		e.lastPrice = price
		e.mu.Unlock()

		e.scanFills(ctx)
		e.maybeReseed(ctx, price)
	}
}

func (e *SellLadderEngine) awaitFirstPrice(ctx context.Context) (decimal.Decimal, error) {
	for {
		if price, ok := e.stream.CurrentPrice(); ok {
			return price, nil
		}
		select {
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		case <-e.stopCh:
			return decimal.Zero, errSellLadderStoppedBeforeReady
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// seedLevels places a sell at every level that has no resting order, at or
// above the current price (no sense resting a sell below market on first seed).
func (e *SellLadderEngine) seedLevels(ctx context.Context, currentPrice decimal.Decimal) {
	for i, levelPrice := range e.levelPrices {
		e.mu.Lock()
		_, active := e.activeByLevel[i]
		e.mu.Unlock()
		if active {
			continue
		}
		if levelPrice.LessThan(currentPrice) {
			continue
		}
		e.placeLevel(ctx, i, levelPrice)
	}
}

func (e *SellLadderEngine) placeLevel(ctx context.Context, level int, price decimal.Decimal) {
	filters, err := e.ex.GetSymbolFilters(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.Error("symbol filters failed", "level", level, "error", err.Error())
		return
	}
	roundedPrice, roundedQty, err := engine.ValidateAndRound(filters, price, e.cfg.BatchSize)
	if err != nil {
		e.logger.Error("level rejected by filters", "level", level, "price", price.String(), "error", err.Error())
		return
	}
	ack, err := e.ex.PlaceLimitOrder(ctx, exchange.PlaceOrderRequest{
		Symbol: e.cfg.Symbol, Side: exchange.SideSell, Quantity: roundedQty, Price: roundedPrice, TimeInForce: exchange.TIFGTC,
	})
	if err != nil {
		e.logger.Error("place level order failed", "level", level, "error", err.Error())
		return
	}

	now := time.Now()
	if err := e.store.PutActiveOrder(ctx, &domain.ActiveOrder{
		OrderID: ack.OrderID, BotID: e.cfg.BotID, OrderType: domain.OrderSideSell, IsInitial: true, Price: ack.Price, Quantity: ack.OrigQty, CreatedAt: now,
	}); err != nil {
		e.logger.Error("put active order failed", "order_id", ack.OrderID, "error", err.Error())
	}
	if err := e.store.PutOrderHistory(ctx, &domain.OrderHistory{
		OrderID: ack.OrderID, BotID: e.cfg.BotID, OrderType: domain.OrderSideSell, IsInitial: true, Price: ack.Price, Quantity: ack.OrigQty,
		Status: domain.OrderStatusOpen, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		e.logger.Error("put order history failed", "order_id", ack.OrderID, "error", err.Error())
	}

	e.mu.Lock()
	e.activeByLevel[level] = ack.OrderID
	e.mu.Unlock()
}

func (e *SellLadderEngine) scanFills(ctx context.Context) {
	e.mu.Lock()
	snapshot := make(map[int]int64, len(e.activeByLevel))
	for level, orderID := range e.activeByLevel {
		snapshot[level] = orderID
	}
	e.mu.Unlock()

	for level, orderID := range snapshot {
		status, err := e.ex.GetOrderStatus(ctx, e.cfg.Symbol, orderID)
		if err != nil {
			e.logger.Error("get order status failed", "order_id", orderID, "error", err.Error())
			continue
		}
		if status != exchange.StatusFilled {
			continue
		}

		levelPrice := e.levelPrices[level]
		if err := e.store.UpdateOrderHistoryStatus(ctx, e.cfg.BotID, orderID, domain.OrderStatusFilled); err != nil {
			e.logger.Error("update order history failed", "order_id", orderID, "error", err.Error())
		}
		if err := e.store.DeleteActiveOrder(ctx, e.cfg.BotID, orderID); err != nil {
			e.logger.Error("delete active order failed", "order_id", orderID, "error", err.Error())
		}
		// Single-leg record: the ladder has no buy side, so the trade opens
		// and closes on the same fill, profit left at zero (no cost basis).
		if _, err := e.store.PutTradeHistory(ctx, &domain.TradeHistory{
			BotID: e.cfg.BotID, TradeType: domain.TradeTypeSellBuy, SellPrice: levelPrice, Quantity: e.cfg.BatchSize,
			Status: domain.TradeStatusClosed, ProfitAsset: e.cfg.QuoteAsset, SellOrderID: orderID, ExecutedAt: time.Now(),
		}); err != nil {
			e.logger.Error("put trade history failed", "order_id", orderID, "error", err.Error())
		}

		e.mu.Lock()
		delete(e.activeByLevel, level)
		e.filledCount++
		if levelPrice.GreaterThan(e.lastFilledPrice) || e.lastFilledPrice.IsZero() {
			e.lastFilledPrice = levelPrice
		}
		e.mu.Unlock()
	}
}

// maybeReseed re-seeds missing levels at or below currentPrice once the
// market has dropped past the reset threshold from the last fill.
func (e *SellLadderEngine) maybeReseed(ctx context.Context, currentPrice decimal.Decimal) {
	e.mu.Lock()
	lastFilled := e.lastFilledPrice
	e.mu.Unlock()
	if lastFilled.IsZero() {
		return
	}

	resetLine := lastFilled.Mul(decimal.NewFromInt(1).Sub(e.cfg.ResetThresholdPct.Div(decimal.NewFromInt(100))))
	if currentPrice.GreaterThanOrEqual(resetLine) {
		return
	}

	for i, levelPrice := range e.levelPrices {
		if levelPrice.GreaterThan(currentPrice) {
			continue
		}
		e.mu.Lock()
		_, active := e.activeByLevel[i]
		e.mu.Unlock()
		if active {
			continue
		}
		e.placeLevel(ctx, i, levelPrice)
	}
}

// StopStrategy cancels every resting level order and tears down the price
// stream and the exchange session. Idempotent.
func (e *SellLadderEngine) StopStrategy(ctx context.Context) error {
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
		e.activeByLevel = make(map[int]int64)
		e.mu.Unlock()
		e.stream.Stop()
		err = e.ex.Close()
	})
	return err
}

// Status returns a freshly derived snapshot; never cached.
func (e *SellLadderEngine) Status() SellLadderStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return SellLadderStatus{
		BotID: e.cfg.BotID, Symbol: e.cfg.Symbol, Running: e.running,
		LastPrice: e.lastPrice, LastFilledPrice: e.lastFilledPrice,
		ActiveLevels: len(e.activeByLevel), FilledCount: e.filledCount,
	}
}

// StatusMap adapts Status to the Supervisor's transport-neutral snapshot.
func (e *SellLadderEngine) StatusMap() map[string]interface{} {
	s := e.Status()
	return map[string]interface{}{
		"bot_id": s.BotID, "symbol": s.Symbol, "running": s.Running,
		"last_price": s.LastPrice.String(), "last_filled_price": s.LastFilledPrice.String(),
		"active_levels": s.ActiveLevels, "filled_count": s.FilledCount,
	}
}
