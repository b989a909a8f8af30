// Package gridvariant implements the two Strategy Variants (§4.F) that
// reuse the base grid math but diverge on sizing and reset semantics:
// Index Fund (ratio-targeted rebalancing) and Sell Ladder (static sell
// wall, no buy side).
package gridvariant

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
	"gridbot/internal/engine"
	"gridbot/internal/exchange"
	"gridbot/internal/pricestream"
	"gridbot/internal/safety"
	"gridbot/internal/store"
	"gridbot/pkg/logging"
)

const (
	indexFundIterationPace  = 1 * time.Second
	indexFundBatchSize      = 5
	indexFundBatchPause     = 1 * time.Second
	indexFundCounterRetries = 10
)

var errIndexFundStoppedBeforeReady = errors.New("gridvariant: index fund stopped before first price tick")

// IndexFundConfig is the construction contract for the Index Fund variant.
type IndexFundConfig struct {
	BotID      int64
	Symbol     string
	BaseAsset  string
	QuoteAsset string

	QuoteFunds decimal.Decimal
	BaseFunds  decimal.Decimal

	Grids                   int
	DeviationThreshold      decimal.Decimal
	IndexDeviationThreshold decimal.Decimal
	GrowthFactor            decimal.Decimal
	UseGranularDistribution bool
}

type ifPosition struct {
	orderID  int64
	price    decimal.Decimal
	quantity decimal.Decimal
}

type ifOpenTrade struct {
	tradeID     int64
	tradeType   domain.TradeType
	buyOrderID  int64
	sellOrderID int64
	buyPrice    decimal.Decimal
	sellPrice   decimal.Decimal
	quantity    decimal.Decimal
}

// IndexFundStatus is the freshly derived snapshot returned by Status.
type IndexFundStatus struct {
	BotID             int64
	Symbol            string
	Running           bool
	InitialPrice      decimal.Decimal
	LastPrice         decimal.Decimal
	Ratio             decimal.Decimal
	QuoteFunds        decimal.Decimal
	BaseFunds         decimal.Decimal
	OpenBuyPositions  int
	OpenSellPositions int
	OpenTrades        int
}

// IndexFundEngine runs one bot's two-asset ratio-targeted grid. One
// instance per bot_id, enforced by the Supervisor.
type IndexFundEngine struct {
	cfg    IndexFundConfig
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
	ratio         decimal.Decimal
	quoteFunds    decimal.Decimal
	baseFunds     decimal.Decimal
	buyPositions  map[int64]ifPosition
	sellPositions map[int64]ifPosition
	openTrades    []ifOpenTrade

	// realized profit since the last rebalance, folded back into funds on
	// the next deviation-triggered reset per §4.F.
	pendingProfitQuote decimal.Decimal
	pendingProfitBase  decimal.Decimal

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewIndexFund runs the Balance Precheck and constructs the ratio r := base/quote.
func NewIndexFund(ctx context.Context, cfg IndexFundConfig, ex exchange.Exchange, st *store.Store, stream *pricestream.Stream, checker *safety.Checker, logger logging.Logger) (*IndexFundEngine, error) {
	if err := checker.CheckBalances(ctx, ex, cfg.BaseAsset, cfg.QuoteAsset, cfg.BaseFunds, cfg.QuoteFunds); err != nil {
		return nil, fmt.Errorf("balance precheck: %w", err)
	}
	if cfg.QuoteFunds.IsZero() {
		return nil, errors.New("gridvariant: quote_funds must be nonzero to compute an index ratio")
	}

	retryPolicy := retrypolicy.NewBuilder[*exchange.OrderAck]().
		HandleIf(func(ack *exchange.OrderAck, err error) bool { return err != nil }).
		WithBackoff(200*time.Millisecond, 5*time.Second).
		WithMaxRetries(indexFundCounterRetries).
		Build()

	return &IndexFundEngine{
		cfg:           cfg,
		ex:            ex,
		store:         st,
		stream:        stream,
		logger:        logger.WithField("bot_id", cfg.BotID).WithField("symbol", cfg.Symbol).WithField("variant", "indexfund"),
		counterRetry:  failsafe.With[*exchange.OrderAck](retryPolicy),
		ratio:         cfg.BaseFunds.Div(cfg.QuoteFunds),
		quoteFunds:    cfg.QuoteFunds,
		baseFunds:     cfg.BaseFunds,
		buyPositions:  make(map[int64]ifPosition),
		sellPositions: make(map[int64]ifPosition),
		stopCh:        make(chan struct{}),
	}, nil
}

// ExecuteStrategy runs until StopStrategy is called or ctx is canceled.
func (e *IndexFundEngine) ExecuteStrategy(ctx context.Context) error {
	price, err := e.awaitFirstPrice(ctx)
	if errors.Is(err, errIndexFundStoppedBeforeReady) {
		return nil
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()

	if err := e.anchorGrid(ctx, price); err != nil {
		return fmt.Errorf("index fund grid initialization: %w", err)
	}

	ticker := time.NewTicker(indexFundIterationPace)
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

func (e *IndexFundEngine) awaitFirstPrice(ctx context.Context) (decimal.Decimal, error) {
	for {
		if price, ok := e.stream.CurrentPrice(); ok {
			return price, nil
		}
		select {
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		case <-e.stopCh:
			return decimal.Zero, errIndexFundStoppedBeforeReady
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (e *IndexFundEngine) runIteration(ctx context.Context, price decimal.Decimal) {
	e.mu.Lock()
	initialPrice := e.initialPrice
	deviation := price.Sub(initialPrice).Div(initialPrice)
	breach := deviation.Abs().GreaterThanOrEqual(e.cfg.DeviationThreshold)
	e.mu.Unlock()

	if breach {
		e.logger.Info("deviation threshold breached, rebalancing and re-anchoring", "deviation", deviation.String(), "price", price.String())
		e.rebalance()
		if err := e.resetGrid(ctx, price); err != nil {
			e.logger.Error("index fund reset failed", "error", err.Error())
		}
		return
	}

	e.scanInitialBuys(ctx)
	e.scanInitialSells(ctx)
	e.scanOpenTrades(ctx)
}

// rebalance folds realized profit_a/profit_b into the tracked funds and
// recomputes the target ratio, per §4.F: "it first rebalances: applies
// realized profit_a/profit_b into the configured funds, recomputes r".
func (e *IndexFundEngine) rebalance() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quoteFunds = e.quoteFunds.Add(e.pendingProfitQuote)
	e.baseFunds = e.baseFunds.Add(e.pendingProfitBase)
	e.pendingProfitQuote = decimal.Zero
	e.pendingProfitBase = decimal.Zero
	if !e.quoteFunds.IsZero() {
		e.ratio = e.baseFunds.Div(e.quoteFunds)
	}
}

// anchorGrid lays the first grid; resetGrid cancels the surviving initial
// orders from the prior anchor and lays a fresh one at the same target.
func (e *IndexFundEngine) anchorGrid(ctx context.Context, price decimal.Decimal) error {
	step := engine.GridStep(price, e.cfg.DeviationThreshold, e.cfg.Grids)

	e.mu.Lock()
	e.initialPrice = price
	e.lastPrice = price
	e.step = step
	baseFunds := e.baseFunds
	e.mu.Unlock()

	if err := e.store.UpdateInitialPrice(ctx, e.cfg.BotID, price); err != nil {
		e.logger.Error("persist initial price failed", "error", err.Error())
	}

	// Targeted differential: ladders sized so that, if every level fills,
	// base_funds moves to base_funds*(1 ± index_deviation_threshold).
	targetBaseDelta := baseFunds.Mul(e.cfg.IndexDeviationThreshold)

	buyPrices := engine.BuyLevels(price, step, e.cfg.Grids)
	sellPrices := engine.SellLevels(price, step, e.cfg.Grids)
	baseSizes := engine.LevelSizes(targetBaseDelta, e.cfg.Grids, e.cfg.GrowthFactor, e.cfg.UseGranularDistribution)
	// The granular split sums to more than its input total; scale each ladder
	// back so it sums to exactly targetBaseDelta.
	sizeSum := decimal.Zero
	for _, s := range baseSizes {
		sizeSum = sizeSum.Add(s)
	}
	if sizeSum.IsPositive() {
		for i := range baseSizes {
			baseSizes[i] = baseSizes[i].Mul(targetBaseDelta).Div(sizeSum)
		}
	}

	var planned []plannedOrder
	for i, p := range buyPrices {
		planned = append(planned, plannedOrder{side: domain.OrderSideBuy, price: p, quantity: baseSizes[i]})
	}
	for i, p := range sellPrices {
		planned = append(planned, plannedOrder{side: domain.OrderSideSell, price: p, quantity: baseSizes[i]})
	}

	return e.placeBatch(ctx, planned)
}

func (e *IndexFundEngine) resetGrid(ctx context.Context, price decimal.Decimal) error {
	orders, err := e.store.ListActiveOrders(ctx, e.cfg.BotID, true)
	if err != nil {
		return fmt.Errorf("list active initial orders: %w", err)
	}
	var ids []int64
	for _, o := range orders {
		ids = append(ids, o.OrderID)
	}
	if len(ids) > 0 {
		acks, cancelErr := e.ex.CancelOrderIDs(ctx, e.cfg.Symbol, ids)
		if cancelErr != nil {
			e.logger.Error("cancel initial orders failed", "error", cancelErr.Error())
		}
		for _, ack := range acks {
			if err := e.store.UpdateOrderHistoryStatus(ctx, e.cfg.BotID, ack.OrderID, domain.OrderStatusCanceled); err != nil {
				e.logger.Error("update order history on reset failed", "order_id", ack.OrderID, "error", err.Error())
			}
			if err := e.store.DeleteActiveOrder(ctx, e.cfg.BotID, ack.OrderID); err != nil {
				e.logger.Error("delete active order on reset failed", "order_id", ack.OrderID, "error", err.Error())
			}
		}
	}

	e.mu.Lock()
	e.buyPositions = make(map[int64]ifPosition)
	e.sellPositions = make(map[int64]ifPosition)
	e.mu.Unlock()

	return e.anchorGrid(ctx, price)
}

type plannedOrder struct {
	side     domain.OrderSide
	price    decimal.Decimal
	quantity decimal.Decimal
}

func (e *IndexFundEngine) placeBatch(ctx context.Context, planned []plannedOrder) error {
	for i := 0; i < len(planned); i += indexFundBatchSize {
		end := i + indexFundBatchSize
		if end > len(planned) {
			end = len(planned)
		}
		for _, p := range planned[i:end] {
			if err := e.placeInitialOrder(ctx, p.side, p.price, p.quantity); err != nil {
				e.logger.Error("place initial order failed", "side", p.side, "price", p.price.String(), "error", err.Error())
			}
		}
		if end < len(planned) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.stopCh:
				return nil
			case <-time.After(indexFundBatchPause):
			}
		}
	}
	return nil
}

func (e *IndexFundEngine) placeInitialOrder(ctx context.Context, side domain.OrderSide, price, qty decimal.Decimal) error {
	roundedPrice, roundedQty, err := e.roundAndValidate(ctx, price, qty)
	if err != nil {
		return err
	}
	ack, err := e.ex.PlaceLimitOrder(ctx, exchange.PlaceOrderRequest{
		Symbol: e.cfg.Symbol, Side: toExchangeSide(side), Quantity: roundedQty, Price: roundedPrice, TimeInForce: exchange.TIFGTC,
	})
	if err != nil {
		return err
	}
	e.recordPlaced(ctx, side, ack, true)
	return nil
}

func (e *IndexFundEngine) roundAndValidate(ctx context.Context, price, qty decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	filters, err := e.ex.GetSymbolFilters(ctx, e.cfg.Symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("symbol filters: %w", err)
	}
	return engine.ValidateAndRound(filters, price, qty)
}

func toExchangeSide(s domain.OrderSide) exchange.Side {
	if s == domain.OrderSideBuy {
		return exchange.SideBuy
	}
	return exchange.SideSell
}

func (e *IndexFundEngine) recordPlaced(ctx context.Context, side domain.OrderSide, ack *exchange.OrderAck, isInitial bool) {
	now := time.Now()
	if err := e.store.PutActiveOrder(ctx, &domain.ActiveOrder{
		OrderID: ack.OrderID, BotID: e.cfg.BotID, OrderType: side, IsInitial: isInitial, Price: ack.Price, Quantity: ack.OrigQty, CreatedAt: now,
	}); err != nil {
		e.logger.Error("put active order failed", "order_id", ack.OrderID, "error", err.Error())
	}
	if err := e.store.PutOrderHistory(ctx, &domain.OrderHistory{
		OrderID: ack.OrderID, BotID: e.cfg.BotID, OrderType: side, IsInitial: isInitial, Price: ack.Price, Quantity: ack.OrigQty,
		Status: domain.OrderStatusOpen, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		e.logger.Error("put order history failed", "order_id", ack.OrderID, "error", err.Error())
	}

	if !isInitial {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := ifPosition{orderID: ack.OrderID, price: ack.Price, quantity: ack.OrigQty}
	if side == domain.OrderSideBuy {
		e.buyPositions[ack.OrderID] = pos
	} else {
		e.sellPositions[ack.OrderID] = pos
	}
}

func (e *IndexFundEngine) scanInitialBuys(ctx context.Context) {
	e.mu.Lock()
	snapshot := make([]ifPosition, 0, len(e.buyPositions))
	for _, p := range e.buyPositions {
		snapshot = append(snapshot, p)
	}
	step := e.step
	e.mu.Unlock()

	for _, buy := range snapshot {
		status, err := e.ex.GetOrderStatus(ctx, e.cfg.Symbol, buy.orderID)
		if err != nil {
			e.logger.Error("get order status failed", "order_id", buy.orderID, "error", err.Error())
			continue
		}
		if status != exchange.StatusFilled {
			continue
		}

		if err := e.store.UpdateOrderHistoryStatus(ctx, e.cfg.BotID, buy.orderID, domain.OrderStatusFilled); err != nil {
			e.logger.Error("update order history failed", "order_id", buy.orderID, "error", err.Error())
		}
		e.mu.Lock()
		delete(e.buyPositions, buy.orderID)
		e.mu.Unlock()
		if err := e.store.DeleteActiveOrder(ctx, e.cfg.BotID, buy.orderID); err != nil {
			e.logger.Error("delete active order failed", "order_id", buy.orderID, "error", err.Error())
		}

		sellPrice := buy.price.Add(step)
		ack, err := e.placeCounterOrder(ctx, domain.OrderSideSell, sellPrice, buy.quantity)
		if err != nil {
			e.logger.Error("counter sell placement exhausted", "buy_order_id", buy.orderID, "error", err.Error())
			continue
		}
		e.recordPlaced(ctx, domain.OrderSideSell, ack, false)

		tradeID, err := e.store.PutTradeHistory(ctx, &domain.TradeHistory{
			BotID: e.cfg.BotID, TradeType: domain.TradeTypeBuySell, BuyPrice: buy.price, SellPrice: sellPrice, Quantity: buy.quantity,
			Status: domain.TradeStatusOpen, ProfitAsset: e.cfg.QuoteAsset, BuyOrderID: buy.orderID, SellOrderID: ack.OrderID, ExecutedAt: time.Now(),
		})
		if err != nil {
			e.logger.Error("put trade history failed", "error", err.Error())
			continue
		}
		e.mu.Lock()
		e.openTrades = append(e.openTrades, ifOpenTrade{
			tradeID: tradeID, tradeType: domain.TradeTypeBuySell, buyOrderID: buy.orderID, sellOrderID: ack.OrderID,
			buyPrice: buy.price, sellPrice: sellPrice, quantity: buy.quantity,
		})
		e.mu.Unlock()
	}
}

func (e *IndexFundEngine) scanInitialSells(ctx context.Context) {
	e.mu.Lock()
	snapshot := make([]ifPosition, 0, len(e.sellPositions))
	for _, p := range e.sellPositions {
		snapshot = append(snapshot, p)
	}
	step := e.step
	e.mu.Unlock()

	for _, sell := range snapshot {
		status, err := e.ex.GetOrderStatus(ctx, e.cfg.Symbol, sell.orderID)
		if err != nil {
			e.logger.Error("get order status failed", "order_id", sell.orderID, "error", err.Error())
			continue
		}
		if status != exchange.StatusFilled {
			continue
		}

		if err := e.store.UpdateOrderHistoryStatus(ctx, e.cfg.BotID, sell.orderID, domain.OrderStatusFilled); err != nil {
			e.logger.Error("update order history failed", "order_id", sell.orderID, "error", err.Error())
		}
		e.mu.Lock()
		delete(e.sellPositions, sell.orderID)
		e.mu.Unlock()
		if err := e.store.DeleteActiveOrder(ctx, e.cfg.BotID, sell.orderID); err != nil {
			e.logger.Error("delete active order failed", "order_id", sell.orderID, "error", err.Error())
		}

		buyPrice := sell.price.Sub(step)
		ack, err := e.placeCounterOrder(ctx, domain.OrderSideBuy, buyPrice, sell.quantity)
		if err != nil {
			e.logger.Error("counter buy placement exhausted", "sell_order_id", sell.orderID, "error", err.Error())
			continue
		}
		e.recordPlaced(ctx, domain.OrderSideBuy, ack, false)

		tradeID, err := e.store.PutTradeHistory(ctx, &domain.TradeHistory{
			BotID: e.cfg.BotID, TradeType: domain.TradeTypeSellBuy, BuyPrice: buyPrice, SellPrice: sell.price, Quantity: sell.quantity,
			Status: domain.TradeStatusOpen, ProfitAsset: e.cfg.BaseAsset, BuyOrderID: ack.OrderID, SellOrderID: sell.orderID, ExecutedAt: time.Now(),
		})
		if err != nil {
			e.logger.Error("put trade history failed", "error", err.Error())
			continue
		}
		e.mu.Lock()
		e.openTrades = append(e.openTrades, ifOpenTrade{
			tradeID: tradeID, tradeType: domain.TradeTypeSellBuy, buyOrderID: ack.OrderID, sellOrderID: sell.orderID,
			buyPrice: buyPrice, sellPrice: sell.price, quantity: sell.quantity,
		})
		e.mu.Unlock()
	}
}

func (e *IndexFundEngine) placeCounterOrder(ctx context.Context, side domain.OrderSide, price, qty decimal.Decimal) (*exchange.OrderAck, error) {
	attemptPrice := price
	return e.counterRetry.GetWithExecution(func(exec failsafe.Execution[*exchange.OrderAck]) (*exchange.OrderAck, error) {
		roundedPrice, roundedQty, err := e.roundAndValidate(ctx, attemptPrice, qty)
		if err != nil {
			return nil, err
		}
		ack, err := e.ex.PlaceLimitOrder(ctx, exchange.PlaceOrderRequest{
			Symbol: e.cfg.Symbol, Side: toExchangeSide(side), Quantity: roundedQty, Price: roundedPrice, TimeInForce: exchange.TIFGTC,
		})
		if err != nil {
			return nil, err
		}
		if ack.Status == exchange.StatusExpiredInMatch {
			if side == domain.OrderSideBuy {
				attemptPrice = attemptPrice.Mul(decimal.RequireFromString("1.0001"))
			} else {
				attemptPrice = attemptPrice.Mul(decimal.RequireFromString("0.9999"))
			}
			return nil, errors.New("order expired in match, retrying with adjusted price")
		}
		return ack, nil
	})
}

func (e *IndexFundEngine) scanOpenTrades(ctx context.Context) {
	e.mu.Lock()
	snapshot := make([]ifOpenTrade, len(e.openTrades))
	copy(snapshot, e.openTrades)
	e.mu.Unlock()

	var remaining []ifOpenTrade
	for _, t := range snapshot {
		if e.tryCloseTrade(ctx, t) {
			continue
		}
		remaining = append(remaining, t)
	}
	e.mu.Lock()
	e.openTrades = remaining
	e.mu.Unlock()
}

func (e *IndexFundEngine) tryCloseTrade(ctx context.Context, t ifOpenTrade) bool {
	counterOrderID := t.sellOrderID
	if t.tradeType == domain.TradeTypeSellBuy {
		counterOrderID = t.buyOrderID
	}

	status, err := e.ex.GetOrderStatus(ctx, e.cfg.Symbol, counterOrderID)
	if err != nil {
		e.logger.Error("get counter order status failed", "order_id", counterOrderID, "error", err.Error())
		return false
	}
	if status != exchange.StatusFilled {
		return false
	}

	if err := e.store.UpdateOrderHistoryStatus(ctx, e.cfg.BotID, counterOrderID, domain.OrderStatusFilled); err != nil {
		e.logger.Error("update order history on close failed", "order_id", counterOrderID, "error", err.Error())
	}
	if err := e.store.DeleteActiveOrder(ctx, e.cfg.BotID, counterOrderID); err != nil {
		e.logger.Error("delete active order on close failed", "order_id", counterOrderID, "error", err.Error())
	}

	var profit decimal.Decimal
	var profitAsset string
	if t.tradeType == domain.TradeTypeBuySell {
		profit = t.sellPrice.Sub(t.buyPrice).Mul(t.quantity)
		profitAsset = e.cfg.QuoteAsset
	} else {
		profit = t.quantity.Mul(t.sellPrice.Div(t.buyPrice).Sub(decimal.NewFromInt(1)))
		profitAsset = e.cfg.BaseAsset
	}

	matched, err := e.store.FindOpenTrade(ctx, e.cfg.BotID, t.buyPrice, t.quantity)
	if err != nil {
		e.logger.Error("trade-close anomaly: no matching open trade", "bot_id", e.cfg.BotID, "buy_price", t.buyPrice.String(), "error", err.Error())
		return true
	}
	if err := e.store.CloseTrade(ctx, matched.ID, profit); err != nil {
		e.logger.Error("close trade failed", "trade_id", matched.ID, "error", err.Error())
		return true
	}

	e.mu.Lock()
	if profitAsset == e.cfg.QuoteAsset {
		e.pendingProfitQuote = e.pendingProfitQuote.Add(profit)
	} else {
		e.pendingProfitBase = e.pendingProfitBase.Add(profit)
	}
	e.mu.Unlock()
	return true
}

// StopStrategy mirrors the base grid engine's shutdown sequence, except that
// it does not close the logger. Idempotent.
func (e *IndexFundEngine) StopStrategy(ctx context.Context) error {
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
		e.buyPositions = make(map[int64]ifPosition)
		e.sellPositions = make(map[int64]ifPosition)
		e.openTrades = nil
		e.mu.Unlock()
		e.stream.Stop()
		err = e.ex.Close()
	})
	return err
}

// Status returns a freshly derived snapshot; never cached.
func (e *IndexFundEngine) Status() IndexFundStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return IndexFundStatus{
		BotID: e.cfg.BotID, Symbol: e.cfg.Symbol, Running: e.running,
		InitialPrice: e.initialPrice, LastPrice: e.lastPrice, Ratio: e.ratio,
		QuoteFunds: e.quoteFunds, BaseFunds: e.baseFunds,
		OpenBuyPositions: len(e.buyPositions), OpenSellPositions: len(e.sellPositions), OpenTrades: len(e.openTrades),
	}
}

// StatusMap adapts Status to the Supervisor's transport-neutral snapshot.
func (e *IndexFundEngine) StatusMap() map[string]interface{} {
	s := e.Status()
	return map[string]interface{}{
		"bot_id": s.BotID, "symbol": s.Symbol, "running": s.Running,
		"initial_price": s.InitialPrice.String(), "last_price": s.LastPrice.String(),
		"ratio": s.Ratio.String(), "quote_funds": s.QuoteFunds.String(), "base_funds": s.BaseFunds.String(),
		"open_buy_positions": s.OpenBuyPositions, "open_sell_positions": s.OpenSellPositions, "open_trades": s.OpenTrades,
	}
}
