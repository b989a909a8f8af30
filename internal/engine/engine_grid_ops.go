package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/shopspring/decimal"

	"gridbot/internal/apperrors"
	"gridbot/internal/domain"
	"gridbot/internal/exchange"
)

type plannedOrder struct {
	side     domain.OrderSide
	price    decimal.Decimal
	quantity decimal.Decimal
}

// initializeGrid runs §4.E's "Initialization (first price tick only)".
func (e *Engine) initializeGrid(ctx context.Context, price decimal.Decimal) error {
	step := gridStep(price, e.cfg.DeviationThreshold, e.cfg.Grids)

	e.mu.Lock()
	e.initialPrice = price
	e.lastPrice = price
	e.step = step
	e.mu.Unlock()

	if err := e.store.UpdateInitialPrice(ctx, e.cfg.BotID, price); err != nil {
		e.logger.Error("persist initial price failed", "error", err.Error())
	}

	buys := buyLevels(price, step, e.cfg.Grids)
	sells := sellLevels(price, step, e.cfg.Grids)

	var planned []plannedOrder
	if e.cfg.UseGranularDistribution {
		buySizesQuote := levelSizes(e.cfg.AssetAFunds, e.cfg.Grids, e.cfg.GrowthFactor, true)
		for i, lvl := range buys {
			qty := buySizesQuote[i].Div(price)
			planned = append(planned, plannedOrder{domain.OrderSideBuy, lvl, qty})
		}
		sellSizesBase := levelSizes(e.cfg.AssetBFunds, e.cfg.Grids, e.cfg.GrowthFactor, true)
		for i, lvl := range sells {
			planned = append(planned, plannedOrder{domain.OrderSideSell, lvl, sellSizesBase[i]})
		}
	} else {
		buySizesQuote := levelSizes(e.cfg.AssetAFunds, e.cfg.Grids, decimal.Zero, false)
		for i, lvl := range buys {
			qty := buySizesQuote[i].Div(lvl)
			planned = append(planned, plannedOrder{domain.OrderSideBuy, lvl, qty})
		}
		sellSizesBase := levelSizes(e.cfg.AssetBFunds, e.cfg.Grids, decimal.Zero, false)
		for i, lvl := range sells {
			planned = append(planned, plannedOrder{domain.OrderSideSell, lvl, sellSizesBase[i]})
		}
	}

	return e.placeInitialBatch(ctx, planned)
}

// placeInitialBatch places orders in batches of 5 with a 1s inter-batch
// pause, per §4.E step 5.
func (e *Engine) placeInitialBatch(ctx context.Context, planned []plannedOrder) error {
	for start := 0; start < len(planned); start += initialBatchSize {
		end := start + initialBatchSize
		if end > len(planned) {
			end = len(planned)
		}

		for _, p := range planned[start:end] {
			if err := e.placeInitialOrder(ctx, p.side, p.price, p.quantity); err != nil {
				e.logger.Error("initial order placement failed", "side", p.side, "price", p.price.String(), "error", err.Error())
			}
		}

		if end < len(planned) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.stopCh:
				return nil
			case <-time.After(initialBatchPause):
			}
		}
	}
	return nil
}

func (e *Engine) placeInitialOrder(ctx context.Context, side domain.OrderSide, price, qty decimal.Decimal) error {
	roundedPrice, roundedQty, err := e.roundAndValidate(ctx, price, qty)
	if err != nil {
		e.logger.Error("order violates symbol filters, not placed", "side", side, "error", err.Error())
		return err
	}

	ack, err := e.ex.PlaceLimitOrder(ctx, exchange.PlaceOrderRequest{
		Symbol:      e.cfg.Symbol,
		Side:        toExchangeSide(side),
		Quantity:    roundedQty,
		Price:       roundedPrice,
		TimeInForce: exchange.TIFGTC,
	})
	if err != nil {
		return err
	}

	e.recordPlaced(ctx, side, ack, true)
	return nil
}

func (e *Engine) recordPlaced(ctx context.Context, side domain.OrderSide, ack *exchange.OrderAck, isInitial bool) {
	now := time.Now().UTC()

	if err := e.store.PutActiveOrder(ctx, &domain.ActiveOrder{
		OrderID: ack.OrderID, BotID: e.cfg.BotID, OrderType: side, IsInitial: isInitial,
		Price: ack.Price, Quantity: ack.OrigQty, CreatedAt: now,
	}); err != nil {
		e.logger.Error("persist active order failed", "order_id", ack.OrderID, "error", err.Error())
	}
	if err := e.store.PutOrderHistory(ctx, &domain.OrderHistory{
		OrderID: ack.OrderID, BotID: e.cfg.BotID, OrderType: side, IsInitial: isInitial,
		Price: ack.Price, Quantity: ack.OrigQty, Status: domain.OrderStatusOpen,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		e.logger.Error("persist order history failed", "order_id", ack.OrderID, "error", err.Error())
	}

	if !isInitial {
		return
	}

	e.mu.Lock()
	pos := position{orderID: ack.OrderID, price: ack.Price, quantity: ack.OrigQty}
	if side == domain.OrderSideBuy {
		e.buyPositions[ack.OrderID] = pos
	} else {
		e.sellPositions[ack.OrderID] = pos
	}
	e.mu.Unlock()
}

func (e *Engine) roundAndValidate(ctx context.Context, price, qty decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	filters, err := e.ex.GetSymbolFilters(ctx, e.cfg.Symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %v", apperrors.ErrMissingFilter, err)
	}
	return validateAndRound(filters, price, qty)
}

func toExchangeSide(s domain.OrderSide) exchange.Side {
	if s == domain.OrderSideBuy {
		return exchange.SideBuy
	}
	return exchange.SideSell
}

// scanInitialBuys implements §4.E step 2: Initial-buy scan.
func (e *Engine) scanInitialBuys(ctx context.Context) {
	e.mu.Lock()
	buys := make([]position, 0, len(e.buyPositions))
	for _, p := range e.buyPositions {
		buys = append(buys, p)
	}
	e.mu.Unlock()

	for _, buy := range buys {
		status, err := e.ex.GetOrderStatus(ctx, e.cfg.Symbol, buy.orderID)
		if err != nil {
			e.logger.Error("order status query failed", "order_id", buy.orderID, "error", err.Error())
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

		e.mu.Lock()
		step := e.step
		e.mu.Unlock()
		sellPrice := buy.price.Add(step)

		ack, err := e.placeCounterOrder(ctx, domain.OrderSideSell, sellPrice, buy.quantity)
		if err != nil {
			e.logger.Error("counter sell placement failed after retries", "buy_order_id", buy.orderID, "error", err.Error())
			continue
		}

		e.recordPlaced(ctx, domain.OrderSideSell, ack, false)

		tradeID, err := e.store.PutTradeHistory(ctx, &domain.TradeHistory{
			BotID: e.cfg.BotID, TradeType: domain.TradeTypeBuySell,
			BuyPrice: buy.price, SellPrice: ack.Price, Quantity: ack.OrigQty,
			Profit: decimal.Zero, ProfitAsset: e.cfg.QuoteAsset, Status: domain.TradeStatusOpen,
			BuyOrderID: buy.orderID, SellOrderID: ack.OrderID, ExecutedAt: time.Now().UTC(),
		})
		if err != nil {
			e.logger.Error("persist trade history failed", "buy_order_id", buy.orderID, "error", err.Error())
			continue
		}

		e.mu.Lock()
		e.openTrades = append(e.openTrades, openTrade{
			tradeID: tradeID, tradeType: domain.TradeTypeBuySell,
			buyOrderID: buy.orderID, sellOrderID: ack.OrderID,
			buyPrice: buy.price, sellPrice: ack.Price, quantity: ack.OrigQty,
		})
		e.mu.Unlock()
	}
}

// scanInitialSells implements §4.E step 3: symmetric to scanInitialBuys.
func (e *Engine) scanInitialSells(ctx context.Context) {
	e.mu.Lock()
	sells := make([]position, 0, len(e.sellPositions))
	for _, p := range e.sellPositions {
		sells = append(sells, p)
	}
	e.mu.Unlock()

	for _, sellPos := range sells {
		status, err := e.ex.GetOrderStatus(ctx, e.cfg.Symbol, sellPos.orderID)
		if err != nil {
			e.logger.Error("order status query failed", "order_id", sellPos.orderID, "error", err.Error())
			continue
		}
		if status != exchange.StatusFilled {
			continue
		}

		if err := e.store.UpdateOrderHistoryStatus(ctx, e.cfg.BotID, sellPos.orderID, domain.OrderStatusFilled); err != nil {
			e.logger.Error("update order history failed", "order_id", sellPos.orderID, "error", err.Error())
		}
		e.mu.Lock()
		delete(e.sellPositions, sellPos.orderID)
		e.mu.Unlock()
		if err := e.store.DeleteActiveOrder(ctx, e.cfg.BotID, sellPos.orderID); err != nil {
			e.logger.Error("delete active order failed", "order_id", sellPos.orderID, "error", err.Error())
		}

		e.mu.Lock()
		step := e.step
		e.mu.Unlock()
		buyPrice := sellPos.price.Sub(step)

		ack, err := e.placeCounterOrder(ctx, domain.OrderSideBuy, buyPrice, sellPos.quantity)
		if err != nil {
			e.logger.Error("counter buy placement failed after retries", "sell_order_id", sellPos.orderID, "error", err.Error())
			continue
		}

		e.recordPlaced(ctx, domain.OrderSideBuy, ack, false)

		tradeID, err := e.store.PutTradeHistory(ctx, &domain.TradeHistory{
			BotID: e.cfg.BotID, TradeType: domain.TradeTypeSellBuy,
			BuyPrice: ack.Price, SellPrice: sellPos.price, Quantity: ack.OrigQty,
			Profit: decimal.Zero, ProfitAsset: e.cfg.BaseAsset, Status: domain.TradeStatusOpen,
			BuyOrderID: ack.OrderID, SellOrderID: sellPos.orderID, ExecutedAt: time.Now().UTC(),
		})
		if err != nil {
			e.logger.Error("persist trade history failed", "sell_order_id", sellPos.orderID, "error", err.Error())
			continue
		}

		e.mu.Lock()
		e.openTrades = append(e.openTrades, openTrade{
			tradeID: tradeID, tradeType: domain.TradeTypeSellBuy,
			buyOrderID: ack.OrderID, sellOrderID: sellPos.orderID,
			buyPrice: ack.Price, sellPrice: sellPos.price, quantity: ack.OrigQty,
		})
		e.mu.Unlock()
	}
}

// placeCounterOrder retries placement up to counterMaxAttempts times with
// exponential backoff, per §4.E step 2d. EXPIRED_IN_MATCH acks are treated
// as a placement failure that nudges the limit price before the next
// attempt, per §4.E's failure semantics.
func (e *Engine) placeCounterOrder(ctx context.Context, side domain.OrderSide, price, qty decimal.Decimal) (*exchange.OrderAck, error) {
	attemptPrice := price

	ack, err := e.counterRetry.GetWithExecution(func(exec failsafe.Execution[*exchange.OrderAck]) (*exchange.OrderAck, error) {
		roundedPrice, roundedQty, verr := e.roundAndValidate(ctx, attemptPrice, qty)
		if verr != nil {
			return nil, verr
		}

		ack, perr := e.ex.PlaceLimitOrder(ctx, exchange.PlaceOrderRequest{
			Symbol: e.cfg.Symbol, Side: toExchangeSide(side),
			Quantity: roundedQty, Price: roundedPrice, TimeInForce: exchange.TIFGTC,
		})
		if perr != nil {
			return nil, perr
		}
		if ack.Status == exchange.StatusExpiredInMatch {
			attemptPrice = bumpPriceOnExpiry(side, attemptPrice)
			return nil, errors.New("order expired in match, retrying with adjusted price")
		}
		return ack, nil
	})

	return ack, err
}

func bumpPriceOnExpiry(side domain.OrderSide, price decimal.Decimal) decimal.Decimal {
	if side == domain.OrderSideBuy {
		bump, _ := decimal.NewFromString(expiredPriceBumpUp)
		return price.Mul(bump)
	}
	bump, _ := decimal.NewFromString(expiredPriceBumpDn)
	return price.Mul(bump)
}

// scanOpenTrades implements §4.E step 4: Open-trade scan.
func (e *Engine) scanOpenTrades(ctx context.Context) {
	e.mu.Lock()
	trades := make([]openTrade, len(e.openTrades))
	copy(trades, e.openTrades)
	e.mu.Unlock()

	var stillOpen []openTrade
	for _, t := range trades {
		closed := e.tryCloseTrade(ctx, t)
		if !closed {
			stillOpen = append(stillOpen, t)
		}
	}

	e.mu.Lock()
	e.openTrades = stillOpen
	e.mu.Unlock()
}

func (e *Engine) tryCloseTrade(ctx context.Context, t openTrade) bool {
	var counterOrderID int64
	switch t.tradeType {
	case domain.TradeTypeBuySell:
		counterOrderID = t.sellOrderID
	case domain.TradeTypeSellBuy:
		counterOrderID = t.buyOrderID
	}

	status, err := e.ex.GetOrderStatus(ctx, e.cfg.Symbol, counterOrderID)
	if err != nil {
		e.logger.Error("order status query failed", "order_id", counterOrderID, "error", err.Error())
		return false
	}
	if status != exchange.StatusFilled {
		return false
	}

	var profit decimal.Decimal
	var profitAsset string
	switch t.tradeType {
	case domain.TradeTypeBuySell:
		profit = t.sellPrice.Sub(t.buyPrice).Mul(t.quantity)
		profitAsset = e.cfg.QuoteAsset
	case domain.TradeTypeSellBuy:
		profit = t.quantity.Mul(t.sellPrice.Div(t.buyPrice).Sub(decimal.NewFromInt(1)))
		profitAsset = e.cfg.BaseAsset
	}

	matched, err := e.store.FindOpenTrade(ctx, e.cfg.BotID, t.buyPrice, t.quantity)
	if err != nil {
		e.logger.Error("trade-close anomaly: no matching open trade row", "buy_price", t.buyPrice.String(), "quantity", t.quantity.String())
		return true
	}

	if err := e.store.CloseTrade(ctx, matched.ID, profit); err != nil {
		e.logger.Error("close trade failed", "trade_id", matched.ID, "error", err.Error())
		return false
	}

	e.mu.Lock()
	if profitAsset == e.cfg.QuoteAsset {
		e.realizedProfitQuote = e.realizedProfitQuote.Add(profit)
	} else {
		e.realizedProfitBase = e.realizedProfitBase.Add(profit)
	}
	e.mu.Unlock()

	return true
}

// gridReset implements §4.E "Grid Reset": cancel only is_initial=true
// orders (counter orders from already-filled initials survive), then
// re-anchor and re-place.
func (e *Engine) gridReset(ctx context.Context, price decimal.Decimal) error {
	initialIDs, err := e.store.ListActiveOrders(ctx, e.cfg.BotID, true)
	if err != nil {
		return fmt.Errorf("list initial active orders: %w", err)
	}

	ids := make([]int64, len(initialIDs))
	for i, o := range initialIDs {
		ids[i] = o.OrderID
	}

	canceled, err := e.ex.CancelOrderIDs(ctx, e.cfg.Symbol, ids)
	if err != nil {
		return fmt.Errorf("cancel initial orders: %w", err)
	}

	canceledSet := make(map[int64]bool, len(canceled))
	for _, ack := range canceled {
		canceledSet[ack.OrderID] = true
	}

	for _, o := range initialIDs {
		if !canceledSet[o.OrderID] {
			continue
		}
		if err := e.store.UpdateOrderHistoryStatus(ctx, e.cfg.BotID, o.OrderID, domain.OrderStatusCanceled); err != nil {
			e.logger.Error("update order history to canceled failed", "order_id", o.OrderID, "error", err.Error())
		}
		if err := e.store.DeleteActiveOrder(ctx, e.cfg.BotID, o.OrderID); err != nil {
			e.logger.Error("delete active order failed", "order_id", o.OrderID, "error", err.Error())
		}
	}

	e.mu.Lock()
	e.buyPositions = make(map[int64]position)
	e.sellPositions = make(map[int64]position)
	e.mu.Unlock()

	return e.initializeGrid(ctx, price)
}
