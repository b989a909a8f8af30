// Package exchange implements the Exchange Gateway: signed REST calls
// against a centralized spot exchange, rate-limited and retried per §4.A.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the exchange-facing order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TimeInForce is the exchange order time-in-force.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
)

// OrderStatus is the exchange-reported lifecycle status of an order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusExpiredInMatch  OrderStatus = "EXPIRED_IN_MATCH"
	StatusRejected        OrderStatus = "REJECTED"
)

// OrderAck is the verbatim acknowledgement returned by a place/cancel call.
type OrderAck struct {
	OrderID  int64
	Symbol   string
	Status   OrderStatus
	Price    decimal.Decimal
	OrigQty  decimal.Decimal
	Side     Side
}

// Balance is the free/locked split for one asset.
type Balance struct {
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// SymbolFilters holds the exchange-dictated precision and notional bounds
// for a symbol, extracted from exchangeInfo.
type SymbolFilters struct {
	MinPrice    decimal.Decimal
	MaxPrice    decimal.Decimal
	TickSize    decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
	MaxNotional decimal.Decimal
}

// PlaceOrderRequest is the pre-formatted (already rounded to exchange
// precision) order placement request.
type PlaceOrderRequest struct {
	Symbol          string
	Side            Side
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	TimeInForce     TimeInForce
	RecvWindow      time.Duration
	ClientOrderID   string
}

// Exchange is the per-bot signed REST session contract of §4.A.
type Exchange interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceLimitOrder(ctx context.Context, req PlaceOrderRequest) (*OrderAck, error)
	CancelOrderIDs(ctx context.Context, symbol string, orderIDs []int64) ([]*OrderAck, error)
	CancelAllOpen(ctx context.Context, symbol string, initialOnlyIDs []int64) ([]*OrderAck, error)
	GetOrderStatus(ctx context.Context, symbol string, orderID int64) (OrderStatus, error)
	GetAccountBalances(ctx context.Context) (map[string]Balance, error)
	GetSymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error)
	Close() error
}
