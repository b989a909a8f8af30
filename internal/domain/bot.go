// Package domain defines the persistent and ephemeral entities of the trading
// engine: bots, their order lifecycle records, and two-legged trades.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BotType selects which strategy state machine a bot runs.
type BotType string

const (
	BotTypeGrid      BotType = "grid"
	BotTypeIndexFund BotType = "indexfund"
	BotTypeSellBot   BotType = "sellbot"
)

// BotStatus reflects whether a bot's strategy task is meant to be running.
type BotStatus string

const (
	BotStatusActive   BotStatus = "active"
	BotStatusInactive BotStatus = "inactive"
)

// Bot is the immutable identity row for a tenant strategy instance.
//
// APIKey/APISecret are stored in plaintext, matching the source system; see
// DESIGN.md for the accepted-risk note carried from spec.md §9.
type Bot struct {
	ID        int64
	Type      BotType
	Symbol    string
	APIKey    string
	APISecret string
	Testnet   bool
	Status    BotStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderSide is BUY or SELL.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderLifecycleStatus is the exchange-observed status of an order.
type OrderLifecycleStatus string

const (
	OrderStatusOpen     OrderLifecycleStatus = "OPEN"
	OrderStatusFilled   OrderLifecycleStatus = "FILLED"
	OrderStatusCanceled OrderLifecycleStatus = "CANCELED"
)

// ActiveOrder exists iff the engine believes the exchange still holds the
// order open. Removed on observed FILL, observed CANCEL, or bot stop.
type ActiveOrder struct {
	OrderID   int64
	BotID     int64
	OrderType OrderSide
	IsInitial bool
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	CreatedAt time.Time
}

// OrderHistory is the append-only per-order record. Status transitions only
// OPEN -> FILLED or OPEN -> CANCELED, never backwards.
type OrderHistory struct {
	OrderID   int64
	BotID     int64
	OrderType OrderSide
	IsInitial bool
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Status    OrderLifecycleStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TradeType distinguishes which leg opened the two-legged trade.
type TradeType string

const (
	TradeTypeBuySell TradeType = "BUY_SELL"
	TradeTypeSellBuy TradeType = "SELL_BUY"
)

// TradeStatus is OPEN until the counter leg fills, then CLOSED.
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "OPEN"
	TradeStatusClosed TradeStatus = "CLOSED"
)

// TradeHistory is a two-legged trade: opened on the fill of an initial order,
// closed on the fill of its counter order.
type TradeHistory struct {
	ID          int64
	BotID       int64
	TradeType   TradeType
	BuyPrice    decimal.Decimal
	SellPrice   decimal.Decimal
	Quantity    decimal.Decimal
	Profit      decimal.Decimal
	ProfitAsset string
	Status      TradeStatus
	BuyOrderID  int64
	SellOrderID int64
	ExecutedAt  time.Time
}
