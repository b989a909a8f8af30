package engine

import (
	"github.com/shopspring/decimal"

	"gridbot/internal/exchange"
)

// GridStep, BuyLevels, SellLevels, LevelSizes, RoundToStep, and
// ValidateAndRound are the shared grid-math primitives behind the base
// engine; the strategy variants in gridvariant build on the same functions
// rather than re-deriving the arithmetic.

func GridStep(initialPrice, deviationThreshold decimal.Decimal, grids int) decimal.Decimal {
	return gridStep(initialPrice, deviationThreshold, grids)
}

func BuyLevels(initialPrice, step decimal.Decimal, grids int) []decimal.Decimal {
	return buyLevels(initialPrice, step, grids)
}

func SellLevels(initialPrice, step decimal.Decimal, grids int) []decimal.Decimal {
	return sellLevels(initialPrice, step, grids)
}

func LevelSizes(total decimal.Decimal, grids int, growthFactor decimal.Decimal, granular bool) []decimal.Decimal {
	return levelSizes(total, grids, growthFactor, granular)
}

func RoundToStep(value, step decimal.Decimal) decimal.Decimal {
	return roundToStep(value, step)
}

func ValidateAndRound(filters *exchange.SymbolFilters, price, qty decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	return validateAndRound(filters, price, qty)
}
