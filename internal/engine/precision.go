package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gridbot/internal/apperrors"
	"gridbot/internal/exchange"
)

// validateAndRound applies a symbol's PRICE_FILTER/LOT_SIZE/NOTIONAL filters
// per §4.E "Per-order placement: precision and validation". Price and
// quantity are rounded to their filter's step; a rounded value outside
// min/max, or a notional outside bounds, is rejected outright with
// apperrors.ErrFilterViolation — the caller must not place the order.
func validateAndRound(filters *exchange.SymbolFilters, price, qty decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if filters == nil {
		return decimal.Zero, decimal.Zero, apperrors.ErrMissingFilter
	}

	roundedPrice := roundToStep(price, filters.TickSize)
	if roundedPrice.LessThan(filters.MinPrice) || roundedPrice.GreaterThan(filters.MaxPrice) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: price %s outside [%s, %s]",
			apperrors.ErrFilterViolation, roundedPrice, filters.MinPrice, filters.MaxPrice)
	}

	roundedQty := roundToStep(qty, filters.StepSize)
	if roundedQty.LessThan(filters.MinQty) || roundedQty.GreaterThan(filters.MaxQty) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: quantity %s outside [%s, %s]",
			apperrors.ErrFilterViolation, roundedQty, filters.MinQty, filters.MaxQty)
	}

	notional := roundedPrice.Mul(roundedQty)
	if notional.LessThan(filters.MinNotional) || (!filters.MaxNotional.IsZero() && notional.GreaterThan(filters.MaxNotional)) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: notional %s outside [%s, %s]",
			apperrors.ErrFilterViolation, notional, filters.MinNotional, filters.MaxNotional)
	}

	return roundedPrice, roundedQty, nil
}
