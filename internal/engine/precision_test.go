package engine

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/apperrors"
	"gridbot/internal/exchange"
)

func sampleFilters() *exchange.SymbolFilters {
	return &exchange.SymbolFilters{
		MinPrice: decimal.NewFromFloat(0.01), MaxPrice: decimal.NewFromInt(1000000), TickSize: decimal.NewFromFloat(0.01),
		MinQty: decimal.NewFromFloat(0.00001), MaxQty: decimal.NewFromInt(9000), StepSize: decimal.NewFromFloat(0.00001),
		MinNotional: decimal.NewFromInt(5), MaxNotional: decimal.NewFromInt(9000000),
	}
}

func TestValidateAndRoundPasses(t *testing.T) {
	price, qty, err := validateAndRound(sampleFilters(), decimal.NewFromFloat(100.456), decimal.NewFromFloat(1.0))
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromFloat(100.45)), "got %s", price)
	assert.True(t, qty.Equal(decimal.NewFromFloat(1.0)))
}

func TestValidateAndRoundRejectsBelowMinNotional(t *testing.T) {
	_, _, err := validateAndRound(sampleFilters(), decimal.NewFromFloat(1), decimal.NewFromFloat(0.001))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrFilterViolation))
}

func TestValidateAndRoundRejectsMissingFilters(t *testing.T) {
	_, _, err := validateAndRound(nil, decimal.NewFromInt(1), decimal.NewFromInt(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrMissingFilter))
}

func TestValidateAndRoundRejectsPriceOutOfBounds(t *testing.T) {
	_, _, err := validateAndRound(sampleFilters(), decimal.NewFromInt(2000000), decimal.NewFromInt(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrFilterViolation))
}
