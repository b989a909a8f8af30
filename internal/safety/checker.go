// Package safety implements the Balance Precheck (§4.E "Precondition"):
// confirming a bot has sufficient free funds before any order is placed.
package safety

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"gridbot/internal/apperrors"
	"gridbot/internal/exchange"
	"gridbot/pkg/logging"
)

// Checker validates account balances against a bot's requested funds.
type Checker struct {
	logger logging.Logger
}

func NewChecker(logger logging.Logger) *Checker {
	return &Checker{logger: logger.WithField("component", "safety")}
}

// CheckBalances confirms free(base) >= baseFunds and free(quote) >= quoteFunds,
// per §4.E's precondition. baseAsset/quoteAsset are the symbol's two legs
// (e.g. BTC/USDT for BTCUSDT).
func (c *Checker) CheckBalances(ctx context.Context, ex exchange.Exchange, baseAsset, quoteAsset string, baseFunds, quoteFunds decimal.Decimal) error {
	balances, err := ex.GetAccountBalances(ctx)
	if err != nil {
		return fmt.Errorf("fetch account balances: %w", err)
	}

	base := balances[baseAsset]
	quote := balances[quoteAsset]

	c.logger.Info("balance precheck",
		"base_asset", baseAsset, "base_free", base.Free.String(), "base_required", baseFunds.String(),
		"quote_asset", quoteAsset, "quote_free", quote.Free.String(), "quote_required", quoteFunds.String())

	if base.Free.LessThan(baseFunds) {
		return fmt.Errorf("%w: %s free %s < required %s", apperrors.ErrInsufficientFunds, baseAsset, base.Free, baseFunds)
	}
	if quote.Free.LessThan(quoteFunds) {
		return fmt.Errorf("%w: %s free %s < required %s", apperrors.ErrInsufficientFunds, quoteAsset, quote.Free, quoteFunds)
	}
	return nil
}
