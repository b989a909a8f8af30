package engine

import (
	"github.com/shopspring/decimal"
)

// gridStep is the price distance between adjacent grid levels, per §4.E
// step 2: (deviation_threshold / grids) * initial_price.
func gridStep(initialPrice, deviationThreshold decimal.Decimal, grids int) decimal.Decimal {
	return deviationThreshold.Div(decimal.NewFromInt(int64(grids))).Mul(initialPrice)
}

// buyLevels returns grid buy prices below initialPrice, nearest first:
// initial_price - i*step for i in [1..grids].
func buyLevels(initialPrice, step decimal.Decimal, grids int) []decimal.Decimal {
	levels := make([]decimal.Decimal, grids)
	for i := 1; i <= grids; i++ {
		levels[i-1] = initialPrice.Sub(step.Mul(decimal.NewFromInt(int64(i))))
	}
	return levels
}

// sellLevels returns grid sell prices above initialPrice, symmetric to buyLevels.
func sellLevels(initialPrice, step decimal.Decimal, grids int) []decimal.Decimal {
	levels := make([]decimal.Decimal, grids)
	for i := 1; i <= grids; i++ {
		levels[i-1] = initialPrice.Add(step.Mul(decimal.NewFromInt(int64(i))))
	}
	return levels
}

// levelSizes computes the quote (or base) amount allotted to each of the
// grids levels, per §4.E step 4.
//
// Equal distribution: total/grids per level.
// Granular distribution: x1 = total / (grids + g*grids*(grids-1)/2),
// size_i = x1 * (1 + g*i), i in [1..grids].
func levelSizes(total decimal.Decimal, grids int, growthFactor decimal.Decimal, granular bool) []decimal.Decimal {
	sizes := make([]decimal.Decimal, grids)
	if !granular {
		equal := total.Div(decimal.NewFromInt(int64(grids)))
		for i := range sizes {
			sizes[i] = equal
		}
		return sizes
	}

	g := growthFactor
	n := decimal.NewFromInt(int64(grids))
	denominator := n.Add(g.Mul(n).Mul(n.Sub(decimal.NewFromInt(1))).Div(decimal.NewFromInt(2)))
	x1 := total.Div(denominator)
	for i := 1; i <= grids; i++ {
		sizes[i-1] = x1.Mul(decimal.NewFromInt(1).Add(g.Mul(decimal.NewFromInt(int64(i)))))
	}
	return sizes
}

// roundToStep rounds value down to the nearest multiple of step, matching
// PRICE_FILTER/LOT_SIZE tick/step rounding (§4.E precision section). step
// must be positive.
func roundToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	quotient := value.Div(step).Floor()
	return quotient.Mul(step)
}
