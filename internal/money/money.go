// Package money centralises the decimal arithmetic every other package
// needs for prices and quantities: all prices/quantities stay in
// decimal.Decimal through computation, and only the final serialised form
// becomes a string for transport. Ratios such as drop_ratio/surge_ratio are
// deliberately float64 throughout the rest of the module — this package
// does not wrap them.
package money

import (
	"github.com/shopspring/decimal"
)

// PctOf returns value scaled by pct/100, e.g. PctOf(50000, 33) = 16500.
func PctOf(value decimal.Decimal, pct float64) decimal.Decimal {
	return value.Mul(decimal.NewFromFloat(pct)).Div(decimal.NewFromInt(100))
}

// Below returns value reduced by pct percent: value * (1 - pct/100).
func Below(value decimal.Decimal, pct float64) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(pct).Div(decimal.NewFromInt(100)))
	return value.Mul(factor)
}

// Above returns value increased by pct percent: value * (1 + pct/100).
func Above(value decimal.Decimal, pct float64) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(decimal.NewFromFloat(pct).Div(decimal.NewFromInt(100)))
	return value.Mul(factor)
}

// TargetPrice returns the TP or SL price for a short position: TP is below
// the entry, SL is above it. For a long position the caller negates by
// swapping which helper it calls (Above for TP, Below for SL) — this
// module has no notion of side, callers hold that.
func TargetPrice(entry decimal.Decimal, pct float64, below bool) decimal.Decimal {
	if below {
		return Below(entry, pct)
	}
	return Above(entry, pct)
}

// QuantityFromMargin computes position size from margin, leverage, and a
// reference price: quantity = margin * leverage / price. Callers round the
// result down to step size via exchange.RoundQuantity before placing an
// order.
func QuantityFromMargin(marginUSDT decimal.Decimal, leverage int, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	notional := marginUSDT.Mul(decimal.NewFromInt(int64(leverage)))
	return notional.Div(price)
}

// PnLPctShort returns unrealised PnL as a fraction of entry notional for a short
// position: (entry - mark) / entry. Positive means profitable.
func PnLPctShort(entry, mark decimal.Decimal) float64 {
	if entry.IsZero() {
		return 0
	}
	f, _ := entry.Sub(mark).Div(entry).Float64()
	return f
}
