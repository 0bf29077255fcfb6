package exchange

import (
	"github.com/shopspring/decimal"
)

// RoundDownToStep rounds value down to the nearest multiple of step,
// matching the exchange's floor-to-tick/floor-to-lot behaviour for prices
// and quantities (spec: "round a price DOWN to the nearest multiple of
// tick size"). The result is additionally quantized to step's own decimal
// exponent so the serialised string cannot carry more precision than the
// exchange allows.
func RoundDownToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	quotient := value.Div(step).Floor()
	rounded := quotient.Mul(step)
	return rounded.Truncate(decimalExponent(step))
}

// decimalExponent returns the number of digits after the decimal point in
// step's canonical string form, e.g. 0.001 -> 3, 1 -> 0.
func decimalExponent(step decimal.Decimal) int32 {
	exp := step.Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}

// RoundPrice rounds price down to symbol's tick size.
func RoundPrice(price decimal.Decimal, info SymbolInfo) decimal.Decimal {
	return RoundDownToStep(price, info.TickSize)
}

// RoundQuantity rounds quantity down to symbol's step size.
func RoundQuantity(qty decimal.Decimal, info SymbolInfo) decimal.Decimal {
	return RoundDownToStep(qty, info.StepSize)
}
