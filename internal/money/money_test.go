package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestPctOf(t *testing.T) {
	got := PctOf(dec("50000"), 33)
	assert.True(t, got.Equal(dec("16500")), "got %s", got)
}

func TestBelowAbove(t *testing.T) {
	entry := dec("100")
	assert.True(t, Below(entry, 18).Equal(dec("82")), "below")
	assert.True(t, Above(entry, 18).Equal(dec("118")), "above")
}

func TestTargetPrice(t *testing.T) {
	entry := dec("100")
	assert.True(t, TargetPrice(entry, 10, true).Equal(Below(entry, 10)))
	assert.True(t, TargetPrice(entry, 10, false).Equal(Above(entry, 10)))
}

func TestQuantityFromMargin(t *testing.T) {
	qty := QuantityFromMargin(dec("20"), 10, dec("50"))
	assert.True(t, qty.Equal(dec("4")), "got %s", qty)
}

func TestQuantityFromMarginZeroPrice(t *testing.T) {
	qty := QuantityFromMargin(dec("20"), 10, decimal.Zero)
	assert.True(t, qty.IsZero())
}

func TestPnLPctShort(t *testing.T) {
	profit := PnLPctShort(dec("100"), dec("90"))
	assert.InDelta(t, 0.10, profit, 0.0001)

	loss := PnLPctShort(dec("100"), dec("110"))
	assert.InDelta(t, -0.10, loss, 0.0001)

	assert.Equal(t, 0.0, PnLPctShort(decimal.Zero, dec("1")))
}
