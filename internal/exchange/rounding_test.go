package exchange

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRoundDownToStep(t *testing.T) {
	step := decimal.NewFromFloat(0.001)
	got := RoundDownToStep(decimal.NewFromFloat(1.23456), step)
	assert.Equal(t, "1.234", got.String())
}

func TestRoundDownToStepZeroStep(t *testing.T) {
	value := decimal.NewFromFloat(1.23456)
	assert.True(t, RoundDownToStep(value, decimal.Zero).Equal(value))
}

func TestRoundDownToStepWholeNumberStep(t *testing.T) {
	got := RoundDownToStep(decimal.NewFromFloat(117.8), decimal.NewFromInt(1))
	assert.Equal(t, "117", got.String())
}

func TestRoundPriceAndQuantity(t *testing.T) {
	info := SymbolInfo{
		Symbol:   "BTCUSDT",
		TickSize: decimal.NewFromFloat(0.1),
		StepSize: decimal.NewFromFloat(0.001),
	}
	price := RoundPrice(decimal.NewFromFloat(50123.47), info)
	assert.Equal(t, "50123.4", price.String())

	qty := RoundQuantity(decimal.NewFromFloat(0.12345), info)
	assert.Equal(t, "0.123", qty.String())
}

func TestSymbolInfoTradeable(t *testing.T) {
	tradeable := SymbolInfo{QuoteAsset: "USDT", ContractType: "PERPETUAL", Status: "TRADING"}
	assert.True(t, tradeable.Tradeable())

	notUSDT := tradeable
	notUSDT.QuoteAsset = "BUSD"
	assert.False(t, notUSDT.Tradeable())

	delivered := tradeable
	delivered.Status = "BREAK"
	assert.False(t, delivered.Tradeable())
}
