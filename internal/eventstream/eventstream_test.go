package eventstream

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgewatch/surgebot/internal/exchange"
)

func TestDispatchOrderUpdateInvokesCallbackWithParsedFields(t *testing.T) {
	s := New(exchange.NewFakeClient(), zerolog.Nop())

	var got OrderUpdate
	var called bool
	s.OnOrderUpdate(func(u OrderUpdate) {
		called = true
		got = u
	})

	raw := []byte(`{
		"e": "ORDER_TRADE_UPDATE",
		"o": {
			"s": "BTCUSDT",
			"c": "tp_abcd1234",
			"S": "BUY",
			"ot": "TAKE_PROFIT_MARKET",
			"x": "TRADE",
			"X": "FILLED",
			"i": 555,
			"ap": "41234.50",
			"rp": "12.75",
			"ps": "SHORT"
		}
	}`)

	s.dispatchOrderUpdate(raw)

	require.True(t, called)
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, int64(555), got.OrderID)
	assert.Equal(t, "tp_abcd1234", got.ClientOrderID)
	assert.Equal(t, exchange.OrderSideBuy, got.Side)
	assert.Equal(t, exchange.OrderTypeTakeProfitMarket, got.OriginalType)
	assert.Equal(t, "TRADE", got.ExecutionType)
	assert.Equal(t, exchange.OrderStatusFilled, got.Status)
	assert.Equal(t, "SHORT", got.PositionSide)
	assert.True(t, got.AvgPrice.Equal(mustDecimal(t, "41234.50")))
	assert.True(t, got.RealizedPnL.Equal(mustDecimal(t, "12.75")))
}

func TestDispatchOrderUpdateNoopWithoutRegisteredHandler(t *testing.T) {
	s := New(exchange.NewFakeClient(), zerolog.Nop())
	assert.NotPanics(t, func() {
		s.dispatchOrderUpdate([]byte(`{"e":"ORDER_TRADE_UPDATE","o":{"s":"BTCUSDT"}}`))
	})
}

func TestDispatchOrderUpdateMalformedJSONIsIgnored(t *testing.T) {
	s := New(exchange.NewFakeClient(), zerolog.Nop())
	called := false
	s.OnOrderUpdate(func(u OrderUpdate) { called = true })

	s.dispatchOrderUpdate([]byte(`not json`))
	assert.False(t, called)
}

func TestDispatchAccountUpdateInvokesCallbackWithPositions(t *testing.T) {
	s := New(exchange.NewFakeClient(), zerolog.Nop())

	var got []AccountPosition
	s.OnAccountUpdate(func(positions []AccountPosition) { got = positions })

	raw := []byte(`{
		"e": "ACCOUNT_UPDATE",
		"a": {
			"P": [
				{"s": "BTCUSDT", "pa": "-0.500", "ep": "41000.00", "ps": "SHORT"},
				{"s": "ETHUSDT", "pa": "0", "ep": "0", "ps": "BOTH"}
			]
		}
	}`)

	s.dispatchAccountUpdate(raw)

	require.Len(t, got, 2)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.True(t, got[0].PositionAmt.Equal(mustDecimal(t, "-0.500")))
	assert.True(t, got[1].PositionAmt.IsZero())
}

func TestDispatchAccountUpdateSkipsEmptyPositionArray(t *testing.T) {
	s := New(exchange.NewFakeClient(), zerolog.Nop())
	called := false
	s.OnAccountUpdate(func(positions []AccountPosition) { called = true })

	s.dispatchAccountUpdate([]byte(`{"e":"ACCOUNT_UPDATE","a":{"P":[]}}`))
	assert.False(t, called)
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}
