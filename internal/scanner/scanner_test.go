package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rs/zerolog"

	"github.com/surgewatch/surgebot/internal/config"
	"github.com/surgewatch/surgebot/internal/domain"
	"github.com/surgewatch/surgebot/internal/exchange"
)

func testManager(t *testing.T) *config.Manager {
	t.Helper()
	m, err := config.NewManager("")
	require.NoError(t, err)
	return m
}

func zeroLog() zerolog.Logger {
	return zerolog.Nop()
}

func seedSymbol(client *exchange.FakeClient, symbol string) {
	client.Symbols[symbol] = exchange.SymbolInfo{
		Symbol: symbol, QuoteAsset: "USDT", ContractType: "PERPETUAL", Status: "TRADING",
		TickSize: decimal.NewFromFloat(0.01), StepSize: decimal.NewFromFloat(0.001),
	}
}

func TestUntilNextBoundaryAlwaysPositiveAndWithinHourPlusGrace(t *testing.T) {
	now := time.Date(2026, 3, 5, 13, 22, 40, 0, time.UTC)
	wait := untilNextBoundary(now)
	assert.True(t, wait > 0)
	assert.True(t, wait <= time.Hour+5*time.Second)
}

func TestScanSymbolAcceptsRatioWithinWindow(t *testing.T) {
	client := exchange.NewFakeClient()
	seedSymbol(client, "BTCUSDT")

	now := time.Date(2026, 3, 5, 14, 0, 10, 0, time.UTC)
	yesterday := now.AddDate(0, 0, -1)
	yStart := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, time.UTC)
	client.Klines_["BTCUSDT:1d"] = []exchange.Kline{
		{OpenTime: yStart, Volume: decimal.NewFromInt(2400), TakerBuyBaseVolume: decimal.NewFromInt(0)},
	}
	// yesterday avg hourly sell = 2400/24 = 100

	hourStart := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, time.UTC)
	client.Klines_["BTCUSDT:1h"] = []exchange.Kline{
		{OpenTime: hourStart, Close: decimal.NewFromInt(50000), Volume: decimal.NewFromInt(500), TakerBuyBaseVolume: decimal.NewFromInt(0)},
	}
	// ratio = 500/100 = 5.0

	mgr := testManager(t)
	mgr.Set(func(c *config.Config) { c.SurgeThreshold = 2.0; c.SurgeMaxMultiple = 10.0 })
	s := New(mgr, client, make(chan domain.Signal, 4), zeroLog())

	sig, err := s.scanSymbol(context.Background(), "BTCUSDT", now)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, 5.0, sig.SurgeRatio)
	assert.True(t, sig.ReferencePrice.Equal(decimal.NewFromInt(50000)))
}

func TestScanSymbolRejectsRatioOutsideWindow(t *testing.T) {
	client := exchange.NewFakeClient()
	seedSymbol(client, "BTCUSDT")

	now := time.Date(2026, 3, 5, 14, 0, 10, 0, time.UTC)
	yesterday := now.AddDate(0, 0, -1)
	yStart := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, time.UTC)
	client.Klines_["BTCUSDT:1d"] = []exchange.Kline{
		{OpenTime: yStart, Volume: decimal.NewFromInt(2400), TakerBuyBaseVolume: decimal.NewFromInt(0)},
	}
	hourStart := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, time.UTC)
	client.Klines_["BTCUSDT:1h"] = []exchange.Kline{
		{OpenTime: hourStart, Close: decimal.NewFromInt(50000), Volume: decimal.NewFromInt(105), TakerBuyBaseVolume: decimal.NewFromInt(0)},
	}
	// ratio = 1.05, below default threshold

	mgr := testManager(t)
	s := New(mgr, client, make(chan domain.Signal, 4), zeroLog())
	sig, err := s.scanSymbol(context.Background(), "BTCUSDT", now)
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestScanSymbolNoYesterdayDataReturnsError(t *testing.T) {
	client := exchange.NewFakeClient()
	seedSymbol(client, "BTCUSDT")
	now := time.Date(2026, 3, 5, 14, 0, 10, 0, time.UTC)

	s := New(testManager(t), client, make(chan domain.Signal, 4), zeroLog())
	sig, err := s.scanSymbol(context.Background(), "BTCUSDT", now)
	assert.Error(t, err)
	assert.Nil(t, sig)
}

func TestAddSLCooldownMarksSeenForToday(t *testing.T) {
	client := exchange.NewFakeClient()
	s := New(testManager(t), client, make(chan domain.Signal, 4), zeroLog())

	s.AddSLCooldown("BTCUSDT")
	key := domain.DedupKey("BTCUSDT", time.Now())
	assert.True(t, s.seenSignals[key])
	assert.True(t, s.slCooldown[key])
}

func TestRefreshDailyCacheIfNeededClearsOnDateRollover(t *testing.T) {
	client := exchange.NewFakeClient()
	s := New(testManager(t), client, make(chan domain.Signal, 4), zeroLog())

	day1 := time.Date(2026, 3, 5, 1, 0, 0, 0, time.UTC)
	s.dailyAvg["BTCUSDT"] = 42
	s.seenSignals["BTCUSDT:2026-03-05"] = true
	s.dailyDate = "2026-03-05"

	s.refreshDailyCacheIfNeeded(context.Background(), day1)
	assert.Len(t, s.dailyAvg, 1, "same day must not clear the cache")

	day2 := time.Date(2026, 3, 6, 1, 0, 0, 0, time.UTC)
	s.refreshDailyCacheIfNeeded(context.Background(), day2)
	assert.Len(t, s.dailyAvg, 0)
	assert.Len(t, s.seenSignals, 0)
}

func TestUsdtSymbolsFiltersToTradeablePerpetuals(t *testing.T) {
	client := exchange.NewFakeClient()
	seedSymbol(client, "BTCUSDT")
	client.Symbols["ETHBUSD"] = exchange.SymbolInfo{Symbol: "ETHBUSD", QuoteAsset: "BUSD", ContractType: "PERPETUAL", Status: "TRADING"}
	client.Symbols["DOGEUSDT"] = exchange.SymbolInfo{Symbol: "DOGEUSDT", QuoteAsset: "USDT", ContractType: "PERPETUAL", Status: "BREAK"}

	s := New(testManager(t), client, make(chan domain.Signal, 4), zeroLog())
	symbols := s.usdtSymbols(context.Background(), time.Now())
	assert.Equal(t, []string{"BTCUSDT"}, symbols)
}
