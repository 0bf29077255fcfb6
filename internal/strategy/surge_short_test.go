package strategy

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

func defaultCfg(t *testing.T) config.Config {
	t.Helper()
	m, err := config.NewManager("")
	require.NoError(t, err)
	return m.Get()
}

func TestFilterEntryAcceptsWhenRiskFiltersDisabled(t *testing.T) {
	s := NewSurgeShortStrategy(zerolog.Nop())
	client := exchange.NewFakeClient()
	cfg := defaultCfg(t)
	cfg.EnableRiskFilters = false

	signal := domain.Signal{Symbol: "BTCUSDT"}
	decision := s.FilterEntry(context.Background(), client, signal, decimal.NewFromInt(101), decimal.NewFromInt(100), time.Now(), cfg)

	assert.True(t, decision.ShouldEnter)
	assert.Equal(t, domain.SideShort, decision.Side)
	assert.Equal(t, cfg.StrongTPPct, decision.TPPct)
	assert.Equal(t, cfg.StopLossPct, decision.SLPct)
}

func TestFilterEntryRejectsWhenRiskFiltersEnabledAndOutOfBand(t *testing.T) {
	s := NewSurgeShortStrategy(zerolog.Nop())
	client := exchange.NewFakeClient()
	cfg := defaultCfg(t)
	cfg.EnableRiskFilters = true

	signal := domain.Signal{Symbol: "BTCUSDT"}
	decision := s.FilterEntry(context.Background(), client, signal, decimal.NewFromInt(130), decimal.NewFromInt(100), time.Now(), cfg)

	assert.False(t, decision.ShouldEnter)
	assert.NotEmpty(t, decision.RejectReason)
}

func TestEvaluatePositionHoldsBeforeEntryFilled(t *testing.T) {
	s := NewSurgeShortStrategy(zerolog.Nop())
	client := exchange.NewFakeClient()
	cfg := defaultCfg(t)
	pos := &domain.TrackedPosition{Symbol: "BTCUSDT"}

	action := s.EvaluatePosition(context.Background(), client, pos, cfg, time.Now())
	assert.Equal(t, ActionHold, action.Action)
}

func TestEvaluatePositionClosesOnMaxHoldTime(t *testing.T) {
	s := NewSurgeShortStrategy(zerolog.Nop())
	client := exchange.NewFakeClient()
	cfg := defaultCfg(t)
	cfg.MaxHoldHours = 24.0

	entryTime := time.Now().Add(-25 * time.Hour)
	pos := &domain.TrackedPosition{
		Symbol: "BTCUSDT", EntryFilled: true,
		EntryPrice: decimal.NewFromInt(100), EntryFillTime: entryTime,
	}

	action := s.EvaluatePosition(context.Background(), client, pos, cfg, time.Now())
	assert.Equal(t, ActionClose, action.Action)
	assert.Equal(t, "max_hold_time", action.Reason)
}

func TestEvaluatePositionAdjustsTPAtTwoHourCheckpointWhenStrong(t *testing.T) {
	s := NewSurgeShortStrategy(zerolog.Nop())
	client := exchange.NewFakeClient()
	cfg := defaultCfg(t)

	entryTime := time.Now().Add(-3 * time.Hour)
	pos := &domain.TrackedPosition{
		Symbol: "BTCUSDT", EntryFilled: true,
		EntryPrice: decimal.NewFromInt(100), EntryFillTime: entryTime,
		CurrentTPPct: decimal.NewFromFloat(cfg.MediumTPPct),
	}

	// every 5m candle between entry and entry+2h dropped well past the
	// strength threshold, so the checkpoint should classify this strong.
	var klines []exchange.Kline
	for i := 0; i < 24; i++ {
		klines = append(klines, exchange.Kline{
			OpenTime: entryTime.Add(time.Duration(i) * 5 * time.Minute),
			Close:    decimal.NewFromInt(50), // 50% below entry of 100
		})
	}
	client.Klines_["BTCUSDT:5m"] = klines

	action := s.EvaluatePosition(context.Background(), client, pos, cfg, time.Now())
	assert.Equal(t, ActionAdjustTP, action.Action)
	assert.Equal(t, domain.StrengthStrong, action.NewStrength)
	assert.Equal(t, cfg.StrongTPPct, action.NewTPPct)
	assert.True(t, pos.Evaluated2h)
}

func TestEvaluatePositionNoAdjustWhenTPUnchanged(t *testing.T) {
	s := NewSurgeShortStrategy(zerolog.Nop())
	client := exchange.NewFakeClient()
	cfg := defaultCfg(t)

	entryTime := time.Now().Add(-3 * time.Hour)
	pos := &domain.TrackedPosition{
		Symbol: "BTCUSDT", EntryFilled: true,
		EntryPrice: decimal.NewFromInt(100), EntryFillTime: entryTime,
		CurrentTPPct: decimal.NewFromFloat(cfg.MediumTPPct),
	}
	// no klines seeded: calc5mDropRatio returns nil, so it falls to medium,
	// which equals the starting CurrentTPPct -> no adjustment action.

	action := s.EvaluatePosition(context.Background(), client, pos, cfg, time.Now())
	assert.Equal(t, ActionHold, action.Action)
	assert.True(t, pos.Evaluated2h)
	assert.Equal(t, domain.StrengthMedium, pos.Strength)
}

func TestCalc5mDropRatioNilOnInsufficientKlines(t *testing.T) {
	s := NewSurgeShortStrategy(zerolog.Nop())
	client := exchange.NewFakeClient()

	ratio := s.calc5mDropRatio(context.Background(), client, "BTCUSDT", time.Now().Add(-time.Hour), time.Now(), decimal.NewFromInt(100), 0.02)
	assert.Nil(t, ratio)
}

func TestUnrealizedGainPctZeroOnFetchError(t *testing.T) {
	s := NewSurgeShortStrategy(zerolog.Nop())
	client := exchange.NewFakeClient() // no premium index seeded
	pos := &domain.TrackedPosition{Symbol: "BTCUSDT", EntryPrice: decimal.NewFromInt(100)}

	gain := s.unrealizedGainPct(context.Background(), client, pos)
	assert.Equal(t, 0.0, gain)
}

func TestUnrealizedGainPctForShort(t *testing.T) {
	s := NewSurgeShortStrategy(zerolog.Nop())
	client := exchange.NewFakeClient()
	client.Premium["BTCUSDT"] = exchange.PremiumIndex{Symbol: "BTCUSDT", MarkPrice: decimal.NewFromInt(80)}
	pos := &domain.TrackedPosition{Symbol: "BTCUSDT", EntryPrice: decimal.NewFromInt(100)}

	gain := s.unrealizedGainPct(context.Background(), client, pos)
	assert.Equal(t, 20.0, gain)
}
