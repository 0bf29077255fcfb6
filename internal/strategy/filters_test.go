package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/surgewatch/surgebot/internal/exchange"
)

func TestCheckAllDefaultEntryGainMaxRejects(t *testing.T) {
	client := exchange.NewFakeClient()
	filters := NewRiskFilters(client, DefaultRiskFilterConfig())

	// entry 20% above signal, default max is 9.04%
	res := filters.CheckAll(context.Background(), "BTCUSDT", time.Now(), 120, 100)
	assert.False(t, res.ShouldTrade)
	assert.Contains(t, res.Reason, "already up")
}

func TestCheckAllDefaultEntryGainMinRejects(t *testing.T) {
	client := exchange.NewFakeClient()
	filters := NewRiskFilters(client, DefaultRiskFilterConfig())

	// entry 10% below signal, default min is -3.0%
	res := filters.CheckAll(context.Background(), "BTCUSDT", time.Now(), 90, 100)
	assert.False(t, res.ShouldTrade)
	assert.Contains(t, res.Reason, "down")
}

func TestCheckAllDefaultPassesWithinBand(t *testing.T) {
	client := exchange.NewFakeClient()
	filters := NewRiskFilters(client, DefaultRiskFilterConfig())

	res := filters.CheckAll(context.Background(), "BTCUSDT", time.Now(), 101, 100)
	assert.True(t, res.ShouldTrade)
}

func TestCheckAllFailsOpenOnFetchError(t *testing.T) {
	client := exchange.NewFakeClient()
	client.SetBan(time.Now().Add(time.Minute)) // every kline fetch now errors
	cfg := DefaultRiskFilterConfig()
	cfg.EnablePremium24hFilter = true
	filters := NewRiskFilters(client, cfg)

	res := filters.CheckAll(context.Background(), "BTCUSDT", time.Now(), 101, 100)
	assert.True(t, res.ShouldTrade, "a fetch error must fail open, not reject the entry")
}

func TestCheckPremium24hChangeRejectsBelowThreshold(t *testing.T) {
	client := exchange.NewFakeClient()
	now := time.Now()
	client.Klines_["BTCUSDT:1h"] = []exchange.Kline{
		{Close: decimal.NewFromInt(100), OpenTime: now.Add(-24 * time.Hour)},
		{Close: decimal.NewFromInt(50), OpenTime: now},
	}
	cfg := DefaultRiskFilterConfig()
	cfg.EnablePremium24hFilter = true
	cfg.EnableEntryGainFilter = false
	filters := NewRiskFilters(client, cfg)

	res := filters.CheckAll(context.Background(), "BTCUSDT", now, 0, 0)
	assert.False(t, res.ShouldTrade)
	assert.Contains(t, res.Reason, "dropped")
}
