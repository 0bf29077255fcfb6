package entrypipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rs/zerolog"

	"github.com/surgewatch/surgebot/internal/config"
	"github.com/surgewatch/surgebot/internal/domain"
	"github.com/surgewatch/surgebot/internal/exchange"
	"github.com/surgewatch/surgebot/internal/notify"
	"github.com/surgewatch/surgebot/internal/persistence"
	"github.com/surgewatch/surgebot/internal/strategy"
)

type fakeTracker struct {
	tracked []*domain.TrackedPosition
	symbols map[string]struct{}
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{symbols: map[string]struct{}{}}
}

func (f *fakeTracker) Track(pos *domain.TrackedPosition) {
	f.tracked = append(f.tracked, pos)
	f.symbols[pos.Symbol] = struct{}{}
}

func (f *fakeTracker) TrackedSymbols() map[string]struct{} {
	return f.symbols
}

func testStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedTradeableSymbol(client *exchange.FakeClient, symbol string) {
	client.Symbols[symbol] = exchange.SymbolInfo{
		Symbol: symbol, QuoteAsset: "USDT", ContractType: "PERPETUAL", Status: "TRADING",
		TickSize: decimal.NewFromFloat(0.01), StepSize: decimal.NewFromFloat(0.001),
	}
	client.Tickers[symbol] = decimal.NewFromInt(100)
}

func newTestPipeline(t *testing.T, client *exchange.FakeClient, tracker PositionTracker, in <-chan domain.Signal) *Pipeline {
	t.Helper()
	mgr, err := config.NewManager("")
	require.NoError(t, err)
	mgr.Set(func(c *config.Config) { c.EnableRiskFilters = false })

	store := testStore(t)
	strat := strategy.NewSurgeShortStrategy(zerolog.Nop())
	return New(mgr, client, store, notify.NoopNotifier{}, strat, tracker, nil, in, zerolog.Nop())
}

func TestExecuteEntryPlacesOrderAndTracksPosition(t *testing.T) {
	client := exchange.NewFakeClient()
	seedTradeableSymbol(client, "BTCUSDT")
	tracker := newFakeTracker()
	sig := make(chan domain.Signal, 1)
	p := newTestPipeline(t, client, tracker, sig)

	cfg := p.cfgMgr.Get()
	ok := p.executeEntry(context.Background(), domain.Signal{Symbol: "BTCUSDT", ReferencePrice: decimal.NewFromInt(100)}, map[string]struct{}{}, cfg)

	assert.True(t, ok)
	require.Len(t, tracker.tracked, 1)
	assert.Equal(t, "BTCUSDT", tracker.tracked[0].Symbol)
	assert.Equal(t, domain.SideShort, tracker.tracked[0].Side)
}

func TestExecuteEntryRejectsWhenAlreadyInLivePending(t *testing.T) {
	client := exchange.NewFakeClient()
	seedTradeableSymbol(client, "BTCUSDT")
	tracker := newFakeTracker()
	sig := make(chan domain.Signal, 1)
	p := newTestPipeline(t, client, tracker, sig)

	cfg := p.cfgMgr.Get()
	ok := p.executeEntry(context.Background(), domain.Signal{Symbol: "BTCUSDT"}, map[string]struct{}{"BTCUSDT": {}}, cfg)

	assert.False(t, ok)
	assert.Empty(t, tracker.tracked)
}

func TestExecuteEntryRejectsWhenAlreadyOpenOnExchange(t *testing.T) {
	client := exchange.NewFakeClient()
	seedTradeableSymbol(client, "BTCUSDT")
	client.Positions["BTCUSDT"] = exchange.PositionRisk{Symbol: "BTCUSDT", PositionAmt: decimal.NewFromFloat(-0.5)}
	tracker := newFakeTracker()
	sig := make(chan domain.Signal, 1)
	p := newTestPipeline(t, client, tracker, sig)

	cfg := p.cfgMgr.Get()
	ok := p.executeEntry(context.Background(), domain.Signal{Symbol: "BTCUSDT"}, map[string]struct{}{}, cfg)

	assert.False(t, ok)
	assert.Empty(t, tracker.tracked)
}

func TestExecuteEntryRejectsWhenSymbolAlreadyTrackedButNotYetOpen(t *testing.T) {
	client := exchange.NewFakeClient()
	seedTradeableSymbol(client, "BTCUSDT")
	// the tracked position's entry order is still resting (NEW), so
	// PositionRisk reports zero amount and openSymbols never catches it.
	tracker := newFakeTracker()
	tracker.symbols["BTCUSDT"] = struct{}{}
	sig := make(chan domain.Signal, 1)
	p := newTestPipeline(t, client, tracker, sig)

	cfg := p.cfgMgr.Get()
	ok := p.executeEntry(context.Background(), domain.Signal{Symbol: "BTCUSDT"}, map[string]struct{}{}, cfg)

	assert.False(t, ok, "a symbol with an already-tracked position must not get a second live entry")
	assert.Empty(t, tracker.tracked, "executeEntry must not place or track a second position for the symbol")
}

func TestExecuteEntryRejectsAtMaxPositions(t *testing.T) {
	client := exchange.NewFakeClient()
	seedTradeableSymbol(client, "BTCUSDT")
	tracker := newFakeTracker()
	tracker.symbols["ETHUSDT"] = struct{}{}
	sig := make(chan domain.Signal, 1)
	p := newTestPipeline(t, client, tracker, sig)

	cfg := p.cfgMgr.Get()
	cfg.MaxPositions = 1

	ok := p.executeEntry(context.Background(), domain.Signal{Symbol: "BTCUSDT"}, map[string]struct{}{}, cfg)
	assert.False(t, ok)
}

func TestExecuteBatchSkipsWhenAutoTradeDisabled(t *testing.T) {
	client := exchange.NewFakeClient()
	seedTradeableSymbol(client, "BTCUSDT")
	tracker := newFakeTracker()
	sig := make(chan domain.Signal, 1)
	p := newTestPipeline(t, client, tracker, sig)
	p.cfgMgr.Set(func(c *config.Config) { c.AutoTradeEnabled = false })

	p.executeBatch(context.Background(), []domain.Signal{{Symbol: "BTCUSDT", ReferencePrice: decimal.NewFromInt(100)}})
	assert.Empty(t, tracker.tracked)
}

func TestExecuteBatchOrdersBySurgeRatioDescending(t *testing.T) {
	client := exchange.NewFakeClient()
	seedTradeableSymbol(client, "AAAUSDT")
	seedTradeableSymbol(client, "BBBUSDT")
	tracker := newFakeTracker()
	sig := make(chan domain.Signal, 1)
	p := newTestPipeline(t, client, tracker, sig)
	p.cfgMgr.Set(func(c *config.Config) { c.MaxPositions = 5 })

	p.executeBatch(context.Background(), []domain.Signal{
		{Symbol: "AAAUSDT", SurgeRatio: 5, ReferencePrice: decimal.NewFromInt(100)},
		{Symbol: "BBBUSDT", SurgeRatio: 20, ReferencePrice: decimal.NewFromInt(100)},
	})

	require.Len(t, tracker.tracked, 2)
	assert.Equal(t, "BBBUSDT", tracker.tracked[0].Symbol, "higher surge ratio enters first")
}

func TestEntriesTodayCountReturnsZeroWithoutStore(t *testing.T) {
	p := &Pipeline{}
	assert.Equal(t, 0, p.entriesTodayCount(time.Now()))
}
