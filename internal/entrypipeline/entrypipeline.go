// Package entrypipeline is the signal consumer: batches signals into a
// pending pool, orders them by surge strength, then runs each one through
// the guard sequence and places a live entry order.
package entrypipeline

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/surgewatch/surgebot/internal/config"
	"github.com/surgewatch/surgebot/internal/domain"
	"github.com/surgewatch/surgebot/internal/exchange"
	"github.com/surgewatch/surgebot/internal/money"
	"github.com/surgewatch/surgebot/internal/notify"
	"github.com/surgewatch/surgebot/internal/persistence"
	"github.com/surgewatch/surgebot/internal/strategy"
	"github.com/surgewatch/surgebot/internal/telemetry"
)

// PositionTracker is the slice of the monitor's API the entry pipeline
// needs: registering a freshly placed entry so the monitor starts polling
// it for fills, and the set of symbols already tracked (used by the
// in-flight guard alongside live exchange positions).
type PositionTracker interface {
	Track(pos *domain.TrackedPosition)
	TrackedSymbols() map[string]struct{}
}

// Pipeline consumes signals off one channel, pools them for a short delay,
// and serially executes accepted entries.
type Pipeline struct {
	cfgMgr   *config.Manager
	client   exchange.Client
	store    *persistence.Store
	notifier notify.Notifier
	strat    strategy.Strategy
	tracker  PositionTracker
	metrics  *telemetry.Metrics
	log      zerolog.Logger

	in <-chan domain.Signal
}

func New(
	cfgMgr *config.Manager,
	client exchange.Client,
	store *persistence.Store,
	notifier notify.Notifier,
	strat strategy.Strategy,
	tracker PositionTracker,
	metrics *telemetry.Metrics,
	in <-chan domain.Signal,
	log zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		cfgMgr: cfgMgr, client: client, store: store, notifier: notifier,
		strat: strat, tracker: tracker, metrics: metrics, in: in,
		log: log.With().Str("component", "entrypipeline").Logger(),
	}
}

// Run drains the signal channel until ctx is cancelled, matching
// trader.py's _process_signals loop.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-p.in:
			if !ok {
				return
			}
			pending := []domain.Signal{sig}
		drain:
			for {
				select {
				case s, ok := <-p.in:
					if !ok {
						break drain
					}
					pending = append(pending, s)
				default:
					break drain
				}
			}

			delay := p.cfgMgr.Get().PendingPoolDelay()
			p.log.Info().Int("count", len(pending)).Dur("delay", delay).Msg("signals entered pending pool")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			p.executeBatch(ctx, pending)
		}
	}
}

// executeBatch sorts the pool by descending surge ratio — strongest
// signals first — and enters them one at a time, letting the exchange
// register each position before the next guard check runs.
func (p *Pipeline) executeBatch(ctx context.Context, pending []domain.Signal) {
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].SurgeRatio > pending[j].SurgeRatio
	})

	livePending := map[string]struct{}{}
	cfg := p.cfgMgr.Get()

	for i, sig := range pending {
		if ctx.Err() != nil {
			return
		}
		if !cfg.AutoTradeEnabled {
			p.rejectAndRecord(sig, "auto_trade_disabled", nil)
			continue
		}
		if ok := p.executeEntry(ctx, sig, livePending, cfg); ok {
			livePending[sig.Symbol] = struct{}{}
			if i < len(pending)-1 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(2 * time.Second):
				}
			}
		}
	}
}

func (p *Pipeline) rejectAndRecord(sig domain.Signal, reason string, metrics map[string]any) {
	p.log.Info().Str("symbol", sig.Symbol).Str("reason", reason).Msg("entry rejected")
	if p.metrics != nil {
		p.metrics.EntriesRejected.WithLabelValues(reason).Inc()
	}
	metricsJSON := "{}"
	if metrics != nil {
		if b, err := json.Marshal(metrics); err == nil {
			metricsJSON = string(b)
		}
	}
	event := domain.SignalEvent{
		Signal:       sig,
		Accepted:     false,
		RejectReason: reason,
		MetricsJSON:  metricsJSON,
		RecordedAt:   time.Now().UTC(),
	}
	if p.store != nil {
		if err := p.store.SaveSignalEvent(event); err != nil {
			p.log.Warn().Err(err).Msg("failed to persist rejected signal event")
		}
	}
}

// executeEntry runs the nine-step guard sequence: auto-trade gate (checked
// by the caller), combined position/pending check, optional
// max-entries-per-day guard, reference price fetch, risk filters,
// daily-loss check, sizing, order placement, and monitor registration.
func (p *Pipeline) executeEntry(ctx context.Context, sig domain.Signal, livePending map[string]struct{}, cfg config.Config) bool {
	symbol := sig.Symbol
	now := time.Now().UTC()

	risks, err := p.client.PositionRisk(ctx, "")
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to check exchange positions, failing closed")
		return false
	}
	openSymbols := map[string]struct{}{}
	for _, r := range risks {
		if !r.PositionAmt.IsZero() {
			openSymbols[r.Symbol] = struct{}{}
		}
	}
	trackedSymbols := map[string]struct{}{}
	if p.tracker != nil {
		trackedSymbols = p.tracker.TrackedSymbols()
	}
	combinedCount := len(unionKeys(openSymbols, livePending, trackedSymbols))
	if _, already := openSymbols[symbol]; already {
		p.rejectAndRecord(sig, "already in position", nil)
		return false
	}
	if _, already := livePending[symbol]; already {
		p.rejectAndRecord(sig, "already in position", nil)
		return false
	}
	if _, already := trackedSymbols[symbol]; already {
		p.rejectAndRecord(sig, "already in position", nil)
		return false
	}
	if combinedCount >= cfg.MaxPositions {
		p.rejectAndRecord(sig, "max positions reached", nil)
		return false
	}

	if cfg.MaxEntriesPerDay > 0 && p.entriesTodayCount(now) >= cfg.MaxEntriesPerDay {
		p.rejectAndRecord(sig, "max entries per day reached", nil)
		return false
	}

	entryPrice, err := p.client.TickerPrice(ctx, symbol)
	if err != nil {
		p.rejectAndRecord(sig, "price fetch failed", nil)
		return false
	}
	signalPrice := sig.ReferencePrice

	decision := p.strat.FilterEntry(ctx, p.client, sig, entryPrice, signalPrice, now, cfg)
	if !decision.ShouldEnter {
		p.rejectAndRecord(sig, decision.RejectReason, decision.Metrics)
		return false
	}

	if cfg.DailyLossLimitUSDT > 0 {
		dailyPnL, err := p.dailyRealizedPnL(ctx, now)
		if err == nil && dailyPnL.LessThanOrEqual(decimal.NewFromFloat(-cfg.DailyLossLimitUSDT)) {
			p.rejectAndRecord(sig, "daily loss limit reached", nil)
			p.notifier.NotifyEscalation(symbol, "daily loss limit reached, new entries halted")
			return false
		}
	}

	margin := p.computeMargin(ctx, cfg)
	quantity := money.QuantityFromMargin(margin, cfg.Leverage, entryPrice)

	if err := p.client.SetLeverage(ctx, symbol, cfg.Leverage); err != nil {
		p.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to set leverage, continuing with existing setting")
	}

	info, err := p.client.ExchangeInfo(ctx)
	if err != nil {
		p.rejectAndRecord(sig, "exchange info fetch failed", nil)
		return false
	}
	symInfo, ok := info[symbol]
	if !ok {
		p.rejectAndRecord(sig, "symbol not found in exchange info", nil)
		return false
	}
	roundedEntry := exchange.RoundPrice(entryPrice, symInfo)
	roundedQty := exchange.RoundQuantity(quantity, symInfo)

	side := decision.Side
	entrySide := exchange.OrderSideSell
	closeSide := domain.SideLong
	tpPrice := exchange.RoundPrice(money.Below(roundedEntry, decision.TPPct), symInfo)
	slPrice := exchange.RoundPrice(money.Above(roundedEntry, decision.SLPct), symInfo)
	if side == domain.SideLong {
		entrySide = exchange.OrderSideBuy
		closeSide = domain.SideShort
		tpPrice = exchange.RoundPrice(money.Above(roundedEntry, decision.TPPct), symInfo)
		slPrice = exchange.RoundPrice(money.Below(roundedEntry, decision.SLPct), symInfo)
	}

	positionSide := "BOTH"
	if hedge, err := p.client.PositionMode(ctx); err != nil {
		p.log.Warn().Err(err).Msg("failed to query position mode, assuming one-way")
	} else if hedge {
		positionSide = string(side)
	}

	prefix := uuid.New().String()[:8]
	order, err := p.client.PlaceOrder(ctx, exchange.PlaceOrderParams{
		Symbol:        symbol,
		Side:          entrySide,
		PositionSide:  positionSide,
		Type:          exchange.OrderTypeLimit,
		TimeInForce:   "GTC",
		Quantity:      roundedQty,
		Price:         roundedEntry,
		ClientOrderID: "entry_" + prefix,
	})
	if err != nil {
		p.log.Error().Err(err).Str("symbol", symbol).Msg("entry order placement failed")
		p.rejectAndRecord(sig, "entry order placement failed", nil)
		return false
	}

	p.log.Info().Str("symbol", symbol).Int64("order_id", order.OrderID).Str("price", roundedEntry.String()).Str("qty", roundedQty.String()).Msg("live entry placed")
	if p.metrics != nil {
		p.metrics.EntriesPlaced.Inc()
		p.metrics.SignalsEmitted.WithLabelValues(symbol).Inc()
	}

	event := domain.SignalEvent{Signal: sig, Accepted: true, RecordedAt: now}
	if p.store != nil {
		if err := p.store.SaveSignalEvent(event); err != nil {
			p.log.Warn().Err(err).Msg("failed to persist accepted signal event")
		}
	}

	if p.tracker != nil {
		p.tracker.Track(&domain.TrackedPosition{
			Symbol:       symbol,
			Side:         side,
			EntryOrderID: order.OrderID,
			Quantity:     roundedQty,
			CreatedAt:    now,
			CurrentTPPct: decimal.NewFromFloat(decision.TPPct),
			Bracket: domain.BracketParams{
				Symbol:       symbol,
				CloseSide:    closeSide,
				PositionSide: positionSide,
				TPPrice:      tpPrice,
				SLPrice:      slPrice,
				Quantity:     roundedQty,
				Prefix:       prefix,
			},
		})
	}

	p.notifier.Notify("entry placed: " + symbol + " " + string(side) + " @ " + roundedEntry.String())

	return true
}

func unionKeys(sets ...map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range sets {
		for k := range s {
			out[k] = struct{}{}
		}
	}
	return out
}

// entriesTodayCount queries signal_events for accepted entries within the
// current UTC day, backing the optional max_entries_per_day guard.
func (p *Pipeline) entriesTodayCount(now time.Time) int {
	if p.store == nil {
		return 0
	}
	n, err := p.store.CountAcceptedSince(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC))
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to count today's entries, treating as zero (fail-open)")
		return 0
	}
	return n
}

func (p *Pipeline) dailyRealizedPnL(ctx context.Context, now time.Time) (decimal.Decimal, error) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	records, err := p.client.IncomeHistory(ctx, "", start.UnixMilli(), now.UnixMilli())
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range records {
		if r.IncomeType == "REALIZED_PNL" {
			total = total.Add(r.Income)
		}
	}
	return total, nil
}

func (p *Pipeline) computeMargin(ctx context.Context, cfg config.Config) decimal.Decimal {
	if cfg.MarginMode == "percent" {
		balances, err := p.client.AccountBalance(ctx)
		if err == nil {
			for _, b := range balances {
				if b.Asset != "USDT" {
					continue
				}
				margin := b.AvailableBalance.Mul(decimal.NewFromFloat(cfg.MarginPct)).Div(decimal.NewFromInt(100))
				if margin.LessThan(decimal.NewFromInt(1)) {
					margin = decimal.NewFromInt(1)
				}
				return margin
			}
		} else {
			p.log.Warn().Err(err).Msg("failed to fetch balance, falling back to fixed margin")
		}
	}
	return decimal.NewFromFloat(cfg.LiveFixedMarginUSDT)
}
