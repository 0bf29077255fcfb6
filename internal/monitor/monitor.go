// Package monitor owns every live position from entry placement to close:
// polling for the entry fill, placing the deferred TP/SL bracket, running
// the strategy's per-checkpoint evaluation, detecting and auto-replacing a
// manually cancelled bracket leg, force-closing on a strategy exit, and
// recovering tracked state from the exchange and the persistence store
// after a restart.
package monitor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/surgewatch/surgebot/internal/config"
	"github.com/surgewatch/surgebot/internal/domain"
	"github.com/surgewatch/surgebot/internal/eventstream"
	"github.com/surgewatch/surgebot/internal/exchange"
	"github.com/surgewatch/surgebot/internal/money"
	"github.com/surgewatch/surgebot/internal/notify"
	"github.com/surgewatch/surgebot/internal/persistence"
	"github.com/surgewatch/surgebot/internal/strategy"
	"github.com/surgewatch/surgebot/internal/telemetry"
)

// maxReplaceAttempts bounds the auto re-place retries for a manually
// cancelled TP/SL leg, so a persistently failing leg escalates to a human
// instead of hammering the exchange into a rate-limit ban.
const maxReplaceAttempts = 10

// exchangeInfoTTL caches tick/step size lookups so a busy poll loop with
// many tracked positions doesn't re-fetch exchangeInfo every cycle.
const exchangeInfoTTL = 4 * time.Hour

// orphanCleanupEveryNPolls runs the orphan-algo-order sweep every tenth
// cycle, starting with the first (roughly every 10 minutes at the default
// 60s interval).
const orphanCleanupEveryNPolls = 10

// SLCooldownNotifier is the scanner's side of the SL-triggered cross-talk:
// a stop-loss exit blocks same-day re-entry on that symbol.
type SLCooldownNotifier interface {
	AddSLCooldown(symbol string)
}

// Monitor is the sole owner of every TrackedPosition. It implements
// entrypipeline.PositionTracker.
type Monitor struct {
	cfgMgr   *config.Manager
	client   exchange.Client
	store    *persistence.Store
	notifier notify.Notifier
	strat    strategy.Strategy
	sl       SLCooldownNotifier
	metrics  *telemetry.Metrics
	log      zerolog.Logger

	mu        sync.Mutex
	positions map[string]*domain.TrackedPosition
	pollCount int

	infoMu sync.Mutex
	info   map[string]exchange.SymbolInfo
	infoAt time.Time
}

func New(
	cfgMgr *config.Manager,
	client exchange.Client,
	store *persistence.Store,
	notifier notify.Notifier,
	strat strategy.Strategy,
	sl SLCooldownNotifier,
	metrics *telemetry.Metrics,
	log zerolog.Logger,
) *Monitor {
	return &Monitor{
		cfgMgr: cfgMgr, client: client, store: store, notifier: notifier,
		strat: strat, sl: sl, metrics: metrics,
		positions: make(map[string]*domain.TrackedPosition),
		log:       log.With().Str("component", "monitor").Logger(),
	}
}

// Track registers a freshly placed entry for polling (invariant a: at most
// one TrackedPosition per symbol — a later Track for the same symbol would
// only happen once the earlier one is closed and pruned).
func (m *Monitor) Track(pos *domain.TrackedPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.Symbol] = pos
	m.setTrackedGauge()
	m.log.Info().Str("symbol", pos.Symbol).Str("side", string(pos.Side)).Int64("entry_order_id", pos.EntryOrderID).Msg("tracking new position")
}

// TrackedSymbols reports every symbol with an open (not yet closed)
// TrackedPosition, used by the entry pipeline's combined in-flight guard.
func (m *Monitor) TrackedSymbols() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{}, len(m.positions))
	for symbol, pos := range m.positions {
		if !pos.Closed {
			out[symbol] = struct{}{}
		}
	}
	return out
}

func (m *Monitor) setTrackedGauge() {
	if m.metrics == nil {
		return
	}
	n := 0
	for _, p := range m.positions {
		if !p.Closed {
			n++
		}
	}
	m.metrics.TrackedPositions.Set(float64(n))
}

// Run recovers positions from exchange state, then polls every tracked
// position on cfg.MonitorInterval() until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if err := m.recoverPositions(ctx); err != nil {
		m.log.Error().Err(err).Msg("position recovery failed")
	}

	m.log.Info().Dur("interval", m.cfgMgr.Get().MonitorInterval()).Msg("position monitor started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfgMgr.Get().MonitorInterval()):
		}
		m.checkAll(ctx)
	}
}

// checkAll polls every open position and, every orphanCleanupEveryNPolls
// cycles, sweeps algo orders left behind by a position nothing tracks
// anymore.
func (m *Monitor) checkAll(ctx context.Context) {
	m.mu.Lock()
	m.pollCount++
	cycle := m.pollCount
	snapshot := make([]*domain.TrackedPosition, 0, len(m.positions))
	for _, pos := range m.positions {
		if !pos.Closed {
			snapshot = append(snapshot, pos)
		}
	}
	m.mu.Unlock()

	for _, pos := range snapshot {
		m.checkPosition(ctx, pos)
	}

	m.pruneClosed()

	if cycle%orphanCleanupEveryNPolls == 1 {
		if err := m.cancelOrphanOrders(ctx); err != nil {
			m.log.Warn().Err(err).Msg("orphan order cleanup failed")
		}
	}
}

func (m *Monitor) pruneClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for symbol, pos := range m.positions {
		if pos.Closed {
			delete(m.positions, symbol)
		}
	}
	m.setTrackedGauge()
}

// checkPosition is the per-symbol state machine: entry-fill detection,
// deferred bracket placement, strategy evaluation, bracket-disappearance
// detection with real-trigger-vs-manual-cancel disambiguation, and the
// algo-id-lost fallback re-place.
func (m *Monitor) checkPosition(ctx context.Context, pos *domain.TrackedPosition) {
	now := time.Now().UTC()
	cfg := m.cfgMgr.Get()

	if !pos.EntryFilled {
		m.checkEntryFill(ctx, pos, now)
		if !pos.EntryFilled {
			return
		}
	}

	if !pos.TPSLPlaced {
		m.placeDeferredTPSL(ctx, pos)
		if !pos.TPSLPlaced {
			return
		}
	}

	if m.strat != nil {
		action := m.strat.EvaluatePosition(ctx, m.client, pos, cfg, now)
		switch action.Action {
		case strategy.ActionClose:
			m.log.Warn().Str("symbol", pos.Symbol).Str("reason", action.Reason).Msg("strategy closing position")
			m.recordLiveTrade(pos, domain.LiveTradeEventKind(action.Reason), decimal.Zero, "")
			if m.metrics != nil {
				m.metrics.PositionsClosed.WithLabelValues(action.Reason).Inc()
			}
			m.notifier.Notify("strategy closed " + pos.Symbol + ": " + action.Reason)
			m.forceClose(ctx, pos)
			return
		case strategy.ActionAdjustTP:
			pos.CurrentTPPct = decimal.NewFromFloat(action.NewTPPct)
			if action.NewStrength != "" {
				pos.Strength = action.NewStrength
			}
			m.replaceTPOrder(ctx, pos)
			m.savePositionState(pos)
			return
		case strategy.ActionHold:
			// fall through to bracket-disappearance checks
		}
	}

	m.checkBracketDisappearance(ctx, pos)

	// Fallback: an algo id can go nil after a failed replace without the
	// order having actually disappeared from the exchange's open set yet.
	if !pos.Closed && pos.TPSLPlaced {
		if !pos.HasTPAlgo() && !pos.TPTriggered {
			m.log.Warn().Str("symbol", pos.Symbol).Msg("TP algo id lost, re-placing")
			m.rePlaceSingleOrder(ctx, pos, "tp")
		}
		if !pos.HasSLAlgo() && !pos.SLTriggered {
			m.log.Warn().Str("symbol", pos.Symbol).Msg("SL algo id lost, re-placing")
			m.rePlaceSingleOrder(ctx, pos, "sl")
		}
	}

	// Legacy max-hold fallback, only reachable when no strategy is wired.
	if !pos.Closed && m.strat == nil {
		holdHours := now.Sub(pos.CreatedAt).Hours()
		if holdHours >= cfg.MaxHoldHours {
			m.log.Warn().Str("symbol", pos.Symbol).Float64("hold_hours", holdHours).Msg("max hold time exceeded, force closing")
			m.recordLiveTrade(pos, domain.EventTimeout, decimal.Zero, "")
			m.notifier.Notify("timeout close: " + pos.Symbol)
			m.forceClose(ctx, pos)
		}
	}
}

func (m *Monitor) checkEntryFill(ctx context.Context, pos *domain.TrackedPosition, now time.Time) {
	order, err := m.client.QueryOrder(ctx, pos.Symbol, pos.EntryOrderID)
	if err != nil {
		m.log.Debug().Err(err).Str("symbol", pos.Symbol).Msg("query entry order failed")
		return
	}
	switch order.Status {
	case exchange.OrderStatusFilled:
		pos.EntryFilled = true
		pos.EntryPrice = order.AvgPrice
		if pos.EntryPrice.IsZero() {
			pos.EntryPrice = order.Price
		}
		pos.EntryFillTime = now
		m.log.Info().Str("symbol", pos.Symbol).Str("side", string(pos.Side)).Str("price", pos.EntryPrice.String()).Msg("entry order filled")
		m.notifier.Notify("entry filled: " + pos.Symbol + " " + string(pos.Side) + " @ " + pos.EntryPrice.String())
		m.recordLiveTrade(pos, domain.EventEntry, decimal.Zero, strconv.FormatInt(pos.EntryOrderID, 10))
		m.placeDeferredTPSL(ctx, pos)
	case exchange.OrderStatusCanceled, exchange.OrderStatusExpired, exchange.OrderStatusRejected:
		m.log.Warn().Str("symbol", pos.Symbol).Str("status", string(order.Status)).Msg("entry order did not fill, stopping tracking")
		pos.Closed = true
	}
}

// placeDeferredTPSL places both bracket legs, reusing the Prefix computed
// at entry time so entry_/tp_/sl_ client ids share one 8-hex token.
func (m *Monitor) placeDeferredTPSL(ctx context.Context, pos *domain.TrackedPosition) {
	b := pos.Bracket
	closeOrderSide := exchange.OrderSideBuy
	if b.CloseSide == domain.SideShort {
		closeOrderSide = exchange.OrderSideSell
	}

	tpOK, slOK := true, true

	tpOrder, err := m.client.PlaceAlgoOrder(ctx, exchange.PlaceAlgoOrderParams{
		Symbol: b.Symbol, Side: closeOrderSide, PositionSide: b.PositionSide,
		Type: exchange.OrderTypeTakeProfitMarket, TriggerPrice: b.TPPrice, Quantity: b.Quantity,
		ReduceOnly: true, PriceProtect: true, WorkingType: "CONTRACT_PRICE",
		ClientAlgoID: "tp_" + b.Prefix,
	})
	if err != nil {
		m.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("TP placement failed")
		tpOK = false
	} else {
		pos.TPAlgoID = tpOrder.OrderID
		if m.metrics != nil {
			m.metrics.BracketsPlaced.WithLabelValues("tp").Inc()
		}
	}

	slOrder, err := m.client.PlaceAlgoOrder(ctx, exchange.PlaceAlgoOrderParams{
		Symbol: b.Symbol, Side: closeOrderSide, PositionSide: b.PositionSide,
		Type: exchange.OrderTypeStopMarket, TriggerPrice: b.SLPrice, Quantity: b.Quantity,
		ReduceOnly: true, PriceProtect: true, WorkingType: "CONTRACT_PRICE",
		ClientAlgoID: "sl_" + b.Prefix,
	})
	if err != nil {
		m.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("SL placement failed")
		slOK = false
	} else {
		pos.SLAlgoID = slOrder.OrderID
		if m.metrics != nil {
			m.metrics.BracketsPlaced.WithLabelValues("sl").Inc()
		}
	}

	if tpOK || slOK {
		pos.TPSLPlaced = true
		m.log.Info().Str("symbol", pos.Symbol).Int64("tp_id", pos.TPAlgoID).Int64("sl_id", pos.SLAlgoID).Msg("bracket placed")
		m.notifier.Notify("bracket placed: " + pos.Symbol + " tp=" + b.TPPrice.String() + " sl=" + b.SLPrice.String())
	}
	if !tpOK || !slOK {
		m.notifier.NotifyEscalation(pos.Symbol, "bracket leg placement failed, position may be partially unguarded")
	}
}

// checkBracketDisappearance diffs the open algo order set against the
// position's remembered ids. A missing id with a non-zero exchange position
// means it was manually cancelled — re-place it. A missing id with a zero
// exchange position means it actually triggered — close out the tracking.
func (m *Monitor) checkBracketDisappearance(ctx context.Context, pos *domain.TrackedPosition) {
	orders, err := m.client.OpenAlgoOrders(ctx, pos.Symbol)
	if err != nil {
		m.log.Debug().Err(err).Str("symbol", pos.Symbol).Msg("algo order check failed")
		return
	}
	open := make(map[int64]struct{}, len(orders))
	for _, o := range orders {
		open[o.OrderID] = struct{}{}
	}

	tpStillOpen := pos.HasTPAlgo()
	if tpStillOpen {
		_, tpStillOpen = open[pos.TPAlgoID]
	}
	slStillOpen := pos.HasSLAlgo()
	if slStillOpen {
		_, slStillOpen = open[pos.SLAlgoID]
	}

	if pos.HasTPAlgo() && !tpStillOpen && !pos.TPTriggered {
		if m.exchangePositionAmt(ctx, pos.Symbol).IsZero() {
			pos.TPTriggered = true
			pos.Closed = true
			m.log.Info().Str("symbol", pos.Symbol).Int64("tp_id", pos.TPAlgoID).Msg("take-profit triggered")
			m.notifier.Notify("TP triggered: " + pos.Symbol)
			if m.metrics != nil {
				m.metrics.PositionsClosed.WithLabelValues("tp").Inc()
			}
			m.recordLiveTrade(pos, domain.EventTP, pos.Bracket.TPPrice, strconv.FormatInt(pos.TPAlgoID, 10))
			if pos.HasSLAlgo() {
				if err := m.client.CancelAlgoOrder(ctx, pos.Symbol, pos.SLAlgoID); err != nil {
					m.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("failed to cancel sibling SL order")
				}
			}
			m.deletePositionState(pos.Symbol)
		} else {
			m.log.Warn().Str("symbol", pos.Symbol).Int64("tp_id", pos.TPAlgoID).Msg("TP order manually cancelled, re-placing")
			m.rePlaceSingleOrder(ctx, pos, "tp")
		}
	}

	if !pos.Closed && pos.HasSLAlgo() && !slStillOpen && !pos.SLTriggered {
		if m.exchangePositionAmt(ctx, pos.Symbol).IsZero() {
			pos.SLTriggered = true
			pos.Closed = true
			m.log.Info().Str("symbol", pos.Symbol).Int64("sl_id", pos.SLAlgoID).Msg("stop-loss triggered")
			m.notifier.Notify("SL triggered: " + pos.Symbol)
			if m.metrics != nil {
				m.metrics.PositionsClosed.WithLabelValues("sl").Inc()
			}
			if m.sl != nil {
				m.sl.AddSLCooldown(pos.Symbol)
			}
			m.recordLiveTrade(pos, domain.EventSL, pos.Bracket.SLPrice, strconv.FormatInt(pos.SLAlgoID, 10))
			if pos.HasTPAlgo() {
				if err := m.client.CancelAlgoOrder(ctx, pos.Symbol, pos.TPAlgoID); err != nil {
					m.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("failed to cancel sibling TP order")
				}
			}
			m.deletePositionState(pos.Symbol)
		} else {
			m.log.Warn().Str("symbol", pos.Symbol).Int64("sl_id", pos.SLAlgoID).Msg("SL order manually cancelled, re-placing")
			m.rePlaceSingleOrder(ctx, pos, "sl")
		}
	}
}

// exchangePositionAmt returns the absolute live position size, failing
// closed (returns 1, "assume the position still exists") on a query error
// so a transient fetch failure is never taken for a trigger: the missing
// leg is treated as manually cancelled and re-placed instead.
func (m *Monitor) exchangePositionAmt(ctx context.Context, symbol string) decimal.Decimal {
	risks, err := m.client.PositionRisk(ctx, symbol)
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("position query failed, assuming position still open")
		return decimal.NewFromInt(1)
	}
	for _, r := range risks {
		if r.Symbol == symbol {
			return r.PositionAmt.Abs()
		}
	}
	return decimal.Zero
}

// rePlaceSingleOrder re-places one bracket leg after a manual cancel or a
// lost algo id, bounded by maxReplaceAttempts per leg.
func (m *Monitor) rePlaceSingleOrder(ctx context.Context, pos *domain.TrackedPosition, leg string) {
	if pos.EntryPrice.IsZero() {
		return
	}

	failCount := pos.TPFailCount
	if leg == "sl" {
		failCount = pos.SLFailCount
	}
	if failCount >= maxReplaceAttempts {
		if failCount == maxReplaceAttempts {
			m.log.Error().Str("symbol", pos.Symbol).Str("leg", leg).Int("attempts", failCount).Msg("bracket leg re-place exhausted, stopping to avoid a ban")
			m.notifier.NotifyEscalation(pos.Symbol, fmt.Sprintf("%s re-place failed %d times, needs manual intervention", leg, failCount))
			if leg == "tp" {
				pos.TPFailCount++
			} else {
				pos.SLFailCount++
			}
		}
		return
	}

	closeOrderSide := exchange.OrderSideBuy
	if pos.Bracket.CloseSide == domain.SideShort {
		closeOrderSide = exchange.OrderSideSell
	}

	var price decimal.Decimal
	var orderType exchange.OrderType
	if leg == "tp" {
		pct, _ := pos.CurrentTPPct.Float64()
		orderType = exchange.OrderTypeTakeProfitMarket
		if pos.Side == domain.SideLong {
			price = money.Above(pos.EntryPrice, pct)
		} else {
			price = money.Below(pos.EntryPrice, pct)
		}
	} else {
		pct := m.cfgMgr.Get().StopLossPct
		orderType = exchange.OrderTypeStopMarket
		if pos.Side == domain.SideLong {
			price = money.Below(pos.EntryPrice, pct)
		} else {
			price = money.Above(pos.EntryPrice, pct)
		}
	}
	price = m.roundPrice(ctx, pos.Symbol, price)

	prefix := uuid.New().String()[:8]
	order, err := m.client.PlaceAlgoOrder(ctx, exchange.PlaceAlgoOrderParams{
		Symbol: pos.Symbol, Side: closeOrderSide, PositionSide: pos.Bracket.PositionSide,
		Type: orderType, TriggerPrice: price, Quantity: pos.Quantity,
		ReduceOnly: true, PriceProtect: true, WorkingType: "CONTRACT_PRICE",
		ClientAlgoID: leg + "_" + prefix,
	})
	if err != nil {
		if leg == "tp" {
			pos.TPFailCount++
			failCount = pos.TPFailCount
		} else {
			pos.SLFailCount++
			failCount = pos.SLFailCount
		}
		if m.metrics != nil {
			m.metrics.BracketRetries.WithLabelValues(leg).Inc()
		}
		m.log.Error().Err(err).Str("symbol", pos.Symbol).Str("leg", leg).Int("attempt", failCount).Msg("bracket re-place failed, position may be unguarded on this side")
		m.notifier.NotifyEscalation(pos.Symbol, fmt.Sprintf("%s re-place failed (attempt %d)", leg, failCount))
		return
	}

	if leg == "tp" {
		pos.TPAlgoID = order.OrderID
		pos.TPFailCount = 0
	} else {
		pos.SLAlgoID = order.OrderID
		pos.SLFailCount = 0
	}
	m.log.Info().Str("symbol", pos.Symbol).Str("leg", leg).Int64("order_id", order.OrderID).Str("price", price.String()).Msg("bracket leg auto re-placed after manual cancel")
	m.notifier.Notify(leg + " leg manually cancelled and auto re-placed: " + pos.Symbol + " @ " + price.String())
}

// replaceTPOrder cancels the current TP leg and places a new one at the
// strategy-adjusted price. If the new leg fails, restoreTPOrder places a
// fallback TP at cfg.StrongTPPct; if that also fails the position is left
// without a TP and the operator is notified.
func (m *Monitor) replaceTPOrder(ctx context.Context, pos *domain.TrackedPosition) {
	if pos.EntryPrice.IsZero() || !pos.HasTPAlgo() {
		return
	}
	oldAlgoID := pos.TPAlgoID

	if err := m.client.CancelAlgoOrder(ctx, pos.Symbol, pos.TPAlgoID); err != nil {
		m.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("failed to cancel old TP order, leaving it in place")
		return
	}
	pos.TPAlgoID = 0 // clear immediately so the poll loop doesn't misdetect as triggered

	pct, _ := pos.CurrentTPPct.Float64()
	var newPrice decimal.Decimal
	if pos.Side == domain.SideLong {
		newPrice = money.Above(pos.EntryPrice, pct)
	} else {
		newPrice = money.Below(pos.EntryPrice, pct)
	}
	newPrice = m.roundPrice(ctx, pos.Symbol, newPrice)

	closeOrderSide := exchange.OrderSideBuy
	if pos.Bracket.CloseSide == domain.SideShort {
		closeOrderSide = exchange.OrderSideSell
	}
	prefix := uuid.New().String()[:8]
	order, err := m.client.PlaceAlgoOrder(ctx, exchange.PlaceAlgoOrderParams{
		Symbol: pos.Symbol, Side: closeOrderSide, PositionSide: pos.Bracket.PositionSide,
		Type: exchange.OrderTypeTakeProfitMarket, TriggerPrice: newPrice, Quantity: pos.Quantity,
		ReduceOnly: true, PriceProtect: true, WorkingType: "CONTRACT_PRICE",
		ClientAlgoID: "tp_" + prefix,
	})
	if err != nil {
		m.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("new TP placement failed, restoring original TP")
		m.restoreTPOrder(ctx, pos, oldAlgoID)
		return
	}
	pos.TPAlgoID = order.OrderID
	m.log.Info().Str("symbol", pos.Symbol).Str("strength", string(pos.Strength)).Str("price", newPrice.String()).Int64("order_id", order.OrderID).Msg("dynamic TP adjusted")
	m.notifier.Notify("dynamic TP adjusted: " + pos.Symbol + " " + string(pos.Strength) + " -> " + newPrice.String())
}

// restoreTPOrder re-places a TP at the original configured percentage after
// a dynamic-TP replacement fails, so the position keeps some TP protection
// rather than none.
func (m *Monitor) restoreTPOrder(ctx context.Context, pos *domain.TrackedPosition, _ int64) {
	fallbackPct := m.cfgMgr.Get().StrongTPPct
	var price decimal.Decimal
	if pos.Side == domain.SideLong {
		price = money.Above(pos.EntryPrice, fallbackPct)
	} else {
		price = money.Below(pos.EntryPrice, fallbackPct)
	}
	price = m.roundPrice(ctx, pos.Symbol, price)

	closeOrderSide := exchange.OrderSideBuy
	if pos.Bracket.CloseSide == domain.SideShort {
		closeOrderSide = exchange.OrderSideSell
	}
	prefix := uuid.New().String()[:8]
	order, err := m.client.PlaceAlgoOrder(ctx, exchange.PlaceAlgoOrderParams{
		Symbol: pos.Symbol, Side: closeOrderSide, PositionSide: pos.Bracket.PositionSide,
		Type: exchange.OrderTypeTakeProfitMarket, TriggerPrice: price, Quantity: pos.Quantity,
		ReduceOnly: true, PriceProtect: true, WorkingType: "CONTRACT_PRICE",
		ClientAlgoID: "tp_" + prefix,
	})
	if err != nil {
		m.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("TP restore also failed, position has no take-profit protection")
		m.notifier.NotifyEscalation(pos.Symbol, "TP replace and restore both failed, no take-profit protection")
		return
	}
	pos.TPAlgoID = order.OrderID
	pos.CurrentTPPct = decimal.NewFromFloat(fallbackPct)
	m.log.Info().Str("symbol", pos.Symbol).Str("price", price.String()).Msg("TP restored at fallback percentage")
}

// forceClose market-closes a position and cancels both bracket legs,
// used by strategy-driven closes and the legacy max-hold fallback.
func (m *Monitor) forceClose(ctx context.Context, pos *domain.TrackedPosition) {
	closeOrderSide := exchange.OrderSideBuy
	if pos.Bracket.CloseSide == domain.SideShort {
		closeOrderSide = exchange.OrderSideSell
	}
	if _, err := m.client.PlaceMarketClose(ctx, pos.Symbol, closeOrderSide, pos.Quantity, pos.Bracket.PositionSide); err != nil {
		m.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("market close failed")
		m.notifier.NotifyEscalation(pos.Symbol, "force close order failed, position may still be open")
	} else {
		m.log.Info().Str("symbol", pos.Symbol).Msg("position force-closed")
	}

	if pos.HasTPAlgo() {
		if err := m.client.CancelAlgoOrder(ctx, pos.Symbol, pos.TPAlgoID); err != nil {
			m.log.Debug().Err(err).Str("symbol", pos.Symbol).Msg("TP cancel on force-close failed")
		}
	}
	if pos.HasSLAlgo() {
		if err := m.client.CancelAlgoOrder(ctx, pos.Symbol, pos.SLAlgoID); err != nil {
			m.log.Debug().Err(err).Str("symbol", pos.Symbol).Msg("SL cancel on force-close failed")
		}
	}
	pos.Closed = true
	m.deletePositionState(pos.Symbol)
}

// cancelOrphanOrders cancels any open algo order whose symbol has neither
// a live exchange position nor an in-flight tracked entry.
func (m *Monitor) cancelOrphanOrders(ctx context.Context) error {
	orders, err := m.client.OpenAlgoOrders(ctx, "")
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		return nil
	}
	risks, err := m.client.PositionRisk(ctx, "")
	if err != nil {
		return err
	}
	openSymbols := make(map[string]struct{}, len(risks))
	for _, r := range risks {
		if !r.PositionAmt.IsZero() {
			openSymbols[r.Symbol] = struct{}{}
		}
	}
	tracked := m.TrackedSymbols()

	cancelled := 0
	for _, o := range orders {
		if _, open := openSymbols[o.Symbol]; open {
			continue
		}
		if _, inFlight := tracked[o.Symbol]; inFlight {
			continue
		}
		if err := m.client.CancelAlgoOrder(ctx, o.Symbol, o.OrderID); err != nil {
			m.log.Warn().Err(err).Str("symbol", o.Symbol).Int64("order_id", o.OrderID).Msg("orphan order cancel failed")
			continue
		}
		cancelled++
		m.log.Warn().Str("symbol", o.Symbol).Int64("order_id", o.OrderID).Str("type", string(o.Type)).Msg("cancelled orphan algo order")
		m.notifier.Notify("cancelled orphan order: " + o.Symbol + " " + string(o.Type))
	}
	if cancelled > 0 {
		m.log.Info().Int("count", cancelled).Msg("orphan order sweep complete")
	}
	return nil
}

// recoverPositions matches every non-zero exchange position to a fresh
// TrackedPosition, restores dynamic-TP state from the persistence store,
// matches existing algo orders to TP/SL by their tp_/sl_ client id prefix,
// and places a missing bracket for a position that fell between an entry
// fill and the process crashing before placeDeferredTPSL ran.
func (m *Monitor) recoverPositions(ctx context.Context) error {
	risks, err := m.client.PositionRisk(ctx, "")
	if err != nil {
		return err
	}

	recovered := 0
	for _, r := range risks {
		if r.PositionAmt.IsZero() {
			continue
		}
		symbol := r.Symbol
		m.mu.Lock()
		_, already := m.positions[symbol]
		m.mu.Unlock()
		if already {
			continue
		}

		side := domain.SideShort
		closeSide := domain.SideLong
		if r.PositionAmt.IsPositive() {
			side = domain.SideLong
			closeSide = domain.SideShort
		}
		qty := r.PositionAmt.Abs()

		var tpAlgoID, slAlgoID int64
		algoOrders, err := m.client.OpenAlgoOrders(ctx, symbol)
		if err != nil {
			m.log.Debug().Err(err).Str("symbol", symbol).Msg("failed to fetch algo orders during recovery")
		}
		for _, ao := range algoOrders {
			switch {
			case strings.HasPrefix(ao.ClientOrderID, "tp_"):
				tpAlgoID = ao.OrderID
			case strings.HasPrefix(ao.ClientOrderID, "sl_"):
				slAlgoID = ao.OrderID
			}
		}

		pos := &domain.TrackedPosition{
			Symbol: symbol, Side: side, Quantity: qty,
			EntryFilled: true, EntryPrice: r.EntryPrice, EntryFillTime: time.Now().UTC(),
			TPSLPlaced: tpAlgoID != 0 || slAlgoID != 0,
			TPAlgoID:   tpAlgoID, SLAlgoID: slAlgoID,
			CurrentTPPct: decimal.NewFromFloat(m.cfgMgr.Get().StrongTPPct),
			Strength:     domain.StrengthUnknown,
			CreatedAt:    time.Now().UTC(),
			Bracket: domain.BracketParams{
				Symbol: symbol, CloseSide: closeSide, PositionSide: r.PositionSide, Quantity: qty,
			},
		}

		if saved, err := m.store.GetPositionState(symbol); err == nil && saved != nil {
			pos.CurrentTPPct = saved.CurrentTPPct
			pos.Strength = saved.Strength
			pos.Evaluated2h = saved.Evaluated2h
			pos.Evaluated12h = saved.Evaluated12h
			m.log.Info().Str("symbol", symbol).Str("tp_pct", pos.CurrentTPPct.String()).Str("strength", string(pos.Strength)).Msg("restored dynamic TP state from store")
		}

		m.mu.Lock()
		m.positions[symbol] = pos
		m.mu.Unlock()
		recovered++

		m.log.Info().Str("symbol", symbol).Str("side", string(side)).Str("qty", qty.String()).Bool("has_tp", tpAlgoID != 0).Bool("has_sl", slAlgoID != 0).Msg("recovered tracked position")

		if !pos.TPSLPlaced {
			tpPct, _ := pos.CurrentTPPct.Float64()
			slPct := m.cfgMgr.Get().StopLossPct
			if side == domain.SideShort {
				pos.Bracket.TPPrice = money.Below(pos.EntryPrice, tpPct)
				pos.Bracket.SLPrice = money.Above(pos.EntryPrice, slPct)
			} else {
				pos.Bracket.TPPrice = money.Above(pos.EntryPrice, tpPct)
				pos.Bracket.SLPrice = money.Below(pos.EntryPrice, slPct)
			}
			pos.Bracket.TPPrice = m.roundPrice(ctx, symbol, pos.Bracket.TPPrice)
			pos.Bracket.SLPrice = m.roundPrice(ctx, symbol, pos.Bracket.SLPrice)
			pos.Bracket.Prefix = "rc_" + uuid.New().String()[:6]
			pos.Quantity = m.roundQty(ctx, symbol, pos.Quantity)
			pos.Bracket.Quantity = pos.Quantity
			m.placeDeferredTPSL(ctx, pos)
			m.notifier.Notify("recovered position missing bracket, auto-placed: " + symbol)
		}
	}

	m.setTrackedGaugeLocked()

	if recovered > 0 {
		m.log.Info().Int("count", recovered).Msg("position recovery complete")
		m.notifier.Notify(fmt.Sprintf("recovered %d positions after restart", recovered))
	} else {
		m.log.Info().Msg("no positions to recover")
	}

	return m.cancelOrphanOrders(ctx)
}

func (m *Monitor) setTrackedGaugeLocked() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setTrackedGauge()
}

// roundPrice/roundQty cache exchangeInfo for exchangeInfoTTL, falling back
// to the raw value when the cache can't be refreshed (prefer a possibly
// over-precise price over silently dropping the re-place entirely).
func (m *Monitor) refreshSymbolInfo(ctx context.Context) {
	m.infoMu.Lock()
	defer m.infoMu.Unlock()
	if time.Since(m.infoAt) < exchangeInfoTTL && m.info != nil {
		return
	}
	info, err := m.client.ExchangeInfo(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("exchange info refresh failed, using stale cache")
		return
	}
	m.info = info
	m.infoAt = time.Now()
}

func (m *Monitor) roundPrice(ctx context.Context, symbol string, price decimal.Decimal) decimal.Decimal {
	m.refreshSymbolInfo(ctx)
	m.infoMu.Lock()
	info, ok := m.info[symbol]
	m.infoMu.Unlock()
	if !ok {
		return price
	}
	return exchange.RoundPrice(price, info)
}

func (m *Monitor) roundQty(ctx context.Context, symbol string, qty decimal.Decimal) decimal.Decimal {
	m.refreshSymbolInfo(ctx)
	m.infoMu.Lock()
	info, ok := m.info[symbol]
	m.infoMu.Unlock()
	if !ok {
		return qty
	}
	return exchange.RoundQuantity(qty, info)
}

func (m *Monitor) recordLiveTrade(pos *domain.TrackedPosition, event domain.LiveTradeEventKind, exitPrice decimal.Decimal, orderID string) {
	if m.store == nil {
		return
	}
	e := domain.LiveTradeEvent{
		Symbol: pos.Symbol, Side: pos.Side, Event: event,
		EntryPrice: pos.EntryPrice, ExitPrice: exitPrice, Quantity: pos.Quantity,
		OrderID: orderID, Timestamp: time.Now().UTC(),
	}
	if err := m.store.SaveLiveTrade(e); err != nil {
		m.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("failed to record live trade event")
	}
}

func (m *Monitor) savePositionState(pos *domain.TrackedPosition) {
	if m.store == nil {
		return
	}
	c := domain.PositionStateCheckpoint{
		Symbol: pos.Symbol, CurrentTPPct: pos.CurrentTPPct, Strength: pos.Strength,
		Evaluated2h: pos.Evaluated2h, Evaluated12h: pos.Evaluated12h,
	}
	if err := m.store.SavePositionState(c); err != nil {
		m.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("failed to persist position state")
	}
}

func (m *Monitor) deletePositionState(symbol string) {
	if m.store == nil {
		return
	}
	if err := m.store.DeletePositionState(symbol); err != nil {
		m.log.Debug().Err(err).Str("symbol", symbol).Msg("failed to delete position state")
	}
}

// HandleOrderUpdate is the WS fast path alongside the REST poll loop,
// grounded on live_position_monitor.py's handle_order_update: an entry fill
// or a TP/SL trigger is actioned immediately instead of waiting up to one
// poll interval to notice it.
func (m *Monitor) HandleOrderUpdate(ctx context.Context, u eventstream.OrderUpdate) {
	m.mu.Lock()
	pos, ok := m.positions[u.Symbol]
	m.mu.Unlock()
	if !ok || pos.Closed {
		return
	}

	if !pos.EntryFilled && u.OrderID == pos.EntryOrderID {
		if u.Status == exchange.OrderStatusFilled {
			pos.EntryFilled = true
			pos.EntryPrice = u.AvgPrice
			pos.EntryFillTime = time.Now().UTC()
			m.log.Info().Str("symbol", pos.Symbol).Str("price", pos.EntryPrice.String()).Msg("entry fill observed via event stream")
			m.notifier.Notify("entry filled: " + pos.Symbol + " " + string(pos.Side) + " @ " + pos.EntryPrice.String())
			m.recordLiveTrade(pos, domain.EventEntry, decimal.Zero, strconv.FormatInt(u.OrderID, 10))
			m.placeDeferredTPSL(ctx, pos)
		} else if u.Status == exchange.OrderStatusCanceled || u.Status == exchange.OrderStatusExpired || u.Status == exchange.OrderStatusRejected {
			pos.Closed = true
		}
		return
	}

	if u.Status != exchange.OrderStatusFilled {
		return
	}
	switch {
	case u.OrderID == pos.TPAlgoID && pos.HasTPAlgo() && !pos.TPTriggered:
		pos.TPTriggered = true
		pos.Closed = true
		m.log.Info().Str("symbol", pos.Symbol).Int64("tp_id", pos.TPAlgoID).Msg("take-profit triggered via event stream")
		m.notifier.Notify("TP triggered: " + pos.Symbol)
		if m.metrics != nil {
			m.metrics.PositionsClosed.WithLabelValues("tp").Inc()
		}
		m.recordLiveTrade(pos, domain.EventTP, pos.Bracket.TPPrice, strconv.FormatInt(u.OrderID, 10))
		if pos.HasSLAlgo() {
			if err := m.client.CancelAlgoOrder(ctx, pos.Symbol, pos.SLAlgoID); err != nil {
				m.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("failed to cancel sibling SL order")
			}
		}
		m.deletePositionState(pos.Symbol)
	case u.OrderID == pos.SLAlgoID && pos.HasSLAlgo() && !pos.SLTriggered:
		pos.SLTriggered = true
		pos.Closed = true
		m.log.Info().Str("symbol", pos.Symbol).Int64("sl_id", pos.SLAlgoID).Msg("stop-loss triggered via event stream")
		m.notifier.Notify("SL triggered: " + pos.Symbol)
		if m.metrics != nil {
			m.metrics.PositionsClosed.WithLabelValues("sl").Inc()
		}
		if m.sl != nil {
			m.sl.AddSLCooldown(pos.Symbol)
		}
		m.recordLiveTrade(pos, domain.EventSL, pos.Bracket.SLPrice, strconv.FormatInt(u.OrderID, 10))
		if pos.HasTPAlgo() {
			if err := m.client.CancelAlgoOrder(ctx, pos.Symbol, pos.TPAlgoID); err != nil {
				m.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("failed to cancel sibling TP order")
			}
		}
		m.deletePositionState(pos.Symbol)
	}
}

// HandleAccountUpdate keeps the live entry price current and catches a
// position going to zero between poll cycles. A zero amount on an
// entry-filled position is a redundancy layer: normally the order-update
// path or the poll loop's bracket-disappearance check closes the
// position and records the exact TP/SL/manual event first, but if both
// bracket orders were cancelled out-of-band (e.g. a manual exchange-side
// close) neither of those paths ever fires, so this path is the only one
// left to stop tracking the symbol.
func (m *Monitor) HandleAccountUpdate(positions []eventstream.AccountPosition) {
	for _, ap := range positions {
		m.mu.Lock()
		pos, ok := m.positions[ap.Symbol]
		m.mu.Unlock()
		if !ok || pos.Closed {
			continue
		}
		if ap.PositionAmt.IsZero() {
			if pos.EntryFilled {
				pos.Closed = true
				m.log.Info().Str("symbol", pos.Symbol).Msg("position closed externally, detected via account update")
				m.notifier.Notify("position closed externally: " + pos.Symbol)
				if m.metrics != nil {
					m.metrics.PositionsClosed.WithLabelValues("external").Inc()
				}
				m.recordLiveTrade(pos, domain.EventExternalClose, decimal.Zero, "")
				m.deletePositionState(pos.Symbol)
			}
			continue
		}
		if pos.EntryFilled && !ap.EntryPrice.IsZero() {
			pos.EntryPrice = ap.EntryPrice
		}
	}
}

// TrackedCount reports the number of currently open tracked positions.
func (m *Monitor) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.positions {
		if !p.Closed {
			n++
		}
	}
	return n
}
