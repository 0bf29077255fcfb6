// Package domain holds the plain data types shared by every subsystem of
// the trading engine: signals, tracked positions, and the persisted event
// shapes. Nothing in this package talks to the exchange or to disk.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the position side for an entry or a tracked position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the side that closes a position on this side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Strength classifies how convincingly a position's drop has played out
// by the 2h/12h dynamic take-profit checkpoints.
type Strength string

const (
	StrengthUnknown Strength = "unknown"
	StrengthStrong  Strength = "strong"
	StrengthMedium  Strength = "medium"
	StrengthWeak    Strength = "weak"
)

// Signal is the immutable output of the surge scanner. It is created once
// per (symbol, UTC day) and is never mutated after emission.
type Signal struct {
	Symbol              string
	SignalTime          time.Time // hour boundary (kline open time) the surge was detected at
	SurgeRatio          float64   // hourly_sell / yesterday_avg_hourly_sell
	ReferencePrice       decimal.Decimal
	YesterdayAvgHourSell decimal.Decimal
	CurrentHourSell      decimal.Decimal
}

// DedupKey is the "symbol:YYYY-MM-DD" key used for scanner dedup and for
// the SL cooldown set.
func (s Signal) DedupKey() string {
	return DedupKey(s.Symbol, s.SignalTime)
}

// DedupKey builds the canonical dedup key for a symbol at a given UTC instant.
func DedupKey(symbol string, at time.Time) string {
	return symbol + ":" + at.UTC().Format("2006-01-02")
}

// SignalEvent is the persisted record of a signal plus the entry pipeline's
// disposition of it. Append-only.
type SignalEvent struct {
	Signal
	Accepted      bool
	RejectReason  string
	MetricsJSON   string // free-form diagnostic snapshot from the entry filter
	RecordedAt    time.Time
}

// BracketParams are the deferred take-profit/stop-loss parameters computed
// at entry time; the monitor places the actual orders once the entry fills.
type BracketParams struct {
	Symbol      string
	CloseSide   Side // side of the order that closes the position
	PositionSide string // "LONG", "SHORT", or "BOTH" (one-way mode)
	TPPrice     decimal.Decimal
	SLPrice     decimal.Decimal
	Quantity    decimal.Decimal
	Prefix      string // 8-hex token shared by entry_/tp_/sl_ client ids
}

// TrackedPosition is the monitor's mutable view of one live position. At
// most one TrackedPosition exists per symbol at any instant (invariant a).
type TrackedPosition struct {
	Symbol string
	Side   Side

	EntryOrderID int64
	Quantity     decimal.Decimal

	Bracket BracketParams

	EntryFilled   bool
	EntryPrice    decimal.Decimal
	EntryFillTime time.Time

	TPSLPlaced bool
	TPAlgoID   int64 // 0 means unset
	SLAlgoID   int64
	TPTriggered bool
	SLTriggered bool

	CurrentTPPct decimal.Decimal
	Evaluated2h  bool
	Evaluated12h bool
	Strength     Strength

	TPFailCount int
	SLFailCount int

	CreatedAt time.Time
	Closed    bool
}

// HasTPAlgo reports whether the position currently believes it owns a live
// TP algo order (invariant-adjacent: tp_sl_placed implies entry_filled).
func (p *TrackedPosition) HasTPAlgo() bool { return p.TPAlgoID != 0 }

// HasSLAlgo reports whether the position currently believes it owns a live
// SL algo order.
func (p *TrackedPosition) HasSLAlgo() bool { return p.SLAlgoID != 0 }

// PositionStateCheckpoint is the only mutable persisted row keyed on an
// existing symbol; it survives process restarts so dynamic-TP state can be
// restored on recovery.
type PositionStateCheckpoint struct {
	Symbol        string
	CurrentTPPct  decimal.Decimal
	Strength      Strength
	Evaluated2h   bool
	Evaluated12h  bool
	UpdatedAt     time.Time
}

// LiveTradeEventKind enumerates the lifecycle events recorded for a position.
type LiveTradeEventKind string

const (
	EventEntry         LiveTradeEventKind = "entry"
	EventTP            LiveTradeEventKind = "tp"
	EventSL            LiveTradeEventKind = "sl"
	EventTimeout       LiveTradeEventKind = "timeout"
	EventStrategyClose LiveTradeEventKind = "strategy_close"
	EventEarlyStop2h   LiveTradeEventKind = "early_stop_2h"
	EventEarlyStop12h  LiveTradeEventKind = "early_stop_12h"
	EventWeak24h       LiveTradeEventKind = "weak_24h"
	EventMaxGain24h    LiveTradeEventKind = "max_gain_24h"
	EventExternalClose LiveTradeEventKind = "external_close"
)

// LiveTradeEvent is one append-only row in the lifecycle log of a position.
type LiveTradeEvent struct {
	Symbol      string
	Side        Side
	Event       LiveTradeEventKind
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	Quantity    decimal.Decimal
	RealizedPnL decimal.Decimal
	OrderID     string
	Timestamp   time.Time
}
