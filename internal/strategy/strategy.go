// Package strategy is the pluggable entry-filter and position-evaluation
// policy: a small interface with three operations, injected once at
// construction, with SurgeShortStrategy as the default implementation.
package strategy

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/surgewatch/surgebot/internal/config"
	"github.com/surgewatch/surgebot/internal/domain"
	"github.com/surgewatch/surgebot/internal/exchange"
	"github.com/surgewatch/surgebot/internal/scanner"
)

// EntryDecision is the tagged result of Strategy.FilterEntry.
type EntryDecision struct {
	ShouldEnter  bool
	RejectReason string
	Side         domain.Side
	TPPct        float64
	SLPct        float64
	Metrics      map[string]any
}

// PositionActionKind enumerates evaluate_position's three outcomes.
type PositionActionKind string

const (
	ActionHold     PositionActionKind = "hold"
	ActionClose    PositionActionKind = "close"
	ActionAdjustTP PositionActionKind = "adjust_tp"
)

// PositionAction is the tagged result of Strategy.EvaluatePosition.
type PositionAction struct {
	Action      PositionActionKind
	Reason      string
	NewTPPct    float64
	NewStrength domain.Strength
}

// Strategy is the capability interface the engine depends on: no
// inheritance, three tagged-result methods.
type Strategy interface {
	CreateScanner(cfgMgr *config.Manager, out chan<- domain.Signal, client exchange.Client, log zerolog.Logger) scanner.Scanner
	FilterEntry(ctx context.Context, client exchange.Client, signal domain.Signal, entryPrice, signalPrice decimal.Decimal, now time.Time, cfg config.Config) EntryDecision
	EvaluatePosition(ctx context.Context, client exchange.Client, pos *domain.TrackedPosition, cfg config.Config, now time.Time) PositionAction
}
