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

// SurgeShortStrategy is the engine's default policy: short the surge,
// size TP/SL from config, reassess strength at 2h/12h checkpoints.
type SurgeShortStrategy struct {
	log zerolog.Logger
}

func NewSurgeShortStrategy(log zerolog.Logger) *SurgeShortStrategy {
	return &SurgeShortStrategy{log: log.With().Str("component", "strategy.surge_short").Logger()}
}

func (s *SurgeShortStrategy) CreateScanner(cfgMgr *config.Manager, out chan<- domain.Signal, client exchange.Client, log zerolog.Logger) scanner.Scanner {
	return scanner.New(cfgMgr, client, out, log)
}

// FilterEntry runs the risk filter pipeline (when enabled) and otherwise
// accepts every signal as a SHORT with the configured strong TP/SL.
func (s *SurgeShortStrategy) FilterEntry(ctx context.Context, client exchange.Client, signal domain.Signal, entryPrice, signalPrice decimal.Decimal, now time.Time, cfg config.Config) EntryDecision {
	if cfg.EnableRiskFilters {
		rf := NewRiskFilters(client, DefaultRiskFilterConfig())
		entryF, _ := entryPrice.Float64()
		signalF, _ := signalPrice.Float64()
		result := rf.CheckAll(ctx, signal.Symbol, now, entryF, signalF)
		if !result.ShouldTrade {
			return EntryDecision{ShouldEnter: false, RejectReason: result.Reason, Metrics: result.Metrics}
		}
	}

	return EntryDecision{
		ShouldEnter: true,
		Side:        domain.SideShort,
		TPPct:       cfg.StrongTPPct,
		SLPct:       cfg.StopLossPct,
	}
}

// EvaluatePosition implements dynamic TP at the 2h/12h checkpoints, the
// four supplemented early-exit checkpoints (2h, 12h, 24h), and the legacy max-hold
// fallback — grounded on strategy.py's evaluate_position.
func (s *SurgeShortStrategy) EvaluatePosition(ctx context.Context, client exchange.Client, pos *domain.TrackedPosition, cfg config.Config, now time.Time) PositionAction {
	if !pos.EntryFilled || pos.EntryPrice.IsZero() {
		return PositionAction{Action: ActionHold}
	}

	holdHours := now.Sub(pos.EntryFillTime).Hours()

	if holdHours >= cfg.MaxHoldHours {
		return PositionAction{Action: ActionClose, Reason: "max_hold_time"}
	}

	if action, ok := s.checkSupplementedExits(ctx, client, pos, cfg, holdHours); ok {
		return action
	}

	if !pos.Evaluated2h && holdHours >= 2.0 {
		pos.Evaluated2h = true
		dropRatio := s.calc5mDropRatio(ctx, client, pos.Symbol, pos.EntryFillTime, pos.EntryFillTime.Add(2*time.Hour), pos.EntryPrice, cfg.StrengthEval2hGrowth)
		oldTP := pos.CurrentTPPct

		var newStrength domain.Strength
		var newTP float64
		if dropRatio != nil && *dropRatio >= cfg.StrengthEval2hRatio {
			newStrength = domain.StrengthStrong
			newTP = cfg.StrongTPPct
		} else {
			newStrength = domain.StrengthMedium
			newTP = cfg.MediumTPPct
		}

		oldTPFloat, _ := oldTP.Float64()
		if newTP != oldTPFloat {
			return PositionAction{Action: ActionAdjustTP, NewTPPct: newTP, NewStrength: newStrength}
		}
		pos.Strength = newStrength
	}

	if !pos.Evaluated12h && holdHours >= 12.0 {
		pos.Evaluated12h = true
		dropRatio := s.calc5mDropRatio(ctx, client, pos.Symbol, pos.EntryFillTime, pos.EntryFillTime.Add(12*time.Hour), pos.EntryPrice, cfg.StrengthEval12hGrowth)
		oldTP := pos.CurrentTPPct
		oldTPFloat, _ := oldTP.Float64()

		var newStrength domain.Strength
		var newTP float64

		if dropRatio != nil && *dropRatio >= cfg.StrengthEval12hRatio {
			newStrength = domain.StrengthStrong
			newTP = cfg.StrongTPPct
		} else if s.checkConsecutiveSurge(ctx, client, pos) {
			if pos.Strength == domain.StrengthStrong {
				newStrength = domain.StrengthStrong
				newTP = cfg.StrongTPPct
			} else {
				newStrength = domain.StrengthMedium
				newTP = cfg.MediumTPPct
			}
		} else {
			newStrength = domain.StrengthWeak
			newTP = cfg.WeakTPPct
		}

		if newTP != oldTPFloat {
			return PositionAction{Action: ActionAdjustTP, NewTPPct: newTP, NewStrength: newStrength}
		}
		pos.Strength = newStrength
	}

	return PositionAction{Action: ActionHold}
}

// checkSupplementedExits covers the four live_config.py checkpoints the
// distilled spec omitted: 2h/12h early stop, keyed on the 5m drop ratio
// helper, and the 24h weak/max-gain exits, keyed on unrealizedGainPct.
func (s *SurgeShortStrategy) checkSupplementedExits(ctx context.Context, client exchange.Client, pos *domain.TrackedPosition, cfg config.Config, holdHours float64) (PositionAction, bool) {
	if cfg.Enable2hEarlyStop && holdHours >= 2.0 && holdHours < 2.25 {
		dropRatio := s.calc5mDropRatio(ctx, client, pos.Symbol, pos.EntryFillTime, pos.EntryFillTime.Add(2*time.Hour), pos.EntryPrice, cfg.StrengthEval2hGrowth)
		if dropRatio != nil && *dropRatio < cfg.EarlyStop2hThreshold {
			return PositionAction{Action: ActionClose, Reason: "early_stop_2h"}, true
		}
	}
	if cfg.Enable12hEarlyStop && holdHours >= 12.0 && holdHours < 12.25 {
		dropRatio := s.calc5mDropRatio(ctx, client, pos.Symbol, pos.EntryFillTime, pos.EntryFillTime.Add(12*time.Hour), pos.EntryPrice, cfg.StrengthEval12hGrowth)
		if dropRatio != nil && *dropRatio < cfg.EarlyStop12hThreshold {
			return PositionAction{Action: ActionClose, Reason: "early_stop_12h"}, true
		}
	}
	if holdHours >= 24.0 {
		// the 24h thresholds are fractions (0.30 = 30%); unrealizedGainPct is in percent
		gain := s.unrealizedGainPct(ctx, client, pos) / 100
		if cfg.EnableMaxGain24hExit && gain >= cfg.MaxGain24hThreshold {
			return PositionAction{Action: ActionClose, Reason: "max_gain_24h"}, true
		}
		if cfg.EnableWeak24hExit && pos.Strength == domain.StrengthWeak && gain < cfg.Weak24hThreshold {
			return PositionAction{Action: ActionClose, Reason: "weak_24h"}, true
		}
	}
	return PositionAction{}, false
}

// unrealizedGainPct returns this short's gain-in-percent at the current
// mark price; 0 on any fetch error (fail-open, consistent with the
// risk-filter methods above).
func (s *SurgeShortStrategy) unrealizedGainPct(ctx context.Context, client exchange.Client, pos *domain.TrackedPosition) float64 {
	premium, err := client.PremiumIndex(ctx, pos.Symbol)
	if err != nil {
		return 0
	}
	entry, _ := pos.EntryPrice.Float64()
	markF, _ := premium.MarkPrice.Float64()
	if entry == 0 {
		return 0
	}
	return (entry - markF) / entry * 100
}

// calc5mDropRatio is the fraction of 5m candles between start and end
// whose close dropped below entryPrice by more than threshold, grounded
// on strategy.py's _calc_5m_drop_ratio.
func (s *SurgeShortStrategy) calc5mDropRatio(ctx context.Context, client exchange.Client, symbol string, start, end time.Time, entryPrice decimal.Decimal, threshold float64) *float64 {
	klines, err := client.Klines(ctx, symbol, "5m", start.UnixMilli(), end.UnixMilli(), 1500)
	if err != nil || len(klines) < 2 {
		return nil
	}
	ep, _ := entryPrice.Float64()
	if ep == 0 {
		return nil
	}
	var drops int
	for _, k := range klines {
		closeF, _ := k.Close.Float64()
		if (closeF-ep)/ep < -threshold {
			drops++
		}
	}
	ratio := float64(drops) / float64(len(klines))
	return &ratio
}

// checkConsecutiveSurge re-verifies that both the signal hour and the
// entry hour carried >=10x yesterday's average hourly sell volume, so a
// genuinely sustained surge isn't downgraded to weak at the 12h mark.
// Grounded on strategy.py's _check_consecutive_surge.
func (s *SurgeShortStrategy) checkConsecutiveSurge(ctx context.Context, client exchange.Client, pos *domain.TrackedPosition) bool {
	if pos.EntryFillTime.IsZero() {
		return false
	}
	const surgeThreshold = 10.0
	signalHour := pos.EntryFillTime.Add(-1 * time.Hour)
	entryHour := pos.EntryFillTime

	yesterday := signalHour.AddDate(0, 0, -1)
	yStart := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, time.UTC)
	yEnd := yStart.Add(24 * time.Hour)

	daily, err := client.Klines(ctx, pos.Symbol, "1d", yStart.UnixMilli(), yEnd.UnixMilli(), 1)
	if err != nil || len(daily) == 0 {
		return false
	}
	volume, _ := daily[0].Volume.Float64()
	buy, _ := daily[0].TakerBuyBaseVolume.Float64()
	yesterdayAvgHourSell := (volume - buy) / 24.0
	if yesterdayAvgHourSell <= 0 {
		return false
	}

	klines, err := client.Klines(ctx, pos.Symbol, "1h", signalHour.UnixMilli(), entryHour.UnixMilli(), 2)
	if err != nil || len(klines) < 2 {
		return false
	}

	last2 := klines[len(klines)-2:]
	for _, k := range last2 {
		vol, _ := k.Volume.Float64()
		buyVol, _ := k.TakerBuyBaseVolume.Float64()
		sellVol := vol - buyVol
		if sellVol/yesterdayAvgHourSell < surgeThreshold {
			return false
		}
	}
	return true
}

var _ Strategy = (*SurgeShortStrategy)(nil)
