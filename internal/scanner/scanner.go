// Package scanner implements the Surge Scanner: a loop that wakes at every
// UTC hour boundary, compares the most recent hourly sell volume against
// yesterday's hourly average per symbol, and emits a Signal when the ratio
// falls in the configured acceptance window.
package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/surgewatch/surgebot/internal/config"
	"github.com/surgewatch/surgebot/internal/domain"
	"github.com/surgewatch/surgebot/internal/exchange"
)

// Scanner is the interface strategy.CreateScanner returns, so an
// alternative strategy can plug in any scan loop that produces Signal
// values on the same channel shape.
type Scanner interface {
	Run(ctx context.Context)
	AddSLCooldown(symbol string)
}

// SurgeScanner is the default scan-loop implementation.
type SurgeScanner struct {
	cfgMgr *config.Manager
	client exchange.Client
	out    chan<- domain.Signal
	log    zerolog.Logger

	mu           sync.Mutex
	symbols      []string
	symbolsDate  string
	dailyAvg     map[string]float64
	dailyDate    string
	seenSignals  map[string]bool
	slCooldown   map[string]bool
}

// New builds a SurgeScanner writing accepted signals onto out. out should
// be a buffered channel so a burst of symbols crossing threshold in the
// same hour doesn't block individual scan goroutines.
func New(cfgMgr *config.Manager, client exchange.Client, out chan<- domain.Signal, log zerolog.Logger) *SurgeScanner {
	return &SurgeScanner{
		cfgMgr:      cfgMgr,
		client:      client,
		out:         out,
		log:         log.With().Str("component", "scanner").Logger(),
		dailyAvg:    make(map[string]float64),
		seenSignals: make(map[string]bool),
		slCooldown:  make(map[string]bool),
	}
}

// AddSLCooldown is invoked by the monitor whenever a stop-loss triggers. It
// blocks the symbol from re-entering for the remainder of the current UTC
// day.
func (s *SurgeScanner) AddSLCooldown(symbol string) {
	key := domain.DedupKey(symbol, time.Now())
	s.mu.Lock()
	s.slCooldown[key] = true
	s.seenSignals[key] = true
	s.mu.Unlock()
	s.log.Info().Str("symbol", symbol).Msg("sl cooldown armed, blocked from re-entry today")
}

// Run blocks until ctx is cancelled, scanning once per UTC hour boundary.
func (s *SurgeScanner) Run(ctx context.Context) {
	cfg := s.cfgMgr.Get()
	s.log.Info().Float64("threshold", cfg.SurgeThreshold).Msg("surge scanner started")

	for {
		wait := untilNextBoundary(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		result := s.scanCurrentHour(ctx)
		s.log.Info().
			Int("new_signals", result.newSignals).
			Int("symbols_scanned", result.symbolsScanned).
			Int("errors", result.errors).
			Msg("scan cycle complete")
	}
}

// untilNextBoundary returns the duration until the next UTC hour boundary
// plus a 5-second grace period for kline finalisation.
func untilNextBoundary(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 5, 0, time.UTC).Add(time.Hour)
	return next.Sub(now)
}

type scanResult struct {
	newSignals     int
	symbolsScanned int
	errors         int
}

func (s *SurgeScanner) scanCurrentHour(ctx context.Context) scanResult {
	now := time.Now().UTC()
	s.refreshDailyCacheIfNeeded(ctx, now)

	symbols := s.usdtSymbols(ctx, now)
	var result scanResult
	result.symbolsScanned = len(symbols)

	cfg := s.cfgMgr.Get()
	concurrency := cfg.ScannerConcurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, symbol := range symbols {
		sem <- struct{}{}
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()

			sig, err := s.scanSymbol(ctx, symbol, now)
			time.Sleep(50 * time.Millisecond) // per-request spacing

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.errors++
				return
			}
			if sig == nil {
				return
			}
			key := sig.DedupKey()
			if s.markSeen(key) {
				select {
				case s.out <- *sig:
					result.newSignals++
				case <-ctx.Done():
				}
			}
		}(symbol)
	}
	wg.Wait()
	return result
}

func (s *SurgeScanner) markSeen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenSignals[key] {
		return false
	}
	s.seenSignals[key] = true
	return true
}

func (s *SurgeScanner) scanSymbol(ctx context.Context, symbol string, now time.Time) (*domain.Signal, error) {
	yAvg, err := s.yesterdayAvgSell(ctx, symbol, now)
	if err != nil {
		return nil, err
	}
	if yAvg <= 0 {
		return nil, nil
	}

	hourStart := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, time.UTC)
	prevHourStart := hourStart.Add(-time.Hour)
	klines, err := s.client.Klines(ctx, symbol, "1h", prevHourStart.UnixMilli(), hourStart.UnixMilli(), 1)
	if err != nil {
		return nil, err
	}
	if len(klines) == 0 {
		return nil, nil
	}

	hk := klines[0]
	hourlySell := hk.SellVolume()
	if hourlySell.Sign() <= 0 {
		return nil, nil
	}

	hourlySellF, _ := hourlySell.Float64()
	ratio := hourlySellF / yAvg

	cfg := s.cfgMgr.Get()
	if ratio < cfg.SurgeThreshold || ratio > cfg.SurgeMaxMultiple {
		return nil, nil
	}

	return &domain.Signal{
		Symbol:               symbol,
		SignalTime:           hk.OpenTime,
		SurgeRatio:           ratio,
		ReferencePrice:       hk.Close,
		YesterdayAvgHourSell: decimal.NewFromFloat(yAvg),
		CurrentHourSell:      hourlySell,
	}, nil
}

func (s *SurgeScanner) yesterdayAvgSell(ctx context.Context, symbol string, now time.Time) (float64, error) {
	s.mu.Lock()
	cached, ok := s.dailyAvg[symbol]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	yesterday := now.AddDate(0, 0, -1)
	yStart := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, time.UTC)
	yEnd := yStart.Add(24 * time.Hour)

	klines, err := s.client.Klines(ctx, symbol, "1d", yStart.UnixMilli(), yEnd.UnixMilli(), 1)
	if err != nil {
		return 0, err
	}
	if len(klines) == 0 {
		return 0, fmt.Errorf("scanner: no daily kline for %s", symbol)
	}

	dk := klines[0]
	avg, _ := dk.SellVolume().Div(decimal.NewFromInt(24)).Float64()

	s.mu.Lock()
	s.dailyAvg[symbol] = avg
	s.mu.Unlock()
	return avg, nil
}

func (s *SurgeScanner) usdtSymbols(ctx context.Context, now time.Time) []string {
	today := now.Format("2006-01-02")
	s.mu.Lock()
	if s.symbolsDate == today && s.symbols != nil {
		cached := s.symbols
		s.mu.Unlock()
		return cached
	}
	s.mu.Unlock()

	info, err := s.client.ExchangeInfo(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to refresh exchange info, reusing stale symbol list")
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.symbols
	}

	var symbols []string
	for _, si := range info {
		if si.Tradeable() {
			symbols = append(symbols, si.Symbol)
		}
	}

	s.mu.Lock()
	s.symbols = symbols
	s.symbolsDate = today
	s.mu.Unlock()
	return symbols
}

// refreshDailyCacheIfNeeded clears the per-symbol average cache and the
// seen-signal dedup set when the UTC date rolls over, enforcing at most
// one signal per symbol per UTC day.
func (s *SurgeScanner) refreshDailyCacheIfNeeded(ctx context.Context, now time.Time) {
	today := now.Format("2006-01-02")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dailyDate == today {
		return
	}
	if len(s.dailyAvg) > 0 {
		s.log.Info().
			Str("date", today).
			Int("cache_entries", len(s.dailyAvg)).
			Int("dedup_entries", len(s.seenSignals)).
			Msg("UTC date changed, clearing caches")
	}
	s.dailyAvg = make(map[string]float64)
	s.seenSignals = make(map[string]bool)
	s.slCooldown = make(map[string]bool)
	s.symbols = nil
	s.dailyDate = today
}

var _ Scanner = (*SurgeScanner)(nil)
