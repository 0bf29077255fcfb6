package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/surgewatch/surgebot/internal/exchange"
)

// FilterResult is the per-check outcome of one entry-risk filter.
type FilterResult struct {
	ShouldTrade bool
	Reason      string
	Metrics     map[string]any
}

func passWithMetrics(reason string, metrics map[string]any) FilterResult {
	return FilterResult{ShouldTrade: true, Reason: reason, Metrics: metrics}
}

func rejectWithMetrics(reason string, metrics map[string]any) FilterResult {
	return FilterResult{ShouldTrade: false, Reason: reason, Metrics: metrics}
}

// pctRange is a [lo, hi] danger band, inclusive both ends.
type pctRange struct{ lo, hi float64 }

func inAnyRange(v float64, ranges []pctRange) (pctRange, bool) {
	for _, r := range ranges {
		if v >= r.lo && v <= r.hi {
			return r, true
		}
	}
	return pctRange{}, false
}

// RiskFilterConfig mirrors risk_filters.py's RiskFilterConfig dataclass:
// every filter defaults disabled except the entry-gain filter.
type RiskFilterConfig struct {
	EnablePremium24hFilter bool
	Premium24hDropThreshold float64

	EnableEntryGainFilter bool
	EntryGainMaxPct       float64
	EntryGainMinPct       float64

	EnableCVDFilter    bool
	CVDLookbackHours   int

	EnablePremiumRealtimeFilter bool
	PremiumMinThreshold         float64

	EnableBuyAccelerationFilter bool
	BuyAccelDangerRanges        []pctRange

	EnableConsecutiveBuyRatioFilter bool
	ConsecutiveBuyRatioHours        int
	ConsecutiveBuyRatioThreshold    float64

	EnableBuySellRatioFilter    bool
	BuySellRatioDangerRanges    []pctRange
	EnableIntradayBuyRatioFilter bool
	IntradayBuyRatioDangerRanges []pctRange
}

// DefaultRiskFilterConfig matches risk_filters.py's dataclass defaults.
func DefaultRiskFilterConfig() RiskFilterConfig {
	return RiskFilterConfig{
		EnablePremium24hFilter:  false,
		Premium24hDropThreshold: -40.0,

		EnableEntryGainFilter: true,
		EntryGainMaxPct:       9.04,
		EntryGainMinPct:       -3.0,

		EnableCVDFilter:  false,
		CVDLookbackHours: 24,

		EnablePremiumRealtimeFilter: false,
		PremiumMinThreshold:         -0.003,

		EnableBuyAccelerationFilter: false,
		BuyAccelDangerRanges: []pctRange{
			{-0.05, -0.042}, {0.118, 0.12}, {0.0117, 0.03}, {0.2, 0.99},
		},

		EnableConsecutiveBuyRatioFilter: false,
		ConsecutiveBuyRatioHours:        3,
		ConsecutiveBuyRatioThreshold:    2.5,

		EnableBuySellRatioFilter: false,
		BuySellRatioDangerRanges: []pctRange{
			{0.94, 1.12},
		},
		EnableIntradayBuyRatioFilter: false,
		IntradayBuyRatioDangerRanges: []pctRange{
			{2.78, 3.71}, {25, 29},
		},
	}
}

// RiskFilters is the fail-fast, fail-open entry-filter pipeline, grounded
// on risk_filters.py's RiskFilters.check_all.
type RiskFilters struct {
	client exchange.Client
	cfg    RiskFilterConfig
}

func NewRiskFilters(client exchange.Client, cfg RiskFilterConfig) *RiskFilters {
	return &RiskFilters{client: client, cfg: cfg}
}

// CheckAll runs the sequential pipeline: premium_24h_change, entry_gain
// (max-pct, inline), cvd_new_low, premium_realtime, buy_acceleration,
// consecutive_buy_ratio, buy_sell_ratio — then a separate entry-gain
// min-pct check, matching check_all's two-pass structure.
func (r *RiskFilters) CheckAll(ctx context.Context, symbol string, entryDatetime time.Time, entryPrice, signalPrice float64) FilterResult {
	metrics := map[string]any{}

	type step struct {
		enabled bool
		fn      func() FilterResult
	}
	steps := []step{
		{r.cfg.EnablePremium24hFilter, func() FilterResult { return r.checkPremium24hChange(ctx, symbol, entryDatetime) }},
		{r.cfg.EnableEntryGainFilter, func() FilterResult { return r.checkEntryGainMax(symbol, entryPrice, signalPrice) }},
		{r.cfg.EnableCVDFilter, func() FilterResult { return r.checkCVDNewLow(ctx, symbol, entryDatetime) }},
		{r.cfg.EnablePremiumRealtimeFilter, func() FilterResult { return r.checkPremiumRealtime(ctx, symbol) }},
		{r.cfg.EnableBuyAccelerationFilter, func() FilterResult { return r.checkBuyAcceleration(ctx, symbol, entryDatetime) }},
		{r.cfg.EnableConsecutiveBuyRatioFilter, func() FilterResult { return r.checkConsecutiveBuyRatio(ctx, symbol, entryDatetime) }},
		{r.cfg.EnableBuySellRatioFilter, func() FilterResult { return r.checkBuySellRatio(ctx, symbol, entryDatetime) }},
	}

	for _, s := range steps {
		if !s.enabled {
			continue
		}
		res := s.fn()
		for k, v := range res.Metrics {
			metrics[k] = v
		}
		if !res.ShouldTrade {
			return rejectWithMetrics(res.Reason, metrics)
		}
	}

	if r.cfg.EnableEntryGainFilter && entryPrice > 0 && signalPrice > 0 {
		if res := r.checkEntryGainMin(symbol, entryPrice, signalPrice); !res.ShouldTrade {
			for k, v := range res.Metrics {
				metrics[k] = v
			}
			return rejectWithMetrics(res.Reason, metrics)
		}
	}

	return passWithMetrics("", metrics)
}

func (r *RiskFilters) checkPremium24hChange(ctx context.Context, symbol string, entryDatetime time.Time) FilterResult {
	entryMs := entryDatetime.UnixMilli()
	startMs := entryMs - 25*3600*1000
	klines, err := r.client.Klines(ctx, symbol, "1h", startMs, entryMs, 25)
	if err != nil {
		return passWithMetrics(fmt.Sprintf("premium 24h check error: %v", err), map[string]any{"premium_24h_change": nil})
	}
	if len(klines) < 2 {
		return passWithMetrics("insufficient kline data for premium 24h", map[string]any{"premium_24h_change": nil})
	}
	priceAgo, _ := klines[0].Close.Float64()
	priceNow, _ := klines[len(klines)-1].Close.Float64()
	if abs(priceAgo) < 1e-10 {
		return passWithMetrics("", map[string]any{"premium_24h_change": nil})
	}
	changePct := (priceNow - priceAgo) / priceAgo * 100
	metrics := map[string]any{"premium_24h_change": changePct, "price_24h_ago": priceAgo, "price_now": priceNow}
	if changePct < r.cfg.Premium24hDropThreshold {
		return rejectWithMetrics(fmt.Sprintf("price dropped %.2f%% in 24h (threshold: %.1f%%)", changePct, r.cfg.Premium24hDropThreshold), metrics)
	}
	return passWithMetrics("", metrics)
}

func (r *RiskFilters) checkEntryGainMax(symbol string, entryPrice, signalPrice float64) FilterResult {
	if signalPrice <= 0 {
		return passWithMetrics("", map[string]any{"entry_gain_pct": nil})
	}
	gainPct := (entryPrice - signalPrice) / signalPrice * 100
	metrics := map[string]any{"entry_gain_pct": gainPct, "entry_price": entryPrice, "signal_price": signalPrice}
	if gainPct > r.cfg.EntryGainMaxPct {
		return rejectWithMetrics(fmt.Sprintf("price already up %.2f%% since signal (max: %.2f%%)", gainPct, r.cfg.EntryGainMaxPct), metrics)
	}
	return passWithMetrics("", metrics)
}

func (r *RiskFilters) checkEntryGainMin(symbol string, entryPrice, signalPrice float64) FilterResult {
	gainPct := (entryPrice - signalPrice) / signalPrice * 100
	metrics := map[string]any{"entry_gain_pct": gainPct}
	if gainPct < r.cfg.EntryGainMinPct {
		return rejectWithMetrics(fmt.Sprintf("price down %.2f%% since signal (min: %.2f%%)", gainPct, r.cfg.EntryGainMinPct), metrics)
	}
	return passWithMetrics("", metrics)
}

func (r *RiskFilters) checkCVDNewLow(ctx context.Context, symbol string, entryDatetime time.Time) FilterResult {
	entryMs := entryDatetime.UnixMilli()
	lookbackMs := int64(r.cfg.CVDLookbackHours) * 3600 * 1000
	startMs := entryMs - lookbackMs
	klines, err := r.client.Klines(ctx, symbol, "1h", startMs, entryMs, r.cfg.CVDLookbackHours+1)
	if err != nil {
		return passWithMetrics(fmt.Sprintf("cvd check error: %v", err), map[string]any{"cvd_is_new_low": nil})
	}
	if len(klines) < 2 {
		return passWithMetrics("cvd data insufficient", map[string]any{"cvd_is_new_low": nil})
	}
	var cumulative float64
	values := make([]float64, 0, len(klines))
	for _, k := range klines {
		buy, _ := k.TakerBuyBaseVolume.Float64()
		vol, _ := k.Volume.Float64()
		sell := vol - buy
		cumulative += buy - sell
		values = append(values, cumulative)
	}
	current := values[len(values)-1]
	min := values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
	}
	isNewLow := current <= min
	metrics := map[string]any{"cvd_current": current, "cvd_min": min, "cvd_is_new_low": isNewLow}
	if isNewLow {
		return rejectWithMetrics(fmt.Sprintf("cvd at new low (%.0f, min: %.0f) - panic selling exhaustion", current, min), metrics)
	}
	return passWithMetrics("", metrics)
}

func (r *RiskFilters) checkPremiumRealtime(ctx context.Context, symbol string) FilterResult {
	p, err := r.client.PremiumIndex(ctx, symbol)
	if err != nil {
		return passWithMetrics(fmt.Sprintf("premium realtime check error: %v", err), map[string]any{"premium_realtime": nil})
	}
	mark, _ := p.MarkPrice.Float64()
	index, _ := p.IndexPrice.Float64()
	if index <= 0 {
		return passWithMetrics("", map[string]any{"premium_realtime": nil})
	}
	premium := (mark - index) / index
	metrics := map[string]any{"premium_realtime": premium, "mark_price": mark, "index_price": index}
	if premium < r.cfg.PremiumMinThreshold {
		return rejectWithMetrics(fmt.Sprintf("premium %.3f%% < %.1f%% - negative basis too large", premium*100, r.cfg.PremiumMinThreshold*100), metrics)
	}
	return passWithMetrics("", metrics)
}

func (r *RiskFilters) checkBuyAcceleration(ctx context.Context, symbol string, entryDatetime time.Time) FilterResult {
	entryMs := entryDatetime.UnixMilli()
	startMs := entryMs - 24*3600*1000
	klines, err := r.client.Klines(ctx, symbol, "1h", startMs, entryMs, 24)
	if err != nil {
		return passWithMetrics(fmt.Sprintf("buy acceleration check error: %v", err), map[string]any{"buy_acceleration": nil})
	}
	if len(klines) < 12 {
		return passWithMetrics("not enough data for buy acceleration", map[string]any{"buy_acceleration": nil})
	}
	ratios := make([]float64, 0, len(klines))
	for _, k := range klines {
		buy, _ := k.TakerBuyBaseVolume.Float64()
		vol, _ := k.Volume.Float64()
		sell := vol - buy
		ratios = append(ratios, buy/(sell+1e-10))
	}
	n := len(ratios)
	last6 := ratios[n-6:]
	var first18 []float64
	if n > 6 {
		first18 = ratios[:n-6]
	} else {
		first18 = ratios[:n/2]
	}
	accel := mean(last6) - mean(first18)
	metrics := map[string]any{"buy_acceleration": accel}
	if rng, ok := inAnyRange(accel, r.cfg.BuyAccelDangerRanges); ok {
		return rejectWithMetrics(fmt.Sprintf("buy acceleration %.4f in danger range [%.4f, %.4f]", accel, rng.lo, rng.hi), metrics)
	}
	return passWithMetrics("", metrics)
}

func (r *RiskFilters) checkConsecutiveBuyRatio(ctx context.Context, symbol string, entryDatetime time.Time) FilterResult {
	entryMs := entryDatetime.UnixMilli()
	startMs := entryMs - 12*3600*1000
	threshold := r.cfg.ConsecutiveBuyRatioThreshold
	required := r.cfg.ConsecutiveBuyRatioHours

	klines, err := r.client.Klines(ctx, symbol, "1h", startMs, entryMs, 12)
	if err != nil {
		return passWithMetrics(fmt.Sprintf("consecutive buy check error: %v", err), map[string]any{"max_consecutive_buy": 0})
	}
	if len(klines) < required+1 {
		return passWithMetrics("not enough data for consecutive buy check", map[string]any{"max_consecutive_buy": 0})
	}
	buyVols := make([]float64, len(klines))
	for i, k := range klines {
		v, _ := k.TakerBuyBaseVolume.Float64()
		buyVols[i] = v
	}
	maxConsecutive, run := 0, 0
	for i := 1; i < len(buyVols); i++ {
		if buyVols[i-1] > 0 && buyVols[i]/buyVols[i-1] > threshold {
			run++
			if run > maxConsecutive {
				maxConsecutive = run
			}
		} else {
			run = 0
		}
	}
	metrics := map[string]any{"max_consecutive_buy": maxConsecutive}
	if maxConsecutive >= required {
		return rejectWithMetrics(fmt.Sprintf("consecutive %dh buy surge > %.1fx - sustained breakout risk", maxConsecutive, threshold), metrics)
	}
	return passWithMetrics("", metrics)
}

func (r *RiskFilters) checkBuySellRatio(ctx context.Context, symbol string, entryDatetime time.Time) FilterResult {
	entryMs := entryDatetime.UnixMilli()
	startMs := entryMs - 12*3600*1000
	klines, err := r.client.Klines(ctx, symbol, "1h", startMs, entryMs, 12)
	if err != nil {
		return passWithMetrics(fmt.Sprintf("buy/sell ratio check error: %v", err), map[string]any{"buy_sell_ratio": nil})
	}
	if len(klines) < 2 {
		return passWithMetrics("not enough data for buy/sell ratio", map[string]any{"buy_sell_ratio": nil})
	}
	var maxBuyRatio, maxSellRatio float64
	for i := 1; i < len(klines); i++ {
		prevBuy, _ := klines[i-1].TakerBuyBaseVolume.Float64()
		prevVol, _ := klines[i-1].Volume.Float64()
		prevSell := prevVol - prevBuy
		currBuy, _ := klines[i].TakerBuyBaseVolume.Float64()
		currVol, _ := klines[i].Volume.Float64()
		currSell := currVol - currBuy

		if prevBuy > 0 && currBuy/prevBuy > maxBuyRatio {
			maxBuyRatio = currBuy / prevBuy
		}
		if prevSell > 0 && currSell/prevSell > maxSellRatio {
			maxSellRatio = currSell / prevSell
		}
	}
	var bsRatio float64
	if maxSellRatio > 0 {
		bsRatio = maxBuyRatio / maxSellRatio
	}
	metrics := map[string]any{"buy_sell_ratio": bsRatio, "max_buy_ratio": maxBuyRatio, "max_sell_ratio": maxSellRatio}

	if rng, ok := inAnyRange(bsRatio, r.cfg.BuySellRatioDangerRanges); ok {
		return rejectWithMetrics(fmt.Sprintf("buy/sell ratio %.3f in danger range [%.2f, %.2f] - ambiguous direction", bsRatio, rng.lo, rng.hi), metrics)
	}
	if r.cfg.EnableIntradayBuyRatioFilter {
		if rng, ok := inAnyRange(maxBuyRatio, r.cfg.IntradayBuyRatioDangerRanges); ok {
			return rejectWithMetrics(fmt.Sprintf("intraday buy ratio %.2fx in danger range [%.2f, %.2f]", maxBuyRatio, rng.lo, rng.hi), metrics)
		}
	}
	return passWithMetrics("", metrics)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
