// Package telemetry exposes the engine's internal counters and gauges.
// These are registered against a private prometheus.Registry rather than
// the global default one, and nothing here serves /metrics — the scrape
// endpoint is an out-of-scope dashboard HTTP surface.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the engine updates.
type Metrics struct {
	Registry *prometheus.Registry

	SignalsEmitted   *prometheus.CounterVec // labels: symbol
	EntriesPlaced    prometheus.Counter
	EntriesRejected  *prometheus.CounterVec // labels: reason
	BracketsPlaced   *prometheus.CounterVec // labels: side (tp|sl)
	BracketRetries   *prometheus.CounterVec // labels: side
	PositionsClosed  *prometheus.CounterVec // labels: reason
	BanSecondsTotal  prometheus.Counter
	TrackedPositions prometheus.Gauge
}

// New builds a fresh Metrics bundle on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		SignalsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surgebot_signals_emitted_total",
			Help: "Signals whose entry order the entry pipeline placed, by symbol; signals rejected before placement are not counted.",
		}, []string{"symbol"}),
		EntriesPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "surgebot_entries_placed_total",
			Help: "Entry orders placed by the entry pipeline.",
		}),
		EntriesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surgebot_entries_rejected_total",
			Help: "Entry candidates rejected, by guard/reason.",
		}, []string{"reason"}),
		BracketsPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surgebot_brackets_placed_total",
			Help: "TP/SL algo orders placed, by side.",
		}, []string{"side"}),
		BracketRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surgebot_bracket_retries_total",
			Help: "Bracket re-place attempts, by side.",
		}, []string{"side"}),
		PositionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surgebot_positions_closed_total",
			Help: "Tracked positions closed, by reason.",
		}, []string{"reason"}),
		BanSecondsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "surgebot_ban_seconds_total",
			Help: "Cumulative seconds spent under the exchange rate-limit ban.",
		}),
		TrackedPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "surgebot_tracked_positions",
			Help: "Current number of tracked positions.",
		}),
	}
	reg.MustRegister(
		m.SignalsEmitted, m.EntriesPlaced, m.EntriesRejected,
		m.BracketsPlaced, m.BracketRetries, m.PositionsClosed,
		m.BanSecondsTotal, m.TrackedPositions,
	)
	return m
}
