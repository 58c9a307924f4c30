// Package metrics exposes Prometheus counters and gauges for the
// measurement engine: package-level collectors registered in init, with
// small Inc/Set helpers called from the rest of the codebase.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measurement_attempts_total",
			Help: "First-leg triggers observed, by asset and side.",
		},
		[]string{"asset", "side"},
	)

	AttemptOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measurement_attempt_outcomes_total",
			Help: "Terminal attempt outcomes, by asset and outcome (paired|failed).",
		},
		[]string{"asset", "outcome"},
	)

	AnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measurement_anomalies_total",
			Help: "Quality anomalies reported, by kind.",
		},
		[]string{"kind"},
	)

	MarketsFlagged = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "measurement_markets_flagged",
			Help: "Markets currently flagged for exceeding the anomaly threshold.",
		},
	)

	WriterQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "measurement_writer_queue_depth",
			Help: "Commands currently buffered ahead of the durable writer's batch commit.",
		},
	)

	MarketsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "measurement_markets_active",
			Help: "Markets currently being monitored across all assets.",
		},
	)

	CyclesRunTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measurement_cycles_run_total",
			Help: "Evaluator cycles run, by asset.",
		},
		[]string{"asset"},
	)

	StreamReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "measurement_stream_reconnects_total",
			Help: "Stream sessions torn down and redialed.",
		},
	)

	StreamUnknownEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measurement_stream_unknown_events_total",
			Help: "Stream messages dropped for an unrecognized event kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(AttemptsTotal, AttemptOutcomesTotal, AnomaliesTotal)
	prometheus.MustRegister(MarketsFlagged, WriterQueueDepth, MarketsActive, CyclesRunTotal)
	prometheus.MustRegister(StreamReconnectsTotal, StreamUnknownEventsTotal)
}

// IncAttempt records a new first-leg trigger.
func IncAttempt(asset, side string) { AttemptsTotal.WithLabelValues(asset, side).Inc() }

// IncOutcome records a terminal attempt outcome.
func IncOutcome(asset, outcome string) { AttemptOutcomesTotal.WithLabelValues(asset, outcome).Inc() }

// IncAnomaly records one quality anomaly of the given kind.
func IncAnomaly(kind string) { AnomaliesTotal.WithLabelValues(kind).Inc() }

// SetMarketsFlagged reports the current count of anomaly-flagged markets.
func SetMarketsFlagged(n int) { MarketsFlagged.Set(float64(n)) }

// SetWriterQueueDepth reports the writer's current pending-command count.
func SetWriterQueueDepth(n int) { WriterQueueDepth.Set(float64(n)) }

// SetMarketsActive reports the current count of running monitors.
func SetMarketsActive(n int) { MarketsActive.Set(float64(n)) }

// IncCyclesRun records one evaluator cycle for asset.
func IncCyclesRun(asset string) { CyclesRunTotal.WithLabelValues(asset).Inc() }

// IncStreamReconnect records one stream session teardown-and-redial.
func IncStreamReconnect() { StreamReconnectsTotal.Inc() }

// IncStreamUnknownEvent records one dropped stream message of an
// unrecognized kind.
func IncStreamUnknownEvent(kind string) { StreamUnknownEventsTotal.WithLabelValues(kind).Inc() }
