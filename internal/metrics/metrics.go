// Package metrics exposes Prometheus metrics and the /healthz endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for a bot instance.
type Metrics struct {
	// Stream ingestion
	StreamMessages   prometheus.Counter
	StreamReconnects *prometheus.CounterVec // labels: reason
	WatchdogTrips    prometheus.Counter
	ParseErrors      prometheus.Counter
	UnknownEvents    *prometheus.CounterVec // labels: event
	StreamState      prometheus.Gauge       // 0=disconnected .. 4=reconnecting

	// Candle store
	CandlesUpserted *prometheus.CounterVec // labels: series, result=append|replace
	ClosedCandles   *prometheus.CounterVec // labels: series

	// Strategy engine
	Ticks            *prometheus.CounterVec // labels: outcome
	TickDur          prometheus.Histogram
	OperationsOpened prometheus.Counter
	OperationsClosed *prometheus.CounterVec // labels: result=win|loss
	PositionOpen     prometheus.Gauge
	CumulativeReturn prometheus.Gauge

	// Persistence and delivery
	LedgerFailures      prometheus.Counter
	MirrorFailures      prometheus.Counter
	MirrorBuffered      prometheus.Counter
	BreakerState        prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BreakerTrips        prometheus.Counter
	ArchiveCommitDur    prometheus.Histogram
	ArchivedCandles     prometheus.Counter
	NotifyFailures      prometheus.Counter
	NotifyDrops         prometheus.Counter
	HistoryCandlesTotal prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg
// (the default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	fast := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}

	m := &Metrics{
		StreamMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlebot_stream_messages_total",
			Help: "Frames received from the market data stream",
		}),
		StreamReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlebot_stream_reconnects_total",
			Help: "Stream reconnections by reason",
		}, []string{"reason"}),
		WatchdogTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlebot_stream_watchdog_trips_total",
			Help: "Times the silence watchdog forced a reconnect",
		}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlebot_stream_parse_errors_total",
			Help: "Malformed inbound frames",
		}),
		UnknownEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlebot_stream_unknown_events_total",
			Help: "Inbound events dropped because no handler exists",
		}, []string{"event"}),
		StreamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlebot_stream_state",
			Help: "Stream state (0=disconnected, 1=connecting, 2=connected, 3=degraded, 4=reconnecting)",
		}),

		CandlesUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlebot_candles_upserted_total",
			Help: "Candle upserts by series and whether they replaced an existing candle",
		}, []string{"series", "result"}),
		ClosedCandles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlebot_closed_candles_total",
			Help: "Closed candles received from the stream",
		}, []string{"series"}),

		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlebot_ticks_total",
			Help: "Strategy ticks by outcome",
		}, []string{"outcome"}),
		TickDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candlebot_tick_duration_seconds",
			Help:    "Strategy tick latency",
			Buckets: fast,
		}),
		OperationsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlebot_operations_opened_total",
			Help: "Operations opened",
		}),
		OperationsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlebot_operations_closed_total",
			Help: "Operations closed by result",
		}, []string{"result"}),
		PositionOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlebot_position_open",
			Help: "1 while a position is open",
		}),
		CumulativeReturn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlebot_cumulative_return",
			Help: "Product of exit/entry over closed operations",
		}),

		LedgerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlebot_ledger_failures_total",
			Help: "Failed ledger writes",
		}),
		MirrorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlebot_ledger_mirror_failures_total",
			Help: "Failed Redis mirror writes",
		}),
		MirrorBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlebot_ledger_mirror_buffered_total",
			Help: "Mirror writes buffered while the circuit breaker was open",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlebot_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlebot_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		ArchiveCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candlebot_archive_commit_duration_seconds",
			Help:    "Candle archive batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		ArchivedCandles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlebot_archived_candles_total",
			Help: "Closed candles written to the archive",
		}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlebot_notify_failures_total",
			Help: "Alerts the backends failed to deliver",
		}),
		NotifyDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlebot_notify_drops_total",
			Help: "Alerts dropped because the queue was full",
		}),
		HistoryCandlesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlebot_history_candles_total",
			Help: "Candles loaded from the REST klines endpoint",
		}),
	}

	reg.MustRegister(
		m.StreamMessages,
		m.StreamReconnects,
		m.WatchdogTrips,
		m.ParseErrors,
		m.UnknownEvents,
		m.StreamState,
		m.CandlesUpserted,
		m.ClosedCandles,
		m.Ticks,
		m.TickDur,
		m.OperationsOpened,
		m.OperationsClosed,
		m.PositionOpen,
		m.CumulativeReturn,
		m.LedgerFailures,
		m.MirrorFailures,
		m.MirrorBuffered,
		m.BreakerState,
		m.BreakerTrips,
		m.ArchiveCommitDur,
		m.ArchivedCandles,
		m.NotifyFailures,
		m.NotifyDrops,
		m.HistoryCandlesTotal,
	)
	m.CumulativeReturn.Set(1)

	return m
}
