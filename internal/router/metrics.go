package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the router's Prometheus collectors.
type Metrics struct {
	Queries          prometheus.Counter
	NotFound         prometheus.Counter
	Dispatches       *prometheus.CounterVec
	ShardLatency     *prometheus.HistogramVec
	Timeouts         prometheus.Counter
	DroppedDatagrams *prometheus.CounterVec
	Sessions         prometheus.Gauge
}

// NewMetrics creates the router collectors.
func NewMetrics() *Metrics {
	const (
		namespace = "overlap"
		subsystem = "router"
	)

	return &Metrics{
		Queries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queries_total",
			Help:      "Count of client queries received",
		}),

		NotFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "not_found_usernames_total",
			Help:      "Count of queried usernames absent from every roster",
		}),

		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatches_total",
			Help:      "Count of sub-queries sent to each shard",
		}, []string{"shard"}),

		ShardLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "shard_latency_seconds",
			Help:      "Histogram of times between dispatching a sub-query and receiving its result",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 8),
		}, []string{"shard"}),

		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "await_timeouts_total",
			Help:      "Count of queries answered before every dispatched shard replied",
		}),

		DroppedDatagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_datagrams_total",
			Help:      "Count of shard datagrams that were discarded",
		}, []string{"reason"}),

		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_active",
			Help:      "Number of connected clients",
		}),
	}
}

// PrometheusCollectors returns every collector for registration.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Queries,
		m.NotFound,
		m.Dispatches,
		m.ShardLatency,
		m.Timeouts,
		m.DroppedDatagrams,
		m.Sessions,
	}
}

// Drop reasons.
const (
	dropUnknownSource = "unknown_source"
	dropMalformed     = "malformed"
	dropLate          = "late"
	dropLateRoster    = "late_roster"
	dropUnexpected    = "unexpected_kind"
)
