// Package metrics defines the prometheus instrumentation surfaced by the
// router, cache, and WAL, grounded on
// Voskan-arena-cache/pkg/config.go's WithMetrics(*prometheus.Registry)
// pattern: metrics are opt-in, registered against a caller-supplied
// registry rather than the global default one, so multiple Coordinator
// instances in one process don't collide.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge/histogram this module emits.
type Metrics struct {
	RouterDispatchTotal   *prometheus.CounterVec
	RouterRetryTotal      *prometheus.CounterVec
	CircuitBreakerOpen    *prometheus.GaugeVec
	ShardHealth           *prometheus.GaugeVec

	CacheHitTotal  *prometheus.CounterVec
	CacheMissTotal *prometheus.CounterVec

	WALTransactionTotal   *prometheus.CounterVec
	WALCompensationTotal  prometheus.Counter
	WALInFlightGauge      prometheus.Gauge
}

// New constructs and registers every metric against reg. Passing nil
// returns a Metrics whose collectors are unregistered no-ops-by-disuse —
// callers that don't want metrics simply never read them.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		RouterDispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tao",
			Subsystem: "router",
			Name:      "dispatch_total",
			Help:      "Dispatched operations by shard and outcome.",
		}, []string{"shard_id", "op", "outcome"}),

		RouterRetryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tao",
			Subsystem: "router",
			Name:      "retry_total",
			Help:      "Retry attempts by shard.",
		}, []string{"shard_id"}),

		CircuitBreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tao",
			Subsystem: "router",
			Name:      "circuit_breaker_open",
			Help:      "1 if the shard's circuit breaker is open, else 0.",
		}, []string{"shard_id"}),

		ShardHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tao",
			Subsystem: "topology",
			Name:      "shard_health",
			Help:      "Shard health: 1=healthy, 0.5=degraded, 0=unhealthy.",
		}, []string{"shard_id"}),

		CacheHitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tao",
			Subsystem: "cache",
			Name:      "hit_total",
			Help:      "Cache hits by tier and key space.",
		}, []string{"tier", "keyspace"}),

		CacheMissTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tao",
			Subsystem: "cache",
			Name:      "miss_total",
			Help:      "Cache misses by key space.",
		}, []string{"keyspace"}),

		WALTransactionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tao",
			Subsystem: "wal",
			Name:      "transaction_total",
			Help:      "WAL transactions by terminal state.",
		}, []string{"state"}),

		WALCompensationTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tao",
			Subsystem: "wal",
			Name:      "compensation_total",
			Help:      "Transactions that entered compensation.",
		}),

		WALInFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tao",
			Subsystem: "wal",
			Name:      "in_flight",
			Help:      "Transactions currently InFlight or Compensating.",
		}),
	}

	if reg == nil {
		return m
	}
	reg.MustRegister(
		m.RouterDispatchTotal, m.RouterRetryTotal, m.CircuitBreakerOpen, m.ShardHealth,
		m.CacheHitTotal, m.CacheMissTotal,
		m.WALTransactionTotal, m.WALCompensationTotal, m.WALInFlightGauge,
	)
	return m
}
