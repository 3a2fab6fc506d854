// Package metrics exposes the routing core's Prometheus collectors,
// grounded on the promauto package-level var pattern used across the
// example pack's metrics packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts dispatched requests by service type and
	// outcome (success/error).
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carpool_router",
			Name:      "requests_total",
			Help:      "Total number of requests routed, by service type and outcome",
		},
		[]string{"service_type", "outcome"},
	)

	// RetriesTotal counts retry attempts issued by the Smart Router.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carpool_router",
			Name:      "retries_total",
			Help:      "Total number of retry attempts issued before a dispatch succeeded or was abandoned",
		},
		[]string{"service_type"},
	)

	// PoolScore observes the distribution of precomputed account scores
	// per service type, published each pool-refresh cycle.
	PoolScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool_router",
			Name:      "pool_score",
			Help:      "Distribution of account suitability scores in the precomputed pool",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		},
		[]string{"service_type"},
	)

	// HealthCheckDuration observes provider health-probe latency.
	HealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool_router",
			Name:      "health_check_duration_seconds",
			Help:      "Latency of provider health-check probes",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service_type"},
	)

	// QuotaRejectionsTotal counts Quota Gate rejections by kind.
	QuotaRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carpool_router",
			Name:      "quota_rejections_total",
			Help:      "Total number of requests rejected by the Quota Gate, by reject reason",
		},
		[]string{"kind"},
	)

	// AccountsHealthy gauges the current healthy-account count per
	// service type, refreshed on every pool-refresh cycle.
	AccountsHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "carpool_router",
			Name:      "accounts_healthy",
			Help:      "Number of healthy accounts in the precomputed pool, by service type",
		},
		[]string{"service_type"},
	)
)
