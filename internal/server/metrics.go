package server

import "github.com/prometheus/client_golang/prometheus"

// Metric declarations follow wisbric-nightowl's telemetry package: one
// package-level collector per concern, grouped by namespace/subsystem, with
// an All() helper for batch registration.

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "warpgateway",
		Subsystem: "dialect",
		Name:      "requests_total",
		Help:      "Total number of dialect requests handled, by dialect and outcome.",
	},
	[]string{"dialect", "outcome"},
)

var requestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "warpgateway",
		Subsystem: "dialect",
		Name:      "request_duration_seconds",
		Help:      "Dialect request handling duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"dialect"},
)

var dispatchAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "warpgateway",
		Subsystem: "dispatch",
		Name:      "attempts_total",
		Help:      "Total number of upstream attempts made during dispatch, by status.",
	},
	[]string{"status"},
)

var poolAccountsGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "warpgateway",
		Subsystem: "pool",
		Name:      "accounts",
		Help:      "Number of accounts in the credential pool, by status.",
	},
	[]string{"status"},
)

// allMetrics returns every collector declared above for registration.
func allMetrics() []prometheus.Collector {
	return []prometheus.Collector{
		requestsTotal,
		requestDuration,
		dispatchAttemptsTotal,
		poolAccountsGauge,
	}
}
