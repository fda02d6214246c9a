// Package metrics holds the Prometheus collectors for the ingestion engine.
package metrics

import (
	"time"

	"xrp-payment-monitor/internal/resilience"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "xrpmon"

var (
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Failures by operation and error kind",
	}, []string{"operation", "kind"})

	DependencyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dependency_request_duration_seconds",
		Help:      "Latency of calls to external dependencies",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"dependency", "outcome"})

	PaymentsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_persisted_total",
		Help:      "Payment insert attempts by result (inserted, duplicate)",
	}, []string{"receiver", "result"})

	RecordsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_skipped_total",
		Help:      "Ledger records not persisted, by reason",
	}, []string{"reason"})

	RateRefreshFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_refresh_failures_total",
		Help:      "Failed fiat rate refreshes",
	}, []string{"currency"})

	RateStaleServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_stale_served_total",
		Help:      "Conversions that used an expired rate because refresh failed",
	}, []string{"currency"})

	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_state",
		Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"dependency"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Records waiting to be persisted",
	}, []string{"address"})

	PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_cycles_total",
		Help:      "Completed poll cycles by outcome",
	}, []string{"address", "outcome"})

	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_sent_total",
		Help:      "Alert deliveries by type, channel and outcome",
	}, []string{"type", "channel", "outcome"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Read API requests by method, route and status code",
	}, []string{"method", "route", "code"})
)

// RecordError counts a failure under its taxonomy kind.
func RecordError(operation string, err error) {
	if err == nil {
		return
	}
	ErrorsTotal.WithLabelValues(operation, resilience.KindOf(err).String()).Inc()
}

// ObserveDependency records how long a dependency call took.
func ObserveDependency(dependency string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	DependencyLatency.WithLabelValues(dependency, outcome).Observe(time.Since(start).Seconds())
}

// SetCircuitState publishes a breaker transition.
func SetCircuitState(dependency string, state resilience.State) {
	CircuitState.WithLabelValues(dependency).Set(float64(state))
}
