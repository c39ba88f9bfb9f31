// Package monitoring exposes Prometheus metrics for the script host and the
// sandbox server.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Evaluation metrics
	EvalsTotal    *prometheus.CounterVec
	EvalDuration  prometheus.Histogram
	EvalTimeouts  prometheus.Counter
	PendingGauge  prometheus.Gauge
	ObserverGauge prometheus.Gauge
	Invalidations *prometheus.CounterVec

	// Function dispatch metrics
	FunctionCalls *prometheus.CounterVec

	// Transport metrics
	WSConnections prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector backed by its own registry, so
// multiple hosts in one process (or in tests) never collide.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		EvalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptbridge_evals_total",
				Help: "Total script evaluations by outcome",
			},
			[]string{"status"},
		),
		EvalDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scriptbridge_eval_duration_seconds",
				Help:    "Script evaluation round-trip duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		EvalTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scriptbridge_eval_timeouts_total",
				Help: "Evaluations that timed out waiting for a response",
			},
		),
		PendingGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scriptbridge_pending_requests",
				Help: "Requests currently awaiting a sandbox response",
			},
		),
		ObserverGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scriptbridge_write_observers_active",
				Help: "Registered write-dependency subscriptions",
			},
		),
		Invalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptbridge_invalidations_total",
				Help: "Invalidation notices fired, by trigger",
			},
			[]string{"reason"},
		),
		FunctionCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptbridge_function_calls_total",
				Help: "Host function calls dispatched from scripts",
			},
			[]string{"function", "status"},
		),
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scriptbridge_ws_connections",
				Help: "Open sandbox websocket connections",
			},
		),
	}
}

// Registry returns the backing registry for HTTP exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
