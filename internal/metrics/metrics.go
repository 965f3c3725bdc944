// Package metrics exposes Prometheus instrumentation for the decision core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the decision-core collectors.
type Metrics struct {
	ChecksTotal    *prometheus.CounterVec
	CheckDuration  prometheus.Histogram
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	EvalErrors     *prometheus.CounterVec
	PoliciesActive prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers the collectors on a fresh registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		ChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checks_total",
				Help:      "Total number of per-action decisions by effect",
			},
			[]string{"effect"},
		),
		CheckDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "check_duration_seconds",
				Help:      "End-to-end check evaluation duration",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of decision cache hits",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of decision cache misses",
			},
		),
		EvalErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "condition_errors_total",
				Help:      "Condition evaluation failures by kind",
			},
			[]string{"kind"},
		),
		PoliciesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "policies_active",
				Help:      "Number of policies in the active catalog",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.ChecksTotal,
		m.CheckDuration,
		m.CacheHits,
		m.CacheMisses,
		m.EvalErrors,
		m.PoliciesActive,
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
