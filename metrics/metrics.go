// Package metrics implements the Metrics Sink: a typed counter per error
// kind and a latency histogram over successful dispatches plus the
// failed execution attempts that participated in fallback (spec.md §7,
// "Observable behavior").
//
// Adapted from the teacher's monitoring.PrometheusMonitor: the same
// CounterVec/HistogramVec shape is kept, narrowed from the teacher's
// provider/model/user/team label set (which assumes concrete SDK
// bindings) down to the labels this domain actually has: error code,
// endpoint, and dispatch outcome.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sink records the engine's observable counters and histograms.
type Sink struct {
	registry *prometheus.Registry

	errorsTotal      *prometheus.CounterVec
	dispatchesTotal  *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	queueDepth       *prometheus.GaugeVec
	endpointLoad     *prometheus.GaugeVec
}

// New creates a Sink registered against a fresh Prometheus registry.
func New(namespace string) *Sink {
	registry := prometheus.NewRegistry()

	s := &Sink{
		registry: registry,
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total dispatch errors by typed error code.",
		}, []string{"code"}),
		dispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Total completed dispatches by terminal status.",
		}, []string{"status"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Dispatch latency for successful dispatches and failed fallback attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current depth of each priority queue.",
		}, []string{"class"}),
		endpointLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_current_load",
			Help:      "Current in-flight load per endpoint.",
		}, []string{"endpoint"}),
	}

	registry.MustRegister(s.errorsTotal, s.dispatchesTotal, s.dispatchDuration, s.queueDepth, s.endpointLoad)
	return s
}

// Registry exposes the underlying Prometheus registry for an HTTP /metrics handler.
func (s *Sink) Registry() *prometheus.Registry {
	return s.registry
}

// RecordError increments the typed error counter for code.
func (s *Sink) RecordError(code string) {
	s.errorsTotal.WithLabelValues(code).Inc()
}

// RecordDispatch increments the terminal-status counter.
func (s *Sink) RecordDispatch(status string) {
	s.dispatchesTotal.WithLabelValues(status).Inc()
}

// ObserveLatency records one execution attempt's latency against an
// endpoint, tagged by whether it was the dispatch's final outcome or a
// failed attempt that participated in fallback.
func (s *Sink) ObserveLatency(endpoint, outcome string, seconds float64) {
	s.dispatchDuration.WithLabelValues(endpoint, outcome).Observe(seconds)
}

// SetQueueDepth records the current depth of a priority class's queue.
func (s *Sink) SetQueueDepth(class string, depth int) {
	s.queueDepth.WithLabelValues(class).Set(float64(depth))
}

// SetEndpointLoad records an endpoint's current in-flight load.
func (s *Sink) SetEndpointLoad(endpoint string, load int64) {
	s.endpointLoad.WithLabelValues(endpoint).Set(float64(load))
}
