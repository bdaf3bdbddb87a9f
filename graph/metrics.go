package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects execution metrics for a node.
//
// Metrics exposed (all namespaced with "dataflow_"):
//
//  1. inflight_passes (gauge): tasks currently running on the executor.
//  2. queue_depth (gauge): cooperative tasks waiting for a worker.
//  3. pass_latency_ms (histogram): tasklet pass duration.
//     Labels: vertex, status (progress/no_progress/done/error).
//  4. transitions_total (counter): processed container requests.
//     Labels: kind, event, outcome (accepted/illegal/failed).
//  5. backpressure_events_total (counter): offers refused by a full queue.
//     Labels: vertex.
//  6. rounds_total (counter): completed scheduling rounds.
//     Labels: vertex, outcome (progress/idle/stalled/done/failed).
//
// A nil *PrometheusMetrics is valid and records nothing.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	inflightPasses prometheus.Gauge
	queueDepth     prometheus.Gauge

	passLatency *prometheus.HistogramVec

	transitions  *prometheus.CounterVec
	backpressure *prometheus.CounterVec
	rounds       *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all metrics with registry
// (prometheus.DefaultRegisterer when nil).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{enabled: true}

	pm.inflightPasses = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "dataflow",
		Name:      "inflight_passes",
		Help:      "Tasks currently running on the executor",
	})

	pm.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "dataflow",
		Name:      "queue_depth",
		Help:      "Cooperative tasks waiting for a worker",
	})

	pm.passLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dataflow",
		Name:      "pass_latency_ms",
		Help:      "Tasklet pass duration in milliseconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000},
	}, []string{"vertex", "status"})

	pm.transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataflow",
		Name:      "transitions_total",
		Help:      "Container lifecycle requests processed",
	}, []string{"kind", "event", "outcome"})

	pm.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataflow",
		Name:      "backpressure_events_total",
		Help:      "Outbox offers refused because the queue was at capacity",
	}, []string{"vertex"})

	pm.rounds = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataflow",
		Name:      "rounds_total",
		Help:      "Scheduling rounds completed by vertex runners",
	}, []string{"vertex", "outcome"})

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordPassLatency records the duration of one tasklet pass.
func (pm *PrometheusMetrics) RecordPassLatency(vertex string, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.passLatency.WithLabelValues(vertex, status).Observe(float64(latency) / float64(time.Millisecond))
}

// UpdateQueueDepth sets the number of cooperative tasks waiting.
func (pm *PrometheusMetrics) UpdateQueueDepth(depth int) {
	if !pm.on() {
		return
	}
	pm.queueDepth.Set(float64(depth))
}

// UpdateInflightPasses sets the number of running tasks.
func (pm *PrometheusMetrics) UpdateInflightPasses(count int) {
	if !pm.on() {
		return
	}
	pm.inflightPasses.Set(float64(count))
}

// IncrementTransitions counts one processed container request.
func (pm *PrometheusMetrics) IncrementTransitions(kind, event, outcome string) {
	if !pm.on() {
		return
	}
	pm.transitions.WithLabelValues(kind, event, outcome).Inc()
}

// IncrementBackpressure counts one offer refused for lack of capacity.
func (pm *PrometheusMetrics) IncrementBackpressure(vertex string) {
	if !pm.on() {
		return
	}
	pm.backpressure.WithLabelValues(vertex).Inc()
}

// IncrementRounds counts one completed scheduling round.
func (pm *PrometheusMetrics) IncrementRounds(vertex, outcome string) {
	if !pm.on() {
		return
	}
	pm.rounds.WithLabelValues(vertex, outcome).Inc()
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset clears the gauges. Counters and histograms are cumulative.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.inflightPasses.Set(0)
	pm.queueDepth.Set(0)
}
