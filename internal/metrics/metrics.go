// Package metrics exposes Prometheus counters for the state-transition
// counts needed to diagnose a stuck run: promauto.With(registry)
// construction and one CounterVec per concern, covering the worker
// taxonomy's four series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter this repo emits, all namespaced
// "klados_cluster".
type Metrics struct {
	clusterTransitions *prometheus.CounterVec
	clusterFallback    *prometheus.CounterVec
	describeRetries    prometheus.Counter
	observerPolls      prometheus.Counter
}

// New creates and registers every metric with registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		clusterTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "klados_cluster",
			Name:      "cluster_worker_transitions_total",
			Help:      "Cluster Worker state transitions, labeled by from/to state",
		}, []string{"from", "to"}),

		clusterFallback: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "klados_cluster",
			Name:      "cluster_worker_fallback_total",
			Help:      "Cluster Worker fallback procedure invocations, labeled by step",
		}, []string{"step"}),

		describeRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "klados_cluster",
			Name:      "describe_retry_total",
			Help:      "Describe Worker LLM JSON retry attempts across all clusters",
		}),

		observerPolls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "klados_cluster",
			Name:      "observer_poll_total",
			Help:      "Workflow-Tree Observer completion polls issued",
		}),
	}
}

// RecordTransition increments the cluster-worker-transitions counter for
// the (from, to) state pair. A worker's first transition is recorded with
// from set to SEARCHING.
func (m *Metrics) RecordTransition(from, to string) {
	m.clusterTransitions.WithLabelValues(from, to).Inc()
}

// RecordFallbackStep increments the fallback counter for step ("semantic"
// or "lexicographic").
func (m *Metrics) RecordFallbackStep(step string) {
	m.clusterFallback.WithLabelValues(step).Inc()
}

// RecordDescribeRetry increments the describe-retry counter once per
// retry-with-feedback attempt.
func (m *Metrics) RecordDescribeRetry() {
	m.describeRetries.Inc()
}

// RecordObserverPoll increments the observer-poll counter once per
// completion check (one per Observer.IsComplete call on an observer
// given this collector via SetMetrics).
func (m *Metrics) RecordObserverPoll() {
	m.observerPolls.Inc()
}
