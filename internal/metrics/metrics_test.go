package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordTransition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordTransition("", "SEARCHING")
	m.RecordTransition("SEARCHING", "JOINED")
	m.RecordTransition("SEARCHING", "JOINED")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.clusterTransitions.WithLabelValues("", "SEARCHING")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.clusterTransitions.WithLabelValues("SEARCHING", "JOINED")))
}

func TestMetrics_RecordFallbackStep(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordFallbackStep("semantic")
	m.RecordFallbackStep("semantic")
	m.RecordFallbackStep("lexicographic")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.clusterFallback.WithLabelValues("semantic")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.clusterFallback.WithLabelValues("lexicographic")))
}

func TestMetrics_RecordDescribeRetryAndObserverPoll(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordDescribeRetry()
	m.RecordDescribeRetry()
	m.RecordObserverPoll()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.describeRetries))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.observerPolls))
}

func TestNew_NilRegistryFallsBackToDefault(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil)
	})
}
