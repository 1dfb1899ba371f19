package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveLoadLatency(true, 5*time.Millisecond)
	m.ObserveLoadLatency(false, 5*time.Millisecond)
	m.ObserveSaveLatency(time.Millisecond)
	m.AddCacheLookups(3, 1)
	m.IncrementTransition("active")
	m.IncrementBlockedTransition("terminated")
	m.IncrementError("save", "duplicate_instance_link")

	assert.Equal(t, 2, testutil.CollectAndCount(m.LoadLatency))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Transitions.WithLabelValues("active")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BlockedTransitions.WithLabelValues("terminated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Errors.WithLabelValues("save", "duplicate_instance_link")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveLoadLatency(true, time.Millisecond)
	m.ObserveSaveLatency(time.Millisecond)
	m.AddCacheLookups(1, 1)
	m.IncrementTransition("active")
	m.IncrementBlockedTransition("active")
	m.IncrementError("load", "not_found")
}
