package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the subscription engine.
type Metrics struct {
	// Tree load latency by path ("recursive", "bulk")
	LoadLatency *prometheus.HistogramVec

	// Tree save latency
	SaveLatency prometheus.Histogram

	// Reconstruction cache lookups by result ("hit", "miss")
	CacheLookups *prometheus.CounterVec

	// Completed transitions by target status
	Transitions *prometheus.CounterVec

	// Transitions refused because a dependent was in an unsafe state
	BlockedTransitions *prometheus.CounterVec

	// Failed operations by operation and error code
	Errors *prometheus.CounterVec
}

// New registers the engine metrics on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LoadLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_subscription_load_duration_seconds",
			Help:    "Duration of subscription tree loads by path",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"path"}),

		SaveLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_subscription_save_duration_seconds",
			Help:    "Duration of subscription tree saves",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_subscription_cache_lookups_total",
			Help: "Reconstruction cache lookups by result",
		}, []string{"result"}),

		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_subscription_transitions_total",
			Help: "Completed lifecycle transitions by target status",
		}, []string{"target"}),

		BlockedTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_subscription_transitions_blocked_total",
			Help: "Lifecycle transitions refused by the dependency check, by target status",
		}, []string{"target"}),

		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_subscription_errors_total",
			Help: "Failed engine operations by operation and error code",
		}, []string{"operation", "code"}),
	}
}

// ObserveLoadLatency records the duration of one root load.
func (m *Metrics) ObserveLoadLatency(bulk bool, d time.Duration) {
	if m == nil {
		return
	}
	path := "recursive"
	if bulk {
		path = "bulk"
	}
	m.LoadLatency.WithLabelValues(path).Observe(d.Seconds())
}

// ObserveSaveLatency records the duration of one save.
func (m *Metrics) ObserveSaveLatency(d time.Duration) {
	if m != nil {
		m.SaveLatency.Observe(d.Seconds())
	}
}

// AddCacheLookups records reconstruction cache results for one scope.
func (m *Metrics) AddCacheLookups(hits, misses int) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues("hit").Add(float64(hits))
	m.CacheLookups.WithLabelValues("miss").Add(float64(misses))
}

// IncrementTransition records a completed transition.
func (m *Metrics) IncrementTransition(target string) {
	if m != nil {
		m.Transitions.WithLabelValues(target).Inc()
	}
}

// IncrementBlockedTransition records a transition refused by the dependency check.
func (m *Metrics) IncrementBlockedTransition(target string) {
	if m != nil {
		m.BlockedTransitions.WithLabelValues(target).Inc()
	}
}

// IncrementError records a failed operation.
func (m *Metrics) IncrementError(operation, code string) {
	if m != nil {
		m.Errors.WithLabelValues(operation, code).Inc()
	}
}
