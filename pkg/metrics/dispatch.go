package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DispatchOutcomeCompleted = "completed"
	DispatchOutcomeFailed    = "failed"
	DispatchOutcomeSkipped   = "skipped"
)

// DispatchMetrics tracks analyze job dispatch and the ticket settlement that follows it.
type DispatchMetrics struct {
	outcomes        *prometheus.CounterVec
	duration        prometheus.Histogram
	consumeFailures prometheus.Counter
	releaseFailures prometheus.Counter
}

// NewDispatchMetrics registers the dispatch metrics on the provided registerer.
func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	if reg == nil {
		return &DispatchMetrics{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analyze_dispatch_total",
		Help: "Analyze job dispatches by terminal outcome.",
	}, []string{"outcome"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "analyze_inference_duration_seconds",
		Help:    "Duration of inference calls in seconds.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
	consumeFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analyze_consume_failures_total",
		Help: "Completed jobs whose ticket consume failed.",
	})
	releaseFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analyze_release_failures_total",
		Help: "Failed jobs whose ticket release failed.",
	})
	reg.MustRegister(outcomes, duration, consumeFailures, releaseFailures)
	return &DispatchMetrics{
		outcomes:        outcomes,
		duration:        duration,
		consumeFailures: consumeFailures,
		releaseFailures: releaseFailures,
	}
}

// IncOutcome records one dispatch outcome.
func (m *DispatchMetrics) IncOutcome(outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveInference records how long the inference call took.
func (m *DispatchMetrics) ObserveInference(d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}

// IncConsumeFailure counts a consume that failed after a successful computation.
func (m *DispatchMetrics) IncConsumeFailure() {
	if m == nil || m.consumeFailures == nil {
		return
	}
	m.consumeFailures.Inc()
}

// IncReleaseFailure counts a release that failed after a failed computation.
func (m *DispatchMetrics) IncReleaseFailure() {
	if m == nil || m.releaseFailures == nil {
		return
	}
	m.releaseFailures.Inc()
}
