package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quasinewt/NUMIN/internal/optimization/quasinewton"
)

// Metrics aggregates the Prometheus instruments of the minimization service.
type Metrics struct {
	runs        *prometheus.CounterVec
	iterations  prometheus.Histogram
	evaluations prometheus.Histogram
	duration    prometheus.Histogram
}

// NewMetrics creates and registers the service metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "numin",
			Name:      "minimizations_total",
			Help:      "Completed minimization runs by terminal state.",
		}, []string{"state", "successful"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "numin",
			Name:      "minimization_iterations",
			Help:      "Outer iterations per completed run.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		evaluations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "numin",
			Name:      "minimization_evaluations",
			Help:      "Objective evaluations per completed run.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "numin",
			Name:      "minimization_duration_seconds",
			Help:      "Wall-clock duration per completed run.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.runs, m.iterations, m.evaluations, m.duration)
	return m
}

// ObserveRun records the outcome of a completed run.
func (m *Metrics) ObserveRun(result *quasinewton.Result) {
	successful := "false"
	if result.Successful {
		successful = "true"
	}
	m.runs.WithLabelValues(result.State.String(), successful).Inc()
	m.iterations.Observe(float64(result.Iterations))
	m.evaluations.Observe(float64(result.Evaluations))
	m.duration.Observe(result.Elapsed.Seconds())
}

// ObserveFailure records a run that errored before producing a result.
func (m *Metrics) ObserveFailure() {
	m.runs.WithLabelValues("error", "false").Inc()
}
