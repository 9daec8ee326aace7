// Package monitoring exposes mining session metrics to Prometheus. A nil
// *Metrics is valid and records nothing.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry         *prometheus.Registry
	stepsTotal       *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	iterationsTotal  *prometheus.CounterVec
	tasksTotal       *prometheus.CounterVec
	attemptsTotal    *prometheus.CounterVec
	attemptDuration  prometheus.Histogram
	factorNovelty    prometheus.Histogram
	rejectionsTotal  *prometheus.CounterVec
	factorsAccepted  prometheus.Counter
	knowledgeEntries prometheus.Gauge
	checkpointsTotal prometheus.Counter
}

// NewMetrics creates new Prometheus metrics on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alphamine_loop_steps_total",
				Help: "Total number of completed loop steps",
			},
			[]string{"step"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alphamine_loop_step_duration_seconds",
				Help:    "Loop step duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"step"},
		),
		iterationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alphamine_loop_iterations_total",
				Help: "Total number of finished iterations by outcome",
			},
			[]string{"outcome"}, // accepted, zero_yield, skipped
		),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alphamine_sandbox_tasks_total",
				Help: "Total number of factor tasks by terminal state",
			},
			[]string{"state"},
		),
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alphamine_sandbox_attempts_total",
				Help: "Total number of synthesis attempts by outcome",
			},
			[]string{"outcome"},
		),
		attemptDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "alphamine_sandbox_attempt_duration_seconds",
				Help:    "Factor execution attempt duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		factorNovelty: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "alphamine_factor_novelty",
				Help:    "Novelty score of constructed factors",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		),
		rejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alphamine_factor_rejections_total",
				Help: "Total number of factors dropped before execution by error code",
			},
			[]string{"code"},
		),
		factorsAccepted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "alphamine_factors_accepted_total",
				Help: "Total number of factors added to the knowledge base",
			},
		),
		knowledgeEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "alphamine_knowledge_entries",
				Help: "Number of entries in the knowledge base",
			},
		),
		checkpointsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "alphamine_checkpoints_total",
				Help: "Total number of checkpoints written",
			},
		),
	}

	// Register metrics
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.stepsTotal,
		m.stepDuration,
		m.iterationsTotal,
		m.tasksTotal,
		m.attemptsTotal,
		m.attemptDuration,
		m.factorNovelty,
		m.rejectionsTotal,
		m.factorsAccepted,
		m.knowledgeEntries,
		m.checkpointsTotal,
	)

	return m
}

// Registry returns the registry holding the metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordStep records a completed loop step
func (m *Metrics) RecordStep(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(step).Inc()
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordIteration records a finished iteration
func (m *Metrics) RecordIteration(outcome string) {
	if m == nil {
		return
	}
	m.iterationsTotal.WithLabelValues(outcome).Inc()
}

// RecordTask records a task reaching a terminal state
func (m *Metrics) RecordTask(state string) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(state).Inc()
}

// RecordAttempt records one synthesis attempt
func (m *Metrics) RecordAttempt(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(outcome).Inc()
	m.attemptDuration.Observe(duration.Seconds())
}

// RecordNovelty records a constructed factor's novelty
func (m *Metrics) RecordNovelty(novelty float64) {
	if m == nil {
		return
	}
	m.factorNovelty.Observe(novelty)
}

// RecordRejection records a factor dropped before execution
func (m *Metrics) RecordRejection(code string) {
	if m == nil {
		return
	}
	m.rejectionsTotal.WithLabelValues(code).Inc()
}

// RecordAccepted records factors added to the knowledge base
func (m *Metrics) RecordAccepted(n int, total int) {
	if m == nil {
		return
	}
	m.factorsAccepted.Add(float64(n))
	m.knowledgeEntries.Set(float64(total))
}

// RecordCheckpoint records a written checkpoint
func (m *Metrics) RecordCheckpoint() {
	if m == nil {
		return
	}
	m.checkpointsTotal.Inc()
}
