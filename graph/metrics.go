package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects engine execution metrics.
//
// Metrics exposed (namespace "neuroflow"):
//   - stage_latency_ms (histogram): stage duration by stage and status.
//   - steps_total (counter): merged steps by stage.
//   - guarded_transitions_total (counter): guarded labels taken, e.g.
//     escalations and quality retries.
//   - pauses_total (counter): interrupts fired by stage.
//   - stage_errors_total (counter): failed stage invocations.
//   - branch_failures_total (counter): branches dropped in best-effort joins.
//   - inflight_branches (gauge): branches currently executing.
//
// Expose with:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	inflightBranches prometheus.Gauge

	stageLatency *prometheus.HistogramVec

	steps          *prometheus.CounterVec
	guarded        *prometheus.CounterVec
	pauses         *prometheus.CounterVec
	stageErrors    *prometheus.CounterVec
	branchFailures *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers the engine metrics. A nil
// registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.inflightBranches = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "neuroflow",
		Name:      "inflight_branches",
		Help:      "Number of fan-out branches currently executing",
	})

	pm.stageLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "neuroflow",
		Name:      "stage_latency_ms",
		Help:      "Stage execution duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
	}, []string{"stage", "status"})

	pm.steps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neuroflow",
		Name:      "steps_total",
		Help:      "Merged workflow steps",
	}, []string{"stage"})

	pm.guarded = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neuroflow",
		Name:      "guarded_transitions_total",
		Help:      "Guarded conditional labels taken (escalations, retries)",
	}, []string{"stage", "label"})

	pm.pauses = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neuroflow",
		Name:      "pauses_total",
		Help:      "Runs paused at an interrupt",
	}, []string{"stage"})

	pm.stageErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neuroflow",
		Name:      "stage_errors_total",
		Help:      "Failed stage invocations including timeouts and panics",
	}, []string{"stage"})

	pm.branchFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neuroflow",
		Name:      "branch_failures_total",
		Help:      "Fan-out branches dropped by a best-effort join",
	}, []string{"stage"})

	return pm
}

// RecordStageLatency observes a stage duration. status is "success" or "error".
func (pm *PrometheusMetrics) RecordStageLatency(stage string, latency time.Duration, status string) {
	if !pm.isEnabled() {
		return
	}
	pm.stageLatency.WithLabelValues(stage, status).Observe(float64(latency.Milliseconds()))
}

// IncrementSteps counts a merged step.
func (pm *PrometheusMetrics) IncrementSteps(stage string) {
	if !pm.isEnabled() {
		return
	}
	pm.steps.WithLabelValues(stage).Inc()
}

// IncrementGuarded counts a guarded label taken from stage.
func (pm *PrometheusMetrics) IncrementGuarded(stage, label string) {
	if !pm.isEnabled() {
		return
	}
	pm.guarded.WithLabelValues(stage, label).Inc()
}

// IncrementPauses counts an interrupt firing in front of stage.
func (pm *PrometheusMetrics) IncrementPauses(stage string) {
	if !pm.isEnabled() {
		return
	}
	pm.pauses.WithLabelValues(stage).Inc()
}

// IncrementStageErrors counts a failed invocation.
func (pm *PrometheusMetrics) IncrementStageErrors(stage string) {
	if !pm.isEnabled() {
		return
	}
	pm.stageErrors.WithLabelValues(stage).Inc()
}

// IncrementBranchFailures counts a branch dropped by a best-effort join.
func (pm *PrometheusMetrics) IncrementBranchFailures(stage string) {
	if !pm.isEnabled() {
		return
	}
	pm.branchFailures.WithLabelValues(stage).Inc()
}

// AddInflightBranches adjusts the in-flight branch gauge by delta.
func (pm *PrometheusMetrics) AddInflightBranches(delta int) {
	if !pm.isEnabled() {
		return
	}
	pm.inflightBranches.Add(float64(delta))
}

// Disable stops recording. Already collected values are kept.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes recording.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset clears all collected values.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.inflightBranches.Set(0)
	pm.stageLatency.Reset()
	pm.steps.Reset()
	pm.guarded.Reset()
	pm.pauses.Reset()
	pm.stageErrors.Reset()
	pm.branchFailures.Reset()
}

func (pm *PrometheusMetrics) isEnabled() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}
