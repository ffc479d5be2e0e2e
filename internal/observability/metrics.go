// Package observability exposes Prometheus metrics for the engine and
// the persona dispatcher.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maestrohq/maestro/pkg/workflow"
)

// Metrics implements workflow.Metrics on a Prometheus registry and adds
// counters for persona traffic.
type Metrics struct {
	registry *prometheus.Registry

	stepDuration *prometheus.HistogramVec
	stepTotal    *prometheus.CounterVec
	runTotal     *prometheus.CounterVec

	personaRequests *prometheus.CounterVec
	personaRetries  *prometheus.CounterVec
	tasksCreated    prometheus.Counter
}

// New creates the metric set on its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "maestro",
			Name:      "step_duration_seconds",
			Help:      "Wall time per step across attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"workflow", "step", "status"}),
		stepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Name:      "steps_total",
			Help:      "Steps by terminal status.",
		}, []string{"workflow", "status"}),
		runTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Name:      "workflow_runs_total",
			Help:      "Workflow runs by outcome.",
		}, []string{"workflow", "outcome"}),
		personaRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Name:      "persona_requests_total",
			Help:      "Persona requests by persona and result.",
		}, []string{"persona", "result"}),
		personaRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Name:      "persona_retries_total",
			Help:      "Persona request retries by persona.",
		}, []string{"persona"}),
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "maestro",
			Name:      "tasks_created_total",
			Help:      "Follow-up tasks created on the dashboard.",
		}),
	}
	m.registry.MustRegister(
		m.stepDuration, m.stepTotal, m.runTotal,
		m.personaRequests, m.personaRetries, m.tasksCreated,
	)
	return m
}

// StepFinished implements workflow.Metrics.
func (m *Metrics) StepFinished(wf, step string, status workflow.StepStatus, duration time.Duration) {
	m.stepDuration.WithLabelValues(wf, step, string(status)).Observe(duration.Seconds())
	m.stepTotal.WithLabelValues(wf, string(status)).Inc()
}

// WorkflowFinished implements workflow.Metrics.
func (m *Metrics) WorkflowFinished(wf string, aborted bool) {
	outcome := "completed"
	if aborted {
		outcome = "aborted"
	}
	m.runTotal.WithLabelValues(wf, outcome).Inc()
}

// PersonaRequest records a finished persona request.
func (m *Metrics) PersonaRequest(persona, result string) {
	m.personaRequests.WithLabelValues(persona, result).Inc()
}

// PersonaRetry records one retry of a persona request.
func (m *Metrics) PersonaRetry(persona string) {
	m.personaRetries.WithLabelValues(persona).Inc()
}

// TasksCreated adds to the created-task counter.
func (m *Metrics) TasksCreated(n int) {
	m.tasksCreated.Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
