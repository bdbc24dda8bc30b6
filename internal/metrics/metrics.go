// Package metrics exposes orchestrator events as Prometheus collectors.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kingrea/lattice-compliance/internal/orchestrator"
)

// Observer counts run, task and negotiation events. It owns its registry so
// several orchestrators (and tests) never collide on the default one.
type Observer struct {
	registry *prometheus.Registry

	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	activeRuns   prometheus.Gauge
	runDuration  prometheus.Histogram
	taskAttempts *prometheus.CounterVec
	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	conflicts    prometheus.Counter
	rounds       prometheus.Counter
	settled      *prometheus.CounterVec
}

// New builds the collectors and registers them on a fresh registry.
func New() *Observer {
	o := &Observer{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compliance_runs_started_total",
			Help: "Workflow runs accepted by the orchestrator.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_runs_finished_total",
			Help: "Workflow runs that reached a terminal state.",
		}, []string{"status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "compliance_runs_active",
			Help: "Runs started but not yet finished.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "compliance_run_duration_seconds",
			Help:    "Wall time from run start to completion or failure.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		taskAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_task_attempts_total",
			Help: "Task executions including retries.",
		}, []string{"role"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_tasks_total",
			Help: "Tasks by final status.",
		}, []string{"role", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "compliance_task_duration_seconds",
			Help:    "Time spent on a task across all attempts.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"role"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compliance_conflicts_detected_total",
			Help: "Conflicts found during reconciliation.",
		}),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compliance_negotiation_rounds_total",
			Help: "Negotiation rounds broadcast to producers.",
		}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_conflicts_settled_total",
			Help: "Negotiations by outcome.",
		}, []string{"outcome"}),
	}
	o.registry.MustRegister(
		o.runsStarted, o.runsFinished, o.activeRuns, o.runDuration,
		o.taskAttempts, o.tasks, o.taskDuration,
		o.conflicts, o.rounds, o.settled,
	)
	return o
}

// Registry returns the registry the collectors live on.
func (o *Observer) Registry() *prometheus.Registry {
	return o.registry
}

// Handler serves the registry in the Prometheus text format.
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}

// Observe implements orchestrator.Observer.
func (o *Observer) Observe(e orchestrator.Event) {
	switch e.Type {
	case orchestrator.EventRunStarted:
		o.runsStarted.Inc()
		o.activeRuns.Inc()
	case orchestrator.EventRunCompleted:
		o.finish("completed", e)
	case orchestrator.EventRunFailed:
		o.finish("failed", e)
	case orchestrator.EventTaskAttempt:
		o.taskAttempts.WithLabelValues(e.Role).Inc()
	case orchestrator.EventTaskFinished:
		o.tasks.WithLabelValues(e.Role, string(e.Status)).Inc()
		o.taskDuration.WithLabelValues(e.Role).Observe(e.Elapsed.Seconds())
	case orchestrator.EventConflictDetected:
		o.conflicts.Inc()
	case orchestrator.EventNegotiationRound:
		o.rounds.Inc()
	case orchestrator.EventConflictSettled:
		outcome := "resolved"
		if strings.HasPrefix(e.Message, "unresolved") {
			outcome = "unresolved"
		}
		o.settled.WithLabelValues(outcome).Inc()
	}
}

func (o *Observer) finish(status string, e orchestrator.Event) {
	o.runsFinished.WithLabelValues(status).Inc()
	o.activeRuns.Dec()
	o.runDuration.Observe(e.Elapsed.Seconds())
}
