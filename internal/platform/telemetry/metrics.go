// Package telemetry exposes Prometheus metrics for the orchestration core:
// command dispatch outcomes, pipeline step executions, deferred retries, and
// medication reconciliation merges.
package telemetry

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	CommandsDispatched *prometheus.CounterVec
	CommandsDuplicate  *prometheus.CounterVec
	CommandErrors      *prometheus.CounterVec
	StepsExecuted      *prometheus.CounterVec
	StepDuration       *prometheus.HistogramVec
	RetriesScheduled   *prometheus.CounterVec
	ReconcileMerges    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.CommandsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recordflow_commands_dispatched_total",
		Help: "Commands dispatched, by message type.",
	}, []string{"type"})

	m.CommandsDuplicate = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recordflow_commands_duplicate_total",
		Help: "Commands skipped because the idempotency ledger marked them processed.",
	}, []string{"type"})

	m.CommandErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recordflow_command_errors_total",
		Help: "Command handler failures, by message type and strictness.",
	}, []string{"type", "strict"})

	m.StepsExecuted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recordflow_steps_executed_total",
		Help: "Pipeline step executions, by step and outcome.",
	}, []string{"step", "status"})

	m.StepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recordflow_step_duration_seconds",
		Help:    "Pipeline step wall time.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"step"})

	m.RetriesScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recordflow_retries_scheduled_total",
		Help: "Deferred pipeline retries scheduled, by priority queue.",
	}, []string{"queue"})

	m.ReconcileMerges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recordflow_reconcile_merges_total",
		Help: "Medication reconciliation outcomes (created, folded, skipped).",
	}, []string{"outcome"})

	m.registry.MustRegister(
		m.CommandsDispatched, m.CommandsDuplicate, m.CommandErrors,
		m.StepsExecuted, m.StepDuration,
		m.RetriesScheduled, m.ReconcileMerges,
	)

	return m
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}
