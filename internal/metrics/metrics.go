// Package metrics exports master measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/flowmaster/pkg/schema"
)

// Metrics holds every collector of one master. It implements engine.Observer,
// dispatch.Observer and command.Observer.
type Metrics struct {
	registry *prometheus.Registry

	// workflow engine
	WorkflowTransitions *prometheus.CounterVec
	WorkflowsFinished   *prometheus.CounterVec
	WorkflowsFrozen     prometheus.Counter
	TaskTransitions     *prometheus.CounterVec
	EventDuration       *prometheus.HistogramVec
	EventBusDepth       prometheus.Histogram
	PoolBusy            *prometheus.GaugeVec

	// dispatch
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	CircuitsOpened   *prometheus.CounterVec

	// commands
	CommandsTotal *prometheus.CounterVec
}

// New creates the collectors on a private registry together with the Go and
// process collectors. host is attached as a constant label.
func New(namespace, host string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	labels := prometheus.Labels{"master": host}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		WorkflowTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "workflow_transitions_total",
				Help:        "Workflow instance state transitions",
				ConstLabels: labels,
			},
			[]string{"from", "to"},
		),
		WorkflowsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "workflows_finished_total",
				Help:        "Workflow instances that reached a final state",
				ConstLabels: labels,
			},
			[]string{"state"},
		),
		WorkflowsFrozen: f.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "workflows_frozen_total",
				Help:        "Workflow executions stopped by an illegal event",
				ConstLabels: labels,
			},
		),
		TaskTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "task_transitions_total",
				Help:        "Task instance state transitions by task type",
				ConstLabels: labels,
			},
			[]string{"task_type", "from", "to"},
		),
		EventDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "event_duration_seconds",
				Help:        "Time spent handling one lifecycle event",
				Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
				ConstLabels: labels,
			},
			[]string{"event"},
		),
		EventBusDepth: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "event_bus_depth",
				Help:        "Queued events observed on workflow event buses",
				Buckets:     []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
				ConstLabels: labels,
			},
		),
		PoolBusy: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "engine_pool_busy",
				Help:        "Busy slots of the workflow and dispatch pools",
				ConstLabels: labels,
			},
			[]string{"pool"},
		),
		DispatchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "dispatch_total",
				Help:        "Task dispatch attempts by worker group and outcome",
				ConstLabels: labels,
			},
			[]string{"worker_group", "outcome"},
		),
		DispatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "dispatch_duration_seconds",
				Help:        "Task dispatch latency in seconds",
				Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
				ConstLabels: labels,
			},
			[]string{"worker_group"},
		),
		CircuitsOpened: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "circuit_opened_total",
				Help:        "Worker circuit breakers tripped open",
				ConstLabels: labels,
			},
			[]string{"worker"},
		),
		CommandsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "commands_total",
				Help:        "Commands consumed by type and outcome",
				ConstLabels: labels,
			},
			[]string{"command_type", "outcome"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) WorkflowTransition(from, to schema.WorkflowExecutionStatus) {
	m.WorkflowTransitions.WithLabelValues(string(from), string(to)).Inc()
	switch to {
	case schema.WorkflowSuccess, schema.WorkflowFailure, schema.WorkflowStop:
		m.WorkflowsFinished.WithLabelValues(string(to)).Inc()
	}
}

func (m *Metrics) TaskTransition(taskType string, from, to schema.TaskExecutionStatus) {
	m.TaskTransitions.WithLabelValues(taskType, string(from), string(to)).Inc()
}

func (m *Metrics) EventHandled(event string, elapsed time.Duration) {
	m.EventDuration.WithLabelValues(event).Observe(elapsed.Seconds())
}

// BusDepth ignores the bus name; one series per workflow instance would not
// stay bounded.
func (m *Metrics) BusDepth(_ string, depth int) {
	m.EventBusDepth.Observe(float64(depth))
}

func (m *Metrics) PoolInUse(pool string, n int) { m.PoolBusy.WithLabelValues(pool).Set(float64(n)) }

func (m *Metrics) WorkflowFrozen() { m.WorkflowsFrozen.Inc() }

func (m *Metrics) DispatchAttempt(group, outcome string, elapsed time.Duration) {
	m.DispatchTotal.WithLabelValues(group, outcome).Inc()
	m.DispatchDuration.WithLabelValues(group).Observe(elapsed.Seconds())
}

func (m *Metrics) CircuitOpened(host string) {
	m.CircuitsOpened.WithLabelValues(host).Inc()
}

func (m *Metrics) CommandHandled(commandType, outcome string) {
	m.CommandsTotal.WithLabelValues(commandType, outcome).Inc()
}
