package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/flowmaster/internal/eventbus"
	"github.com/rendis/flowmaster/internal/graph"
	"github.com/rendis/flowmaster/internal/store"
	"github.com/rendis/flowmaster/pkg/schema"
)

// WorkflowExecution is the in-memory run of one workflow instance: its
// execution graph, its event bus and the var pool collected so far.
//
// Everything except State, Frozen, Err and Done belongs to the instance's
// consumer goroutine once the execution is submitted.
type WorkflowExecution struct {
	instance *store.WorkflowInstance
	spec     *schema.WorkflowSpec
	graph    *ExecutionGraph
	bus      *eventbus.Bus
	varPool  *schema.VarPool
	logger   *slog.Logger

	requested map[EventType]bool // one-shot workflow events already published

	mu    sync.RWMutex
	state schema.WorkflowExecutionStatus
	err   error

	frozen atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewExecution builds the execution of instance over plan. The graph gets one
// node per planned task and the bus is named after the instance.
func (e *Engine) NewExecution(instance *store.WorkflowInstance, spec *schema.WorkflowSpec, plan *graph.Plan) *WorkflowExecution {
	exec := &WorkflowExecution{
		instance:  instance,
		spec:      spec,
		varPool:   schema.NewVarPool(instance.VarPool...),
		logger:    e.logger.With(slog.Int64("workflow_instance_id", instance.ID)),
		requested: make(map[EventType]bool),
		state:     instance.State,
		done:      make(chan struct{}),
	}
	exec.bus = eventbus.New("workflow-"+itoa(instance.ID),
		eventbus.WithLogger(e.logger),
		eventbus.WithDepthObserver(e.observer.BusDepth))
	exec.graph = NewExecutionGraph(plan, func(def *schema.TaskDefinition) *TaskExecution {
		return &TaskExecution{Name: def.Name, Definition: def, workflow: exec}
	})
	return exec
}

// Restore attaches persisted successful attempts to their nodes so a recovered
// run does not execute them again. It must be called before the execution is
// submitted. Returns the number of restored nodes.
func (w *WorkflowExecution) Restore(instances []*store.TaskInstance) int {
	restored := 0
	for _, ti := range instances {
		if ti.Flag != schema.FlagYes || !ti.State.IsSuccess() {
			continue
		}
		name, ok := w.graph.plan.Graph.NameOf(ti.TaskCode)
		if !ok {
			continue
		}
		node, ok := w.graph.Node(name)
		if !ok {
			continue
		}
		node.instance = ti
		restored++
	}
	return restored
}

func (w *WorkflowExecution) ID() int64                         { return w.instance.ID }
func (w *WorkflowExecution) Name() string                      { return w.instance.Name }
func (w *WorkflowExecution) Spec() *schema.WorkflowSpec        { return w.spec }
func (w *WorkflowExecution) Graph() *ExecutionGraph            { return w.graph }
func (w *WorkflowExecution) Bus() *eventbus.Bus                { return w.bus }
func (w *WorkflowExecution) Instance() *store.WorkflowInstance { return w.instance }

// State returns the current workflow state. Safe for concurrent use.
func (w *WorkflowExecution) State() schema.WorkflowExecutionStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *WorkflowExecution) setState(s schema.WorkflowExecutionStatus) {
	w.mu.Lock()
	w.state = s
	w.instance.State = s
	w.mu.Unlock()
}

// Done is closed once the consumer returned, after finalize or freeze.
func (w *WorkflowExecution) Done() <-chan struct{} { return w.done }

// Frozen reports whether a fatal error stopped the consumer.
func (w *WorkflowExecution) Frozen() bool { return w.frozen.Load() }

// Err returns the error that froze the execution.
func (w *WorkflowExecution) Err() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.err
}

// VarPool returns the workflow var pool. Read it only after Done.
func (w *WorkflowExecution) VarPool() []schema.Property { return w.varPool.Properties() }

func (w *WorkflowExecution) failureStrategy() schema.FailureStrategy {
	if w.instance.FailureStrategy == "" {
		return schema.FailureStrategyContinue
	}
	return w.instance.FailureStrategy
}

// reference is the business time of the run: schedule time, else start time.
func (w *WorkflowExecution) reference(now time.Time) time.Time {
	switch {
	case w.instance.ScheduleTime != nil:
		return *w.instance.ScheduleTime
	case w.instance.StartTime != nil:
		return *w.instance.StartTime
	}
	return now
}

func (w *WorkflowExecution) publish(ev *LifecycleEvent) {
	if err := w.bus.Publish(ev); err != nil {
		w.logger.Debug("event dropped", slog.String("event", string(ev.Type)), slog.String("error", err.Error()))
	}
}

// publishOnce publishes a workflow event at most once per run.
func (w *WorkflowExecution) publishOnce(t EventType) {
	if w.requested[t] {
		return
	}
	w.requested[t] = true
	w.publish(newEvent(t, nil))
}

func (w *WorkflowExecution) stopTimers() {
	for _, n := range w.graph.order {
		n.stopTimer()
	}
}
