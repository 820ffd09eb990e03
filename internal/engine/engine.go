package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/rendis/flowmaster/internal/eventbus"
	"github.com/rendis/flowmaster/internal/expressions"
	"github.com/rendis/flowmaster/internal/logging"
	"github.com/rendis/flowmaster/internal/store"
	"github.com/rendis/flowmaster/internal/streaming"
	"github.com/rendis/flowmaster/pkg/schema"
)

// TaskContext is the snapshot of a task attempt handed to the dispatcher.
// Parameters are already cured.
type TaskContext struct {
	TaskInstanceID            int64             `json:"task_instance_id"`
	TaskName                  string            `json:"task_name"`
	TaskCode                  int64             `json:"task_code"`
	TaskVersion               int               `json:"task_version"`
	TaskType                  string            `json:"task_type"`
	WorkflowInstanceID        int64             `json:"workflow_instance_id"`
	WorkflowDefinitionCode    int64             `json:"workflow_definition_code"`
	WorkflowDefinitionVersion int               `json:"workflow_definition_version"`
	ProjectCode               int64             `json:"project_code,omitempty"`
	TaskParams                json.RawMessage   `json:"task_params,omitempty"`
	Params                    []schema.Property `json:"params,omitempty"`
	VarPool                   []schema.Property `json:"var_pool,omitempty"`
	WorkerGroup               string            `json:"worker_group"`
	EnvironmentCode           int64             `json:"environment_code,omitempty"`
	Priority                  int               `json:"priority,omitempty"`
	RetryTimes                int               `json:"retry_times"`
	MaxRetryTimes             int               `json:"max_retry_times"`
	RetryInterval             int               `json:"retry_interval"`
	Timeout                   int               `json:"timeout,omitempty"`
	ExecutePath               string            `json:"execute_path,omitempty"`
	LogPath                   string            `json:"log_path"`
	ScheduleTime              *time.Time        `json:"schedule_time,omitempty"`
	SubmitTime                time.Time         `json:"submit_time"`
	DryRun                    bool              `json:"dry_run,omitempty"`
	TestFlag                  bool              `json:"test_flag,omitempty"`
}

// TaskDispatcher hands a task attempt to a worker and returns the host that accepted it.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, task *TaskContext) (host string, err error)
}

// TaskController asks the worker owning a task instance to pause or kill it.
type TaskController interface {
	PauseTask(ctx context.Context, host string, taskInstanceID int64) error
	KillTask(ctx context.Context, host string, taskInstanceID int64) error
}

// Observer receives engine measurements. The zero Engine uses a no-op observer.
type Observer interface {
	WorkflowTransition(from, to schema.WorkflowExecutionStatus)
	TaskTransition(taskType string, from, to schema.TaskExecutionStatus)
	EventHandled(eventType string, elapsed time.Duration)
	BusDepth(bus string, depth int)
	PoolInUse(pool string, n int)
	WorkflowFrozen()
}

type noopObserver struct{}

func (noopObserver) WorkflowTransition(schema.WorkflowExecutionStatus, schema.WorkflowExecutionStatus) {
}
func (noopObserver) TaskTransition(string, schema.TaskExecutionStatus, schema.TaskExecutionStatus) {}
func (noopObserver) EventHandled(string, time.Duration)                                            {}
func (noopObserver) BusDepth(string, int)                                                          {}
func (noopObserver) PoolInUse(string, int)                                                         {}
func (noopObserver) WorkflowFrozen()                                                               {}

// Defaults applied by New.
const (
	DefaultPoolSize         = 64
	DefaultDispatchPoolSize = 16
	DefaultRedispatchDelay  = time.Second
	DefaultLogBase          = "logs"
)

// Config holds engine tunables.
type Config struct {
	Host              string        // this master's address, stored on instances
	PoolSize          int           // max workflow events handled at once, across instances
	DispatchPoolSize  int           // max in-flight dispatch and control calls
	RetryIntervalUnit time.Duration // unit of task retry_interval (default: minute)
	RedispatchDelay   time.Duration // wait before offering a task no worker took again
	// poll period for dependent tasks without check_interval_ms (default: dependent.DefaultCheckInterval)
	DependentCheckInterval time.Duration
	LogBase                string
	ExecuteBase            string
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithHub publishes workflow and task state changes to hub.
func WithHub(h streaming.EventHub) Option { return func(e *Engine) { e.hub = h } }

// WithConditions sets the engines used by switch tasks.
func WithConditions(c *expressions.Conditions) Option { return func(e *Engine) { e.conditions = c } }

func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option { return func(e *Engine) { e.clock = fn } }

// Engine owns the running workflow executions of this master. Each execution
// has its own consumer goroutine; handling an event takes a slot of the
// workflow pool. Dispatch and control calls run on a second pool and report
// back through the execution's bus.
type Engine struct {
	store      store.Store
	dispatcher TaskDispatcher
	controller TaskController
	conditions *expressions.Conditions
	hub        streaming.EventHub
	observer   Observer
	logger     *slog.Logger
	clock      func() time.Time
	cfg        Config

	actions      map[schema.WorkflowExecutionStatus]StateAction
	pool         *callPool
	dispatchPool *callPool

	base   context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	executions map[int64]*WorkflowExecution
	consumers  sync.WaitGroup
}

// New creates an engine. controller may be nil when no worker can be paused
// or killed (tasks are then marked paused or killed locally).
func New(st store.Store, dispatcher TaskDispatcher, controller TaskController, cfg Config, opts ...Option) *Engine {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.DispatchPoolSize <= 0 {
		cfg.DispatchPoolSize = DefaultDispatchPoolSize
	}
	if cfg.RetryIntervalUnit <= 0 {
		cfg.RetryIntervalUnit = time.Minute
	}
	if cfg.RedispatchDelay <= 0 {
		cfg.RedispatchDelay = DefaultRedispatchDelay
	}
	if cfg.LogBase == "" {
		cfg.LogBase = DefaultLogBase
	}

	e := &Engine{
		store:      st,
		dispatcher: dispatcher,
		controller: controller,
		observer:   noopObserver{},
		clock:      time.Now,
		cfg:        cfg,
		executions: make(map[int64]*WorkflowExecution),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDefault(e.logger)
	if e.conditions == nil {
		c, err := expressions.NewConditions()
		if err != nil {
			e.logger.Warn("cel engine unavailable, switch tasks limited to expr and jq", slog.String("error", err.Error()))
			c = expressions.NewConditionsWith(expressions.NewExprEngine(), expressions.NewGoJQEngine())
		}
		e.conditions = c
	}
	e.base, e.cancel = context.WithCancel(context.Background())
	e.pool = newCallPool(poolWorkflow, cfg.PoolSize, e.onPanic, e.observer.PoolInUse)
	e.dispatchPool = newCallPool(poolDispatch, cfg.DispatchPoolSize, e.onPanic, e.observer.PoolInUse)
	e.actions = newStateActions(e)
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// ErrEngineClosed is returned by Submit after Shutdown.
var ErrEngineClosed = errors.New("engine is shut down")

// Submit registers exec and starts consuming its bus with a start event
// queued. It does not wait for pool capacity.
func (e *Engine) Submit(ctx context.Context, exec *WorkflowExecution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if _, ok := e.executions[exec.ID()]; ok {
		e.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow instance %d is already running", exec.ID())
	}
	e.executions[exec.ID()] = exec
	e.consumers.Add(1)
	e.mu.Unlock()

	exec.ctx, exec.cancel = context.WithCancel(logging.WithWorkflowInstance(e.base, exec.ID()))
	exec.publish(newEvent(WorkflowStartEvent, nil))
	go e.consume(exec)
	return nil
}

// Execution returns the running execution of a workflow instance.
func (e *Engine) Execution(id int64) (*WorkflowExecution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[id]
	return exec, ok
}

// Running returns the number of executions owned by the engine.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.executions)
}

// Pause asks a running instance to pause.
func (e *Engine) Pause(ctx context.Context, id int64) error {
	exec, ok := e.Execution(id)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow instance %d is not running on this master", id)
	}
	return e.publishControl(exec, WorkflowPauseEvent)
}

// Stop asks a running instance to stop. A paused instance that is no longer
// in memory is moved to STOP directly.
func (e *Engine) Stop(ctx context.Context, id int64) error {
	if exec, ok := e.Execution(id); ok {
		return e.publishControl(exec, WorkflowStopEvent)
	}

	wi, err := e.store.GetWorkflowInstance(ctx, id)
	if err != nil {
		return err
	}
	if wi.State != schema.WorkflowPause {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow instance %d is not running on this master", id).
			WithDetails(map[string]any{"state": string(wi.State)})
	}
	if err := e.store.UpdateWorkflowInstanceState(ctx, id, schema.WorkflowPause, schema.WorkflowStop); err != nil {
		return err
	}
	e.observer.WorkflowTransition(schema.WorkflowPause, schema.WorkflowStop)
	return e.recordWorkflow(ctx, id, string(WorkflowStopEvent), schema.WorkflowPause, schema.WorkflowStop)
}

func (e *Engine) publishControl(exec *WorkflowExecution, t EventType) error {
	if err := exec.bus.Publish(newEvent(t, nil)); err != nil {
		if errors.Is(err, eventbus.ErrBusClosed) {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow instance %d is finishing", exec.ID())
		}
		return err
	}
	return nil
}

// OnTaskCallback routes a worker report to the owning instance's bus.
func (e *Engine) OnTaskCallback(ctx context.Context, cb *TaskCallback) error {
	t, ok := callbackEvent(cb.Status)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unsupported task status %q in callback", cb.Status)
	}
	exec, ok := e.Execution(cb.WorkflowInstanceID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow instance %d is not running on this master", cb.WorkflowInstanceID)
	}
	ev := newEvent(t, nil)
	ev.Callback = cb
	ev.Host = cb.Host
	ev.Reason = cb.Reason
	if err := exec.bus.Publish(ev); err != nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow instance %d is finishing", exec.ID()).WithCause(err)
	}
	return nil
}

// Shutdown stops every consumer and waits for in-flight calls. Persisted
// state is left as is.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.consumers.Wait()
	e.pool.Shutdown()
	e.dispatchPool.Shutdown()
}

func (e *Engine) consume(exec *WorkflowExecution) {
	defer e.consumers.Done()
	defer close(exec.done)
	defer e.release(exec)

	exec.logger.Info("workflow consumer started", slog.String("state", string(exec.State())))
	err := exec.bus.Run(exec.ctx, func(ev eventbus.Event) {
		if exec.Frozen() {
			return
		}
		le, ok := ev.(*LifecycleEvent)
		if !ok {
			e.freeze(exec, nil, schema.NewErrorf(schema.ErrCodeIllegalState, "unexpected event %T", ev))
			return
		}
		var herr error
		perr := e.pool.Do(exec.ctx, func() {
			start := time.Now()
			herr = e.handle(exec.ctx, exec, le)
			e.observer.EventHandled(string(le.Type), time.Since(start))
		})
		var pe *PanicError
		switch {
		case errors.As(perr, &pe):
			herr = schema.NewErrorf(schema.ErrCodeIllegalState, "handle %s: %v", le.Type, pe.Value).WithCause(perr)
		case perr != nil:
			// the instance or the engine is going away
			return
		}
		if herr != nil {
			e.freeze(exec, le, herr)
		}
	})
	if err != nil && exec.ctx.Err() == nil {
		exec.logger.Warn("workflow consumer stopped", slog.String("error", err.Error()))
	}
}

func (e *Engine) handle(ctx context.Context, exec *WorkflowExecution, ev *LifecycleEvent) error {
	if ev.Type.IsWorkflowEvent() {
		return e.handleWorkflowEvent(ctx, exec, ev)
	}
	return e.handleTaskEvent(ctx, exec, ev)
}

// freeze stops consuming exec after a fatal error. Persisted state is not touched.
func (e *Engine) freeze(exec *WorkflowExecution, ev *LifecycleEvent, err error) {
	exec.frozen.Store(true)
	exec.mu.Lock()
	exec.err = err
	exec.mu.Unlock()

	attrs := []any{
		slog.String("state", string(exec.State())),
		slog.String("error", err.Error()),
		slog.String("code", schema.ErrorCode(err)),
	}
	if ev != nil {
		attrs = append(attrs, slog.String("event", string(ev.Type)), slog.String("event_id", ev.ID.String()))
		if ev.Task != nil {
			attrs = append(attrs, slog.String("task", ev.Task.Name))
		}
	}
	exec.logger.Error("workflow instance frozen", attrs...)
	e.observer.WorkflowFrozen()

	exec.stopTimers()
	exec.cancel()
}

// finalize closes the bus; the consumer drains it and releases the execution.
func (e *Engine) finalize(ctx context.Context, exec *WorkflowExecution) error {
	exec.stopTimers()
	exec.bus.Close()
	published, consumed := exec.bus.Stats()
	exec.logger.InfoContext(ctx, "workflow instance finalized",
		slog.String("state", string(exec.State())),
		slog.Int64("events_published", published),
		slog.Int64("events_consumed", consumed))
	return nil
}

func (e *Engine) release(exec *WorkflowExecution) {
	e.mu.Lock()
	if e.executions[exec.ID()] == exec {
		delete(e.executions, exec.ID())
	}
	e.mu.Unlock()
}

func (e *Engine) onPanic(pool string, r any) {
	e.logger.Error("panic in engine pool", slog.String("pool", pool), slog.Any("panic", r))
}

// transition moves exec to state to: validated against the transition table,
// persisted as a compare-and-set, then applied in memory and recorded. Memory
// is only touched once every write succeeded.
func (e *Engine) transition(ctx context.Context, exec *WorkflowExecution, to schema.WorkflowExecutionStatus) error {
	from := exec.State()
	if !schema.CanTransitionWorkflow(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_instance_id": exec.ID(), "from": string(from), "to": string(to)})
	}
	if err := e.store.UpdateWorkflowInstanceState(ctx, exec.ID(), from, to); err != nil {
		return err
	}
	if to.IsFinished() {
		now := e.clock()
		final := *exec.instance
		final.State = to
		final.EndTime = &now
		final.VarPool = exec.varPool.Properties()
		if err := e.store.UpdateWorkflowInstance(ctx, &final); err != nil {
			if rerr := e.store.UpdateWorkflowInstanceState(ctx, exec.ID(), to, from); rerr != nil {
				exec.logger.ErrorContext(ctx, "workflow state rollback failed",
					slog.String("from", string(to)), slog.String("to", string(from)), slog.String("error", rerr.Error()))
			}
			return err
		}
		exec.instance.EndTime = final.EndTime
		exec.instance.VarPool = final.VarPool
	}
	exec.setState(to)

	exec.logger.InfoContext(ctx, "workflow state changed", slog.String("from", string(from)), slog.String("to", string(to)))
	e.observer.WorkflowTransition(from, to)
	if err := e.recordWorkflow(ctx, exec.ID(), "workflow.state", from, to); err != nil {
		return err
	}
	e.notify(ctx, streaming.StreamEvent{
		WorkflowInstanceID: exec.ID(),
		EventType:          streaming.WorkflowStateChanged,
		From:               string(from),
		To:                 string(to),
	})
	return nil
}

func (e *Engine) recordWorkflow(ctx context.Context, id int64, eventType string, from, to schema.WorkflowExecutionStatus) error {
	err := e.store.AppendLifecycle(ctx, &store.LifecycleRecord{
		WorkflowInstanceID: id,
		EventType:          eventType,
		FromState:          string(from),
		ToState:            string(to),
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record workflow transition: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, ev streaming.StreamEvent) {
	if e.hub == nil {
		return
	}
	ev.Timestamp = e.clock()
	if err := e.hub.Publish(ctx, ev); err != nil {
		e.logger.Debug("stream publish failed", slog.String("error", err.Error()))
	}
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
