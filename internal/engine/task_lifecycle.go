package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/flowmaster/internal/dependent"
	"github.com/rendis/flowmaster/internal/expressions"
	"github.com/rendis/flowmaster/internal/params"
	"github.com/rendis/flowmaster/internal/store"
	"github.com/rendis/flowmaster/internal/streaming"
	"github.com/rendis/flowmaster/pkg/schema"
)

func (e *Engine) handleTaskEvent(ctx context.Context, exec *WorkflowExecution, ev *LifecycleEvent) error {
	task := ev.Task
	if task == nil {
		if ev.Callback == nil {
			return schema.NewErrorf(schema.ErrCodeIllegalState, "task event %s without task", ev.Type)
		}
		var ok bool
		task, ok = exec.graph.ByInstanceID(ev.Callback.TaskInstanceID)
		if !ok {
			exec.logger.WarnContext(ctx, "callback for unknown or stale task instance ignored",
				slog.Int64("task_instance_id", ev.Callback.TaskInstanceID),
				slog.String("event", string(ev.Type)))
			return nil
		}
		// a worker report proves the dispatch landed
		task.dispatching = false
	} else if n, ok := exec.graph.Node(task.Name); !ok || n != task {
		return schema.NewErrorf(schema.ErrCodeIllegalState, "task %q is not part of workflow instance %d", task.Name, exec.ID())
	}

	switch ev.Type {
	case TaskStartEvent:
		return e.startTask(ctx, exec, task)
	case TaskDispatchEvent:
		return e.dispatchTask(ctx, exec, task)
	case TaskDispatchedEvent:
		return e.onDispatched(ctx, exec, task, ev)
	case TaskNoWorkerEvent:
		return e.onNoWorker(ctx, exec, task, ev)
	case TaskRunningEvent:
		return e.onRunning(ctx, exec, task, ev.Callback)
	case TaskSuccessEvent:
		if cb := ev.Callback; cb != nil && schema.CanTransitionTask(task.State(), schema.TaskSuccess) {
			task.instance.EndTime = cb.EndTime
			task.instance.VarPool = cb.VarPool
			if cb.Host != "" {
				task.instance.Host = cb.Host
			}
		}
		return e.succeedTask(ctx, exec, task)
	case TaskFailureEvent:
		return e.onFailure(ctx, exec, task, ev)
	case TaskRetryEvent:
		return e.retryTask(ctx, exec, task)
	case TaskPauseEvent, TaskKillEvent:
		return e.controlTask(ctx, exec, task, ev.Type)
	case TaskPausedEvent:
		return e.onInterrupted(ctx, exec, task, schema.TaskPause, ev.Reason)
	case TaskKilledEvent:
		return e.onInterrupted(ctx, exec, task, schema.TaskKill, ev.Reason)
	case TaskRecheckEvent:
		return e.recheckDependent(ctx, exec, task)
	}
	return schema.NewErrorf(schema.ErrCodeIllegalState, "unknown task event %s", ev.Type)
}

// queueTask marks task as started and puts its start event on the bus.
func (e *Engine) queueTask(exec *WorkflowExecution, task *TaskExecution) {
	task.queued = true
	exec.publish(newEvent(TaskStartEvent, task))
}

// triggerSuccessors queues every successor of a completed task that became
// ready. Successors no branch routes to are skipped, which cascades.
func (e *Engine) triggerSuccessors(ctx context.Context, exec *WorkflowExecution, task *TaskExecution) error {
	g := exec.graph
	for _, next := range g.Successors(task.Name) {
		if !g.Ready(next) {
			continue
		}
		if g.Unreachable(next) {
			if err := e.skipTask(ctx, exec, next); err != nil {
				return err
			}
			continue
		}
		e.queueTask(exec, next)
	}
	return nil
}

func (e *Engine) skipTask(ctx context.Context, exec *WorkflowExecution, task *TaskExecution) error {
	task.skipped = true
	exec.logger.InfoContext(ctx, "task skipped, no branch routes to it", slog.String("task", task.Name))
	if err := e.recordTask(ctx, exec, task, "task.skip", "", "SKIPPED"); err != nil {
		return err
	}
	return e.triggerSuccessors(ctx, exec, task)
}

// endedByFailure reports a run that must not start new tasks because a task
// failed under failure strategy END.
func (e *Engine) endedByFailure(exec *WorkflowExecution) bool {
	return exec.failureStrategy() == schema.FailureStrategyEnd && exec.graph.AnyFailed()
}

func (e *Engine) startTask(ctx context.Context, exec *WorkflowExecution, task *TaskExecution) error {
	task.queued = false
	if task.IsStarted() {
		exec.logger.DebugContext(ctx, "task already started", slog.String("task", task.Name))
		return nil
	}
	if exec.State() != schema.WorkflowRunning || e.endedByFailure(exec) {
		exec.publish(newEvent(WorkflowTopologyTransitionEvent, task))
		return nil
	}

	if task.Definition.IsForbidden() {
		task.skipped = true
		task.forbidden = true
		exec.logger.InfoContext(ctx, "task forbidden, passing through", slog.String("task", task.Name))
		if err := e.recordTask(ctx, exec, task, "task.forbidden", "", "FORBIDDEN"); err != nil {
			return err
		}
		exec.publish(newEvent(WorkflowTopologyTransitionEvent, task))
		return nil
	}

	if err := e.submitTask(ctx, exec, task, e.newTaskInstance(exec, task, 0)); err != nil {
		return err
	}
	return e.runTask(ctx, exec, task)
}

func (e *Engine) newTaskInstance(exec *WorkflowExecution, task *TaskExecution, retryTimes int) *store.TaskInstance {
	def := task.Definition
	wi := exec.instance
	now := e.clock()
	ti := &store.TaskInstance{
		Name:               def.Name,
		WorkflowInstanceID: wi.ID,
		TaskCode:           def.Code,
		TaskVersion:        def.Version,
		TaskType:           def.TaskType,
		State:              schema.TaskSubmitted,
		Flag:               schema.FlagYes,
		RetryTimes:         retryTimes,
		MaxRetryTimes:      def.FailRetryTimes,
		RetryInterval:      def.FailRetryInterval,
		SubmitTime:         &now,
		ExecuteType:        def.ExecuteType,
		WorkerGroup:        def.WorkerGroup,
		EnvironmentCode:    def.EnvironmentCode,
		TaskParams:         def.TaskParams,
		Priority:           def.Priority,
		DryRun:             wi.DryRun,
		TestFlag:           wi.TestFlag,
	}
	if ti.WorkerGroup == "" {
		ti.WorkerGroup = wi.WorkerGroup
	}
	if ti.EnvironmentCode == 0 {
		ti.EnvironmentCode = wi.EnvironmentCode
	}
	if task.isMasterTask() {
		ti.Host = e.cfg.Host
	}
	return ti
}

// submitTask persists a new attempt and makes it the node's current one.
func (e *Engine) submitTask(ctx context.Context, exec *WorkflowExecution, task *TaskExecution, ti *store.TaskInstance) error {
	if err := e.store.UpsertTaskInstance(ctx, ti); err != nil {
		return err
	}
	ti.LogPath = e.logPath(exec, ti)
	if err := e.store.UpsertTaskInstance(ctx, ti); err != nil {
		return err
	}
	task.instance = ti
	e.observer.TaskTransition(ti.TaskType, "", schema.TaskSubmitted)
	exec.logger.InfoContext(ctx, "task submitted",
		slog.String("task", task.Name),
		slog.Int64("task_instance_id", ti.ID),
		slog.Int("retry_times", ti.RetryTimes))
	return e.recordTask(ctx, exec, task, "task.state", "", string(schema.TaskSubmitted))
}

// runTask starts the current attempt: master tasks run in place, the others
// go to a worker.
func (e *Engine) runTask(ctx context.Context, exec *WorkflowExecution, task *TaskExecution) error {
	switch task.Definition.TaskType {
	case schema.TaskTypeSwitch:
		return e.runSwitch(ctx, exec, task)
	case schema.TaskTypeDependent:
		return e.startDependent(ctx, exec, task)
	}
	exec.publish(newEvent(TaskDispatchEvent, task))
	return nil
}

func (e *Engine) runSwitch(ctx context.Context, exec *WorkflowExecution, task *TaskExecution) error {
	var p schema.SwitchParams
	if err := json.Unmarshal(task.Definition.TaskParams, &p); err != nil {
		return e.failTask(ctx, exec, task, "invalid switch params: "+err.Error())
	}
	now := e.clock()
	task.instance.StartTime = &now

	cured := e.cure(exec, task)
	scope := expressions.Scope(exec.varPool.Values(), cured.Values, map[string]any{
		"id":              exec.ID(),
		"name":            exec.Name(),
		"definition_code": exec.instance.WorkflowDefinitionCode,
	})

	chosen := []string{}
	for _, c := range p.Cases {
		ok, err := e.conditions.Test(ctx, p.Engine, cured.Apply(c.Condition), scope)
		if err != nil {
			return e.failTask(ctx, exec, task, fmt.Sprintf("switch condition %q: %s", c.Condition, err))
		}
		if ok {
			chosen = []string{c.Next}
			break
		}
	}
	if len(chosen) == 0 && p.NextNode != "" {
		chosen = []string{p.NextNode}
	}
	task.chosen = chosen
	exec.logger.InfoContext(ctx, "switch evaluated", slog.String("task", task.Name), slog.Any("chosen", chosen))
	return e.succeedTask(ctx, exec, task)
}

func (e *Engine) startDependent(ctx context.Context, exec *WorkflowExecution, task *TaskExecution) error {
	var p schema.DependentParams
	if err := json.Unmarshal(task.Definition.TaskParams, &p); err != nil {
		return e.failTask(ctx, exec, task, "invalid dependent params: "+err.Error())
	}
	wi := exec.instance
	task.dependent = dependent.NewTask(e.store, p, dependent.SelfRef{
		WorkflowDefinitionCode: wi.WorkflowDefinitionCode,
		WorkflowInstanceID:     wi.ID,
		TaskCode:               task.Definition.Code,
		TestFlag:               wi.TestFlag,
	}, dependent.WithLogger(exec.logger), dependent.WithClock(e.clock))

	now := e.clock()
	task.dependAt = exec.reference(now)
	task.recheck = task.dependent.CheckInterval()
	if p.CheckIntervalMs <= 0 && e.cfg.DependentCheckInterval > 0 {
		task.recheck = e.cfg.DependentCheckInterval
	}

	task.instance.StartTime = &now
	if err := e.saveTask(ctx, exec, task, schema.TaskRunning); err != nil {
		return err
	}
	exec.publish(newEvent(TaskRecheckEvent, task))
	return nil
}

func (e *Engine) recheckDependent(ctx context.Context, exec *WorkflowExecution, task *TaskExecution) error {
	if task.dependent == nil || task.State() != schema.TaskRunning {
		return nil
	}
	task.timer = nil

	done, result, err := task.dependent.Finish(ctx, task.dependAt)
	if err != nil {
		exec.logger.WarnContext(ctx, "dependency check failed, will retry",
			slog.String("task", task.Name), slog.String("error", err.Error()))
		e.scheduleRecheck(exec, task)
		return nil
	}
	if !done {
		e.scheduleRecheck(exec, task)
		return nil
	}

	exec.logger.InfoContext(ctx, "dependencies settled", slog.String("task", task.Name), slog.String("result", string(result)))
	if result == schema.DependSuccess {
		task.instance.VarPool = task.dependent.VarPool()
		return e.succeedTask(ctx, exec, task)
	}
	return e.failTask(ctx, exec, task, "dependencies failed")
}

func (e *Engine) scheduleRecheck(exec *WorkflowExecution, task *TaskExecution) {
	task.timer = time.AfterFunc(task.recheck, func() {
		exec.publish(newEvent(TaskRecheckEvent, task))
	})
}

func (e *Engine) dispatchTask(ctx context.Context, exec *WorkflowExecution, task *TaskExecution) error {
	if task.State() != schema.TaskSubmitted || task.dispatching {
		return nil
	}
	task.dispatching = true
	task.timer = nil
	tc := e.taskContext(exec, task)

	err := e.dispatchPool.Go(ctx, func(ctx context.Context) error {
		host, err := e.dispatcher.Dispatch(ctx, tc)
		if err != nil {
			outcome := TaskFailureEvent
			if schema.HasCode(err, schema.ErrCodeNoWorker) {
				outcome = TaskNoWorkerEvent
			}
			ev := newEvent(outcome, task)
			ev.Attempt = tc.TaskInstanceID
			ev.Reason = err.Error()
			exec.publish(ev)
			return err
		}
		ev := newEvent(TaskDispatchedEvent, task)
		ev.Attempt = tc.TaskInstanceID
		ev.Host = host
		exec.publish(ev)
		return nil
	})
	if err != nil {
		task.dispatching = false
		return schema.NewErrorf(schema.ErrCodeDispatch, "submit dispatch of task %q", task.Name).WithCause(err)
	}
	return nil
}

// onNoWorker keeps the attempt SUBMITTED and offers it again after the
// redispatch delay.
func (e *Engine) onNoWorker(ctx context.Context, exec *WorkflowExecution, task *TaskExecution, ev *LifecycleEvent) error {
	if ev.Attempt != task.instance.ID {
		return nil
	}
	task.dispatching = false
	if pc := task.pendingControl; pc != "" {
		task.pendingControl = ""
		return e.controlTask(ctx, exec, task, pc)
	}
	if task.State() != schema.TaskSubmitted {
		return nil
	}
	exec.logger.WarnContext(ctx, "no worker available, dispatch deferred",
		slog.String("task", task.Name),
		slog.String("worker_group", task.instance.WorkerGroup),
		slog.Duration("delay", e.cfg.RedispatchDelay))
	task.timer = time.AfterFunc(e.cfg.RedispatchDelay, func() {
		exec.publish(newEvent(TaskDispatchEvent, task))
	})
	return nil
}

func (e *Engine) onDispatched(ctx context.Context, exec *WorkflowExecution, task *TaskExecution, ev *LifecycleEvent) error {
	if ev.Attempt != task.instance.ID {
		exec.logger.DebugContext(ctx, "dispatch outcome of a superseded attempt ignored",
			slog.String("task", task.Name), slog.Int64("task_instance_id", ev.Attempt))
		return nil
	}
	task.dispatching = false
	if task.instance.Host == "" {
		task.instance.Host = ev.Host
	}
	if task.State() == schema.TaskSubmitted {
		if err := e.saveTask(ctx, exec, task, schema.TaskDispatch); err != nil {
			return err
		}
	}
	if pc := task.pendingControl; pc != "" {
		task.pendingControl = ""
		return e.controlTask(ctx, exec, task, pc)
	}
	return nil
}

func (e *Engine) onRunning(ctx context.Context, exec *WorkflowExecution, task *TaskExecution, cb *TaskCallback) error {
	if !schema.CanTransitionTask(task.State(), schema.TaskRunning) {
		exec.logger.DebugContext(ctx, "running report ignored",
			slog.String("task", task.Name), slog.String("state", string(task.State())))
		return nil
	}
	ti := task.instance
	if cb != nil {
		if cb.Host != "" {
			ti.Host = cb.Host
		}
		if cb.LogPath != "" {
			ti.LogPath = cb.LogPath
		}
		if cb.AppIDs != "" {
			ti.AppIDs = cb.AppIDs
		}
		ti.StartTime = cb.StartTime
	}
	if ti.StartTime == nil {
		now := e.clock()
		ti.StartTime = &now
	}
	return e.saveTask(ctx, exec, task, schema.TaskRunning)
}

// succeedTask settles the current attempt as SUCCESS and merges its OUT
// properties into the workflow var pool.
func (e *Engine) succeedTask(ctx context.Context, exec *WorkflowExecution, task *TaskExecution) error {
	if !schema.CanTransitionTask(task.State(), schema.TaskSuccess) {
		exec.logger.DebugContext(ctx, "success report ignored",
			slog.String("task", task.Name), slog.String("state", string(task.State())))
		return nil
	}
	ti := task.instance
	if ti.EndTime == nil {
		now := e.clock()
		ti.EndTime = &now
	}
	task.stopTimer()
	if err := e.saveTask(ctx, exec, task, schema.TaskSuccess); err != nil {
		return err
	}
	for _, p := range schema.OutProperties(ti.VarPool) {
		exec.varPool.Set(p)
	}
	exec.publish(newEvent(WorkflowTopologyTransitionEvent, task))
	return nil
}

func (e *Engine) onFailure(ctx context.Context, exec *WorkflowExecution, task *TaskExecution, ev *LifecycleEvent) error {
	if ev.Attempt != 0 && ev.Attempt != task.instance.ID {
		exec.logger.DebugContext(ctx, "dispatch failure of a superseded attempt ignored",
			slog.String("task", task.Name), slog.Int64("task_instance_id", ev.Attempt))
		return nil
	}
	if ev.Callback == nil && task.dispatching {
		task.dispatching = false
		exec.logger.WarnContext(ctx, "task dispatch failed", slog.String("task", task.Name), slog.String("error", ev.Reason))
		if pc := task.pendingControl; pc != "" {
			task.pendingControl = ""
			return e.controlTask(ctx, exec, task, pc)
		}
	}
	if cb := ev.Callback; cb != nil && schema.CanTransitionTask(task.State(), schema.TaskFailure) {
		task.instance.EndTime = cb.EndTime
		if cb.VarPool != nil {
			task.instance.VarPool = cb.VarPool
		}
	}
	return e.failTask(ctx, exec, task, ev.Reason)
}

// failTask settles the current attempt as FAILURE and arms a retry when the
// attempt has retries left and the workflow is still running.
func (e *Engine) failTask(ctx context.Context, exec *WorkflowExecution, task *TaskExecution, reason string) error {
	if !schema.CanTransitionTask(task.State(), schema.TaskFailure) {
		exec.logger.DebugContext(ctx, "failure report ignored",
			slog.String("task", task.Name), slog.String("state", string(task.State())))
		return nil
	}
	ti := task.instance
	if ti.EndTime == nil {
		now := e.clock()
		ti.EndTime = &now
	}
	task.stopTimer()
	if err := e.saveTask(ctx, exec, task, schema.TaskFailure); err != nil {
		return err
	}
	exec.logger.WarnContext(ctx, "task failed",
		slog.String("task", task.Name),
		slog.String("reason", reason),
		slog.Int("retry_times", ti.RetryTimes),
		slog.Int("max_retry_times", ti.MaxRetryTimes))

	if ti.RetryTimes < ti.MaxRetryTimes && exec.State() == schema.WorkflowRunning {
		task.retryPending = true
		delay := e.cfg.RetryIntervalUnit * time.Duration(ti.RetryInterval)
		task.timer = time.AfterFunc(delay, func() {
			exec.publish(newEvent(TaskRetryEvent, task))
		})
		return nil
	}
	exec.publish(newEvent(WorkflowTopologyTransitionEvent, task))
	return nil
}

func (e *Engine) retryTask(ctx context.Context, exec *WorkflowExecution, task *TaskExecution) error {
	if !task.retryPending {
		return nil
	}
	task.retryPending = false
	task.timer = nil
	if exec.State() != schema.WorkflowRunning || e.endedByFailure(exec) {
		exec.publish(newEvent(WorkflowTopologyTransitionEvent, task))
		return nil
	}

	old := task.instance
	if err := e.store.MarkTaskInstancesInvalid(ctx, []int64{old.ID}); err != nil {
		return err
	}
	if err := e.submitTask(ctx, exec, task, e.newTaskInstance(exec, task, old.RetryTimes+1)); err != nil {
		return err
	}
	return e.runTask(ctx, exec, task)
}

// controlActive pauses or kills every active task and publishes done once
// nothing is active any more.
func (e *Engine) controlActive(ctx context.Context, exec *WorkflowExecution, kind, done EventType) error {
	for _, t := range exec.graph.ActiveTasks() {
		if err := e.controlTask(ctx, exec, t, kind); err != nil {
			return err
		}
	}
	if !exec.graph.HasActive() {
		exec.publishOnce(done)
	}
	return nil
}

// controlTask pauses or kills one task. Master tasks and attempts no worker
// owns are settled in place; the others are asked to their worker and settled
// when the call returns.
func (e *Engine) controlTask(ctx context.Context, exec *WorkflowExecution, task *TaskExecution, kind EventType) error {
	to, ack := schema.TaskKill, TaskKilledEvent
	if kind == TaskPauseEvent {
		to, ack = schema.TaskPause, TaskPausedEvent
	}

	switch {
	case task.retryPending:
		task.stopTimer()
		task.retryPending = false
		exec.publish(newEvent(WorkflowTopologyTransitionEvent, task))
		return nil
	case task.queued || !task.IsActive():
		return nil
	case task.dispatching:
		task.pendingControl = kind
		return nil
	case task.isMasterTask() || task.instance.Host == "" || e.controller == nil:
		task.stopTimer()
		return e.onInterrupted(ctx, exec, task, to, "")
	}

	host, id := task.instance.Host, task.instance.ID
	err := e.dispatchPool.Go(ctx, func(ctx context.Context) error {
		var err error
		if kind == TaskPauseEvent {
			err = e.controller.PauseTask(ctx, host, id)
		} else {
			err = e.controller.KillTask(ctx, host, id)
		}
		ev := newEvent(ack, task)
		if err != nil {
			ev.Reason = err.Error()
			exec.logger.Warn("worker control call failed, settling locally",
				slog.String("task", task.Name), slog.String("host", host), slog.String("error", err.Error()))
		}
		exec.publish(ev)
		return err
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeDispatch, "submit %s of task %q", kind, task.Name).WithCause(err)
	}
	return nil
}

func (e *Engine) onInterrupted(ctx context.Context, exec *WorkflowExecution, task *TaskExecution, to schema.TaskExecutionStatus, reason string) error {
	if !schema.CanTransitionTask(task.State(), to) {
		exec.logger.DebugContext(ctx, "interrupt report ignored",
			slog.String("task", task.Name), slog.String("state", string(task.State())))
		return nil
	}
	ti := task.instance
	if ti.EndTime == nil {
		now := e.clock()
		ti.EndTime = &now
	}
	if err := e.saveTask(ctx, exec, task, to); err != nil {
		return err
	}
	if reason != "" {
		exec.logger.InfoContext(ctx, "task interrupted", slog.String("task", task.Name), slog.String("reason", reason))
	}
	exec.publish(newEvent(WorkflowTopologyTransitionEvent, task))
	return nil
}

// saveTask moves the current attempt to state to and persists it.
func (e *Engine) saveTask(ctx context.Context, exec *WorkflowExecution, task *TaskExecution, to schema.TaskExecutionStatus) error {
	ti := task.instance
	from := ti.State
	ti.State = to
	if err := e.store.UpsertTaskInstance(ctx, ti); err != nil {
		return err
	}
	e.observer.TaskTransition(ti.TaskType, from, to)
	exec.logger.InfoContext(ctx, "task state changed",
		slog.String("task", task.Name),
		slog.Int64("task_instance_id", ti.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return e.recordTask(ctx, exec, task, "task.state", string(from), string(to))
}

func (e *Engine) recordTask(ctx context.Context, exec *WorkflowExecution, task *TaskExecution, eventType, from, to string) error {
	var id int64
	if task.instance != nil {
		id = task.instance.ID
	}
	err := e.store.AppendLifecycle(ctx, &store.LifecycleRecord{
		WorkflowInstanceID: exec.ID(),
		TaskInstanceID:     id,
		EventType:          eventType,
		FromState:          from,
		ToState:            to,
		Payload:            taskPayload(task.Name),
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record task transition: %s", err.Error()).WithCause(err)
	}
	e.notify(ctx, streaming.StreamEvent{
		WorkflowInstanceID: exec.ID(),
		TaskInstanceID:     id,
		TaskName:           task.Name,
		EventType:          streaming.TaskStateChanged,
		From:               from,
		To:                 to,
	})
	return nil
}

// cure resolves the parameters of task's current attempt: global params,
// then the workflow var pool, then the task's local params.
func (e *Engine) cure(exec *WorkflowExecution, task *TaskExecution) *params.Cured {
	wi := exec.instance
	return params.Cure(params.Context{
		ScheduleTime:           wi.ScheduleTime,
		Now:                    e.clock(),
		WorkflowInstanceID:     wi.ID,
		TaskInstanceID:         task.instance.ID,
		WorkflowDefinitionCode: wi.WorkflowDefinitionCode,
		TaskDefinitionCode:     task.Definition.Code,
		ProjectCode:            exec.spec.Workflow.ProjectCode,
		ExecutePath:            e.executePath(exec, task.instance),
	}, wi.GlobalParams, exec.varPool.Properties(), task.Definition.LocalParams)
}

func (e *Engine) taskContext(exec *WorkflowExecution, task *TaskExecution) *TaskContext {
	wi := exec.instance
	ti := task.instance
	cured := e.cure(exec, task)
	tc := &TaskContext{
		TaskInstanceID:            ti.ID,
		TaskName:                  ti.Name,
		TaskCode:                  ti.TaskCode,
		TaskVersion:               ti.TaskVersion,
		TaskType:                  ti.TaskType,
		WorkflowInstanceID:        wi.ID,
		WorkflowDefinitionCode:    wi.WorkflowDefinitionCode,
		WorkflowDefinitionVersion: wi.WorkflowDefinitionVersion,
		ProjectCode:               exec.spec.Workflow.ProjectCode,
		Params:                    cured.Props,
		VarPool:                   exec.varPool.Properties(),
		WorkerGroup:               ti.WorkerGroup,
		EnvironmentCode:           ti.EnvironmentCode,
		Priority:                  ti.Priority,
		RetryTimes:                ti.RetryTimes,
		MaxRetryTimes:             ti.MaxRetryTimes,
		RetryInterval:             ti.RetryInterval,
		Timeout:                   task.Definition.Timeout,
		ExecutePath:               e.executePath(exec, ti),
		LogPath:                   ti.LogPath,
		ScheduleTime:              wi.ScheduleTime,
		DryRun:                    ti.DryRun,
		TestFlag:                  ti.TestFlag,
	}
	if ti.SubmitTime != nil {
		tc.SubmitTime = *ti.SubmitTime
	}
	if len(ti.TaskParams) > 0 {
		tc.TaskParams = json.RawMessage(cured.Apply(string(ti.TaskParams)))
	}
	return tc
}

// logPath is <base>/<yyyyMMdd>/<definition>/<workflow instance>/<task instance>.log.
func (e *Engine) logPath(exec *WorkflowExecution, ti *store.TaskInstance) string {
	day := e.clock()
	if ti.SubmitTime != nil {
		day = *ti.SubmitTime
	}
	return filepath.Join(e.cfg.LogBase, day.Format("20060102"),
		strconv.FormatInt(exec.instance.WorkflowDefinitionCode, 10),
		itoa(exec.ID()), itoa(ti.ID)+".log")
}

func (e *Engine) executePath(exec *WorkflowExecution, ti *store.TaskInstance) string {
	if e.cfg.ExecuteBase == "" {
		return ""
	}
	return filepath.Join(e.cfg.ExecuteBase,
		strconv.FormatInt(exec.instance.WorkflowDefinitionCode, 10),
		itoa(exec.ID()), itoa(ti.ID))
}

func taskPayload(name string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"task": name})
	return b
}
