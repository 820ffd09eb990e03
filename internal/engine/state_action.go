package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/flowmaster/pkg/schema"
)

// StateAction handles workflow events for one workflow state. The engine
// picks the action by the instance's current state.
type StateAction interface {
	State() schema.WorkflowExecutionStatus
	Start(ctx context.Context, exec *WorkflowExecution) error
	Pause(ctx context.Context, exec *WorkflowExecution) error
	Stop(ctx context.Context, exec *WorkflowExecution) error
	Paused(ctx context.Context, exec *WorkflowExecution) error
	Stopped(ctx context.Context, exec *WorkflowExecution) error
	TopologyTransition(ctx context.Context, exec *WorkflowExecution, task *TaskExecution) error
	Succeed(ctx context.Context, exec *WorkflowExecution) error
	Fail(ctx context.Context, exec *WorkflowExecution) error
	Finalize(ctx context.Context, exec *WorkflowExecution) error
}

func newStateActions(e *Engine) map[schema.WorkflowExecutionStatus]StateAction {
	running := &runningAction{baseAction{e, schema.WorkflowRunning}}
	actions := []StateAction{
		&submittedAction{baseAction{e, schema.WorkflowSubmitted}, running},
		running,
		&readyPauseAction{baseAction{e, schema.WorkflowReadyPause}},
		&readyStopAction{baseAction{e, schema.WorkflowReadyStop}},
		&pauseAction{baseAction{e, schema.WorkflowPause}},
		&finishedAction{baseAction{e, schema.WorkflowStop}},
		&finishedAction{baseAction{e, schema.WorkflowSuccess}},
		&finishedAction{baseAction{e, schema.WorkflowFailure}},
	}
	m := make(map[schema.WorkflowExecutionStatus]StateAction, len(actions))
	for _, a := range actions {
		m[a.State()] = a
	}
	return m
}

func (e *Engine) handleWorkflowEvent(ctx context.Context, exec *WorkflowExecution, ev *LifecycleEvent) error {
	state := exec.State()
	action, ok := e.actions[state]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeIllegalState, "no state action for workflow state %s", state)
	}
	if action.State() != state {
		return schema.NewErrorf(schema.ErrCodeIllegalState,
			"state action for %s cannot handle workflow instance in %s", action.State(), state)
	}

	switch ev.Type {
	case WorkflowStartEvent:
		return action.Start(ctx, exec)
	case WorkflowPauseEvent:
		return action.Pause(ctx, exec)
	case WorkflowStopEvent:
		return action.Stop(ctx, exec)
	case WorkflowPausedEvent:
		return action.Paused(ctx, exec)
	case WorkflowStoppedEvent:
		return action.Stopped(ctx, exec)
	case WorkflowTopologyTransitionEvent:
		if ev.Task == nil {
			return schema.NewError(schema.ErrCodeIllegalState, "topology transition without a task")
		}
		return action.TopologyTransition(ctx, exec, ev.Task)
	case WorkflowSucceedEvent:
		return action.Succeed(ctx, exec)
	case WorkflowFailEvent:
		return action.Fail(ctx, exec)
	case WorkflowFinalizeEvent:
		return action.Finalize(ctx, exec)
	}
	return schema.NewErrorf(schema.ErrCodeIllegalState, "unknown workflow event %s", ev.Type)
}

// baseAction ignores every event with a warning; state actions override what they handle.
type baseAction struct {
	e     *Engine
	state schema.WorkflowExecutionStatus
}

func (a baseAction) State() schema.WorkflowExecutionStatus { return a.state }

func (a baseAction) ignore(ctx context.Context, exec *WorkflowExecution, event EventType) error {
	exec.logger.WarnContext(ctx, "workflow event ignored",
		slog.String("event", string(event)),
		slog.String("state", string(a.state)))
	return nil
}

func (a baseAction) Start(ctx context.Context, exec *WorkflowExecution) error {
	return a.ignore(ctx, exec, WorkflowStartEvent)
}

func (a baseAction) Pause(ctx context.Context, exec *WorkflowExecution) error {
	return a.ignore(ctx, exec, WorkflowPauseEvent)
}

func (a baseAction) Stop(ctx context.Context, exec *WorkflowExecution) error {
	return a.ignore(ctx, exec, WorkflowStopEvent)
}

func (a baseAction) Paused(ctx context.Context, exec *WorkflowExecution) error {
	return a.ignore(ctx, exec, WorkflowPausedEvent)
}

func (a baseAction) Stopped(ctx context.Context, exec *WorkflowExecution) error {
	return a.ignore(ctx, exec, WorkflowStoppedEvent)
}

func (a baseAction) TopologyTransition(ctx context.Context, exec *WorkflowExecution, task *TaskExecution) error {
	return a.ignore(ctx, exec, WorkflowTopologyTransitionEvent)
}

func (a baseAction) Succeed(ctx context.Context, exec *WorkflowExecution) error {
	return a.ignore(ctx, exec, WorkflowSucceedEvent)
}

func (a baseAction) Fail(ctx context.Context, exec *WorkflowExecution) error {
	return a.ignore(ctx, exec, WorkflowFailEvent)
}

func (a baseAction) Finalize(ctx context.Context, exec *WorkflowExecution) error {
	return a.ignore(ctx, exec, WorkflowFinalizeEvent)
}

// --- SUBMITTED_SUCCESS ---

type submittedAction struct {
	baseAction
	running *runningAction
}

func (a *submittedAction) Start(ctx context.Context, exec *WorkflowExecution) error {
	if err := a.e.transition(ctx, exec, schema.WorkflowRunning); err != nil {
		return err
	}
	return a.running.Start(ctx, exec)
}

// --- RUNNING_EXECUTION ---

type runningAction struct{ baseAction }

// Start triggers every node whose predecessors are complete: the entry nodes
// of a fresh run, the frontier of a recovered one.
func (a *runningAction) Start(ctx context.Context, exec *WorkflowExecution) error {
	g := exec.graph
	for _, node := range g.Nodes() {
		if !g.Ready(node) {
			continue
		}
		if g.Unreachable(node) {
			if err := a.e.skipTask(ctx, exec, node); err != nil {
				return err
			}
			continue
		}
		a.e.queueTask(exec, node)
	}
	return a.checkCompletion(ctx, exec)
}

func (a *runningAction) Pause(ctx context.Context, exec *WorkflowExecution) error {
	if err := a.e.transition(ctx, exec, schema.WorkflowReadyPause); err != nil {
		return err
	}
	return a.e.controlActive(ctx, exec, TaskPauseEvent, WorkflowPausedEvent)
}

func (a *runningAction) Stop(ctx context.Context, exec *WorkflowExecution) error {
	if err := a.e.transition(ctx, exec, schema.WorkflowReadyStop); err != nil {
		return err
	}
	return a.e.controlActive(ctx, exec, TaskKillEvent, WorkflowStoppedEvent)
}

func (a *runningAction) TopologyTransition(ctx context.Context, exec *WorkflowExecution, task *TaskExecution) error {
	switch {
	case task.IsFailed() && exec.failureStrategy() == schema.FailureStrategyEnd:
		exec.logger.InfoContext(ctx, "task failed with failure strategy END, killing active tasks",
			slog.String("task", task.Name))
		for _, t := range exec.graph.ActiveTasks() {
			if err := a.e.controlTask(ctx, exec, t, TaskKillEvent); err != nil {
				return err
			}
		}
	case task.completed():
		if err := a.e.triggerSuccessors(ctx, exec, task); err != nil {
			return err
		}
	}
	return a.checkCompletion(ctx, exec)
}

// checkCompletion publishes Fail or Succeed once nothing is active.
func (a *runningAction) checkCompletion(ctx context.Context, exec *WorkflowExecution) error {
	g := exec.graph
	switch {
	case g.HasActive():
		return nil
	case g.AnyFailed():
		exec.publishOnce(WorkflowFailEvent)
		return nil
	case g.AllSucceeded():
		exec.publishOnce(WorkflowSucceedEvent)
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeIllegalState,
		"workflow instance %d has no active task, no failed task and unfinished tasks", exec.ID())
}

func (a *runningAction) Succeed(ctx context.Context, exec *WorkflowExecution) error {
	if exec.graph.HasActive() || !exec.graph.AllSucceeded() {
		return schema.NewErrorf(schema.ErrCodeIllegalState,
			"workflow instance %d cannot succeed: not every task succeeded", exec.ID())
	}
	if err := a.e.transition(ctx, exec, schema.WorkflowSuccess); err != nil {
		return err
	}
	exec.publishOnce(WorkflowFinalizeEvent)
	return nil
}

func (a *runningAction) Fail(ctx context.Context, exec *WorkflowExecution) error {
	if exec.graph.HasActive() || !exec.graph.AnyFailed() {
		return schema.NewErrorf(schema.ErrCodeIllegalState,
			"workflow instance %d cannot fail: no failed task or tasks still active", exec.ID())
	}
	if err := a.e.transition(ctx, exec, schema.WorkflowFailure); err != nil {
		return err
	}
	exec.publishOnce(WorkflowFinalizeEvent)
	return nil
}

// --- READY_PAUSE ---

type readyPauseAction struct{ baseAction }

func (a *readyPauseAction) Pause(ctx context.Context, exec *WorkflowExecution) error {
	exec.logger.DebugContext(ctx, "workflow already pausing")
	return nil
}

func (a *readyPauseAction) Stop(ctx context.Context, exec *WorkflowExecution) error {
	if err := a.e.transition(ctx, exec, schema.WorkflowReadyStop); err != nil {
		return err
	}
	return a.e.controlActive(ctx, exec, TaskKillEvent, WorkflowStoppedEvent)
}

func (a *readyPauseAction) TopologyTransition(ctx context.Context, exec *WorkflowExecution, task *TaskExecution) error {
	if !exec.graph.HasActive() {
		exec.publishOnce(WorkflowPausedEvent)
	}
	return nil
}

func (a *readyPauseAction) Paused(ctx context.Context, exec *WorkflowExecution) error {
	if exec.graph.HasActive() {
		return schema.NewErrorf(schema.ErrCodeIllegalState,
			"workflow instance %d cannot be paused with active tasks", exec.ID())
	}
	if err := a.e.transition(ctx, exec, schema.WorkflowPause); err != nil {
		return err
	}
	exec.publishOnce(WorkflowFinalizeEvent)
	return nil
}

// --- READY_STOP ---

type readyStopAction struct{ baseAction }

func (a *readyStopAction) Pause(ctx context.Context, exec *WorkflowExecution) error {
	exec.logger.DebugContext(ctx, "workflow stopping, pause ignored")
	return nil
}

func (a *readyStopAction) Stop(ctx context.Context, exec *WorkflowExecution) error {
	exec.logger.DebugContext(ctx, "workflow already stopping")
	return nil
}

func (a *readyStopAction) TopologyTransition(ctx context.Context, exec *WorkflowExecution, task *TaskExecution) error {
	if !exec.graph.HasActive() {
		exec.publishOnce(WorkflowStoppedEvent)
	}
	return nil
}

func (a *readyStopAction) Stopped(ctx context.Context, exec *WorkflowExecution) error {
	if exec.graph.HasActive() {
		return schema.NewErrorf(schema.ErrCodeIllegalState,
			"workflow instance %d cannot be stopped with active tasks", exec.ID())
	}
	if err := a.e.transition(ctx, exec, schema.WorkflowStop); err != nil {
		return err
	}
	exec.publishOnce(WorkflowFinalizeEvent)
	return nil
}

// --- PAUSE ---

type pauseAction struct{ baseAction }

func (a *pauseAction) Stop(ctx context.Context, exec *WorkflowExecution) error {
	return a.e.transition(ctx, exec, schema.WorkflowStop)
}

func (a *pauseAction) Finalize(ctx context.Context, exec *WorkflowExecution) error {
	return a.e.finalize(ctx, exec)
}

// --- STOP, SUCCESS, FAILURE ---

type finishedAction struct{ baseAction }

func (a *finishedAction) Finalize(ctx context.Context, exec *WorkflowExecution) error {
	return a.e.finalize(ctx, exec)
}
