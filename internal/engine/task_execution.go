package engine

import (
	"time"

	"github.com/rendis/flowmaster/internal/dependent"
	"github.com/rendis/flowmaster/internal/store"
	"github.com/rendis/flowmaster/pkg/schema"
)

// TaskExecution is one node of an execution graph: a task definition and the
// current attempt of it. Only the owning workflow's consumer touches it.
type TaskExecution struct {
	Name       string
	Definition *schema.TaskDefinition

	workflow *WorkflowExecution
	instance *store.TaskInstance

	queued       bool // a start event is on the bus
	skipped      bool
	forbidden    bool // skipped because the definition is disabled; successors still run
	retryPending bool // failed, waiting for the retry timer
	dispatching  bool // a dispatch call is in flight
	// pause or kill requested while dispatching; applied once the dispatch settles
	pendingControl EventType

	timer     *time.Timer
	dependent *dependent.Task
	dependAt  time.Time // business time the dependencies are checked against
	recheck   time.Duration
	// successors a switch task routed to; nil for other task types
	chosen []string
}

// Workflow returns the owning workflow execution.
func (t *TaskExecution) Workflow() *WorkflowExecution { return t.workflow }

// Instance returns the current attempt, nil before the task starts.
func (t *TaskExecution) Instance() *store.TaskInstance { return t.instance }

// State is the current attempt's state, empty before the task starts.
func (t *TaskExecution) State() schema.TaskExecutionStatus {
	if t.instance == nil {
		return ""
	}
	return t.instance.State
}

func (t *TaskExecution) IsStarted() bool { return t.queued || t.instance != nil || t.skipped }
func (t *TaskExecution) IsSkipped() bool { return t.skipped }

// IsActive reports whether the task still occupies the workflow: queued,
// submitted, dispatched, running or waiting to be retried.
func (t *TaskExecution) IsActive() bool {
	if t.queued || t.retryPending {
		return true
	}
	return t.instance != nil && t.instance.State.IsActive()
}

func (t *TaskExecution) IsSucceeded() bool {
	return t.instance != nil && t.instance.State.IsSuccess()
}

// IsFailed reports a failure with no retry left.
func (t *TaskExecution) IsFailed() bool {
	return !t.retryPending && t.instance != nil && t.instance.State.IsFailure()
}

// IsInterrupted reports an attempt paused or killed.
func (t *TaskExecution) IsInterrupted() bool {
	return t.instance != nil && (t.instance.State == schema.TaskPause || t.instance.State == schema.TaskKill)
}

// IsFinished reports whether the node will not change without a new command.
func (t *TaskExecution) IsFinished() bool {
	if t.skipped {
		return true
	}
	return !t.retryPending && t.instance != nil && t.instance.State.IsFinished()
}

// completed reports whether the node unblocks its successors.
func (t *TaskExecution) completed() bool {
	return t.skipped || t.IsSucceeded()
}

func (t *TaskExecution) isMasterTask() bool {
	switch t.Definition.TaskType {
	case schema.TaskTypeSwitch, schema.TaskTypeDependent:
		return true
	}
	return false
}

func (t *TaskExecution) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// routes reports whether a completed switch sends control to successor.
func (t *TaskExecution) routes(successor string) bool {
	if t.chosen == nil {
		return true
	}
	for _, name := range t.chosen {
		if name == successor {
			return true
		}
	}
	return false
}
