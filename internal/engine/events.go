package engine

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowmaster/pkg/schema"
)

// EventType names a lifecycle event. Workflow events are prefixed "workflow.",
// task events "task.".
type EventType string

const (
	WorkflowStartEvent              EventType = "workflow.start"
	WorkflowPauseEvent              EventType = "workflow.pause"
	WorkflowStopEvent               EventType = "workflow.stop"
	WorkflowPausedEvent             EventType = "workflow.paused"
	WorkflowStoppedEvent            EventType = "workflow.stopped"
	WorkflowTopologyTransitionEvent EventType = "workflow.topology_transition"
	WorkflowSucceedEvent            EventType = "workflow.succeed"
	WorkflowFailEvent               EventType = "workflow.fail"
	WorkflowFinalizeEvent           EventType = "workflow.finalize"

	TaskStartEvent      EventType = "task.start"
	TaskDispatchEvent   EventType = "task.dispatch"
	TaskDispatchedEvent EventType = "task.dispatched"
	TaskNoWorkerEvent   EventType = "task.no_worker"
	TaskRunningEvent    EventType = "task.running"
	TaskSuccessEvent    EventType = "task.success"
	TaskFailureEvent    EventType = "task.failure"
	TaskRetryEvent      EventType = "task.retry"
	TaskPauseEvent      EventType = "task.pause"
	TaskPausedEvent     EventType = "task.paused"
	TaskKillEvent       EventType = "task.kill"
	TaskKilledEvent     EventType = "task.killed"
	TaskRecheckEvent    EventType = "task.recheck"
)

// IsWorkflowEvent reports whether t targets the workflow state machine.
func (t EventType) IsWorkflowEvent() bool {
	return strings.HasPrefix(string(t), "workflow.")
}

// LifecycleEvent is an immutable message on a workflow instance's bus.
// Task is set for task events and for topology transitions. Events coming
// from workers carry a Callback instead and are resolved by task instance ID
// on the consumer.
type LifecycleEvent struct {
	ID       uuid.UUID
	Type     EventType
	Task     *TaskExecution
	Callback *TaskCallback
	// Attempt is the task instance a dispatch outcome belongs to. Outcomes of
	// an attempt that is no longer current are dropped.
	Attempt   int64
	Host      string
	Reason    string
	CreatedAt time.Time
}

// EventType implements eventbus.Event.
func (e *LifecycleEvent) EventType() string { return string(e.Type) }

func newEvent(t EventType, task *TaskExecution) *LifecycleEvent {
	return &LifecycleEvent{ID: uuid.New(), Type: t, Task: task, CreatedAt: time.Now()}
}

// TaskCallback is a worker report about one task instance.
type TaskCallback struct {
	TaskInstanceID     int64                      `json:"task_instance_id"`
	WorkflowInstanceID int64                      `json:"workflow_instance_id"`
	Status             schema.TaskExecutionStatus `json:"status"`
	Host               string                     `json:"host,omitempty"`
	StartTime          *time.Time                 `json:"start_time,omitempty"`
	EndTime            *time.Time                 `json:"end_time,omitempty"`
	LogPath            string                     `json:"log_path,omitempty"`
	AppIDs             string                     `json:"app_ids,omitempty"`
	VarPool            []schema.Property          `json:"var_pool,omitempty"`
	Reason             string                     `json:"reason,omitempty"`
}

// callbackEvent maps a worker status onto the task event it produces.
func callbackEvent(status schema.TaskExecutionStatus) (EventType, bool) {
	switch status {
	case schema.TaskRunning:
		return TaskRunningEvent, true
	case schema.TaskSuccess, schema.TaskForcedSuccess:
		return TaskSuccessEvent, true
	case schema.TaskFailure:
		return TaskFailureEvent, true
	case schema.TaskKill:
		return TaskKilledEvent, true
	case schema.TaskPause:
		return TaskPausedEvent, true
	}
	return "", false
}
