package schema

// WorkflowExecutionStatus is the lifecycle state of a workflow instance.
type WorkflowExecutionStatus string

const (
	WorkflowSubmitted  WorkflowExecutionStatus = "SUBMITTED_SUCCESS"
	WorkflowRunning    WorkflowExecutionStatus = "RUNNING_EXECUTION"
	WorkflowReadyPause WorkflowExecutionStatus = "READY_PAUSE"
	WorkflowPause      WorkflowExecutionStatus = "PAUSE"
	WorkflowReadyStop  WorkflowExecutionStatus = "READY_STOP"
	WorkflowStop       WorkflowExecutionStatus = "STOP"
	WorkflowFailure    WorkflowExecutionStatus = "FAILURE"
	WorkflowSuccess    WorkflowExecutionStatus = "SUCCESS"
)

// IsFinished reports whether the instance reached a state it only leaves through a new command.
func (s WorkflowExecutionStatus) IsFinished() bool {
	switch s {
	case WorkflowSuccess, WorkflowFailure, WorkflowPause, WorkflowStop:
		return true
	}
	return false
}

func (s WorkflowExecutionStatus) IsSuccess() bool { return s == WorkflowSuccess }
func (s WorkflowExecutionStatus) IsFailure() bool { return s == WorkflowFailure }

// IsRunning covers every state in which tasks may still be active.
func (s WorkflowExecutionStatus) IsRunning() bool {
	switch s {
	case WorkflowSubmitted, WorkflowRunning, WorkflowReadyPause, WorkflowReadyStop:
		return true
	}
	return false
}

// TaskExecutionStatus is the lifecycle state of a task instance.
type TaskExecutionStatus string

const (
	TaskSubmitted     TaskExecutionStatus = "SUBMITTED_SUCCESS"
	TaskDispatch      TaskExecutionStatus = "DISPATCH"
	TaskRunning       TaskExecutionStatus = "RUNNING_EXECUTION"
	TaskPause         TaskExecutionStatus = "PAUSE"
	TaskKill          TaskExecutionStatus = "KILL"
	TaskFailure       TaskExecutionStatus = "FAILURE"
	TaskSuccess       TaskExecutionStatus = "SUCCESS"
	TaskForcedSuccess TaskExecutionStatus = "FORCED_SUCCESS"
)

func (s TaskExecutionStatus) IsSuccess() bool {
	return s == TaskSuccess || s == TaskForcedSuccess
}

func (s TaskExecutionStatus) IsFailure() bool { return s == TaskFailure }

// IsFinished reports whether the task instance stopped running.
func (s TaskExecutionStatus) IsFinished() bool {
	switch s {
	case TaskSuccess, TaskForcedSuccess, TaskFailure, TaskKill, TaskPause:
		return true
	}
	return false
}

// IsActive reports whether a worker may currently own the task.
func (s TaskExecutionStatus) IsActive() bool {
	switch s {
	case TaskSubmitted, TaskDispatch, TaskRunning:
		return true
	}
	return false
}

// ValidWorkflowTransitions defines allowed workflow state transitions.
var ValidWorkflowTransitions = map[WorkflowExecutionStatus][]WorkflowExecutionStatus{
	WorkflowSubmitted:  {WorkflowRunning},
	WorkflowRunning:    {WorkflowReadyPause, WorkflowReadyStop, WorkflowSuccess, WorkflowFailure},
	WorkflowReadyPause: {WorkflowPause, WorkflowReadyStop, WorkflowFailure},
	WorkflowReadyStop:  {WorkflowStop},
	WorkflowPause:      {WorkflowStop, WorkflowRunning},
	WorkflowStop:       {WorkflowRunning},
	WorkflowFailure:    {WorkflowRunning},
	WorkflowSuccess:    {WorkflowRunning},
}

// ValidTaskTransitions defines allowed task state transitions.
var ValidTaskTransitions = map[TaskExecutionStatus][]TaskExecutionStatus{
	TaskSubmitted: {TaskDispatch, TaskRunning, TaskSuccess, TaskFailure, TaskPause, TaskKill},
	TaskDispatch:  {TaskRunning, TaskSuccess, TaskFailure, TaskPause, TaskKill},
	TaskRunning:   {TaskSuccess, TaskFailure, TaskPause, TaskKill},
	TaskPause:     {TaskSubmitted},
	TaskKill:      {TaskSubmitted},
	TaskFailure:   {TaskSubmitted, TaskForcedSuccess},
}

// CanTransitionWorkflow reports whether from -> to is allowed.
func CanTransitionWorkflow(from, to WorkflowExecutionStatus) bool {
	for _, s := range ValidWorkflowTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionTask reports whether from -> to is allowed.
func CanTransitionTask(from, to TaskExecutionStatus) bool {
	for _, s := range ValidTaskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
