package schema

// CommandType enumerates what a persisted command asks the master to do.
type CommandType string

const (
	CommandStartProcess            CommandType = "START_PROCESS"
	CommandRecoverSuspendedProcess CommandType = "RECOVER_SUSPENDED_PROCESS"
	CommandRepeatRunning           CommandType = "REPEAT_RUNNING"
	CommandStartFailureTask        CommandType = "START_FAILURE_TASK_PROCESS"
	CommandComplementData          CommandType = "COMPLEMENT_DATA"
	CommandScheduler               CommandType = "SCHEDULER"
)

// TaskDependType selects which part of the graph a run covers relative to its start nodes.
type TaskDependType string

const (
	TaskDependPost     TaskDependType = "TASK_POST" // start nodes and full downstream closure
	TaskDependPostOnly TaskDependType = "POST_ONLY" // start nodes and their direct successors
	TaskDependOnly     TaskDependType = "TASK_ONLY" // start nodes only
	TaskDependPre      TaskDependType = "TASK_PRE"  // start nodes and all upstream ancestors
)

// CommandParam is the decoded command_param payload.
type CommandParam struct {
	StartNodes        []string   `json:"start_nodes,omitempty"`
	StartParams       []Property `json:"start_params,omitempty"`
	RecoverInstanceID int64      `json:"recover_workflow_instance_id,omitempty"`
	ComplementDates   []string   `json:"complement_schedule_dates,omitempty"` // RFC 3339
}
