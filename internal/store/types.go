package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowmaster/pkg/schema"
)

// Command is a persisted request for the master to start or resume a workflow.
type Command struct {
	ID                        int64                  `json:"id"`
	Type                      schema.CommandType     `json:"command_type"`
	WorkflowDefinitionCode    int64                  `json:"workflow_definition_code"`
	WorkflowDefinitionVersion int                    `json:"workflow_definition_version"` // 0 = latest
	WorkflowInstanceID        int64                  `json:"workflow_instance_id,omitempty"`
	ExecutorID                int64                  `json:"executor_id,omitempty"`
	ScheduleTime              *time.Time             `json:"schedule_time,omitempty"`
	CommandParam              json.RawMessage        `json:"command_param,omitempty"`
	TaskDependType            schema.TaskDependType  `json:"task_depend_type,omitempty"`
	FailureStrategy           schema.FailureStrategy `json:"failure_strategy,omitempty"`
	WorkerGroup               string                 `json:"worker_group,omitempty"`
	EnvironmentCode           int64                  `json:"environment_code,omitempty"`
	Priority                  int                    `json:"priority,omitempty"`
	DryRun                    bool                   `json:"dry_run,omitempty"`
	TestFlag                  bool                   `json:"test_flag,omitempty"`
	CreatedAt                 time.Time              `json:"created_at"`
	UpdatedAt                 time.Time              `json:"updated_at"`
}

// Param decodes CommandParam; an empty payload yields a zero value.
func (c *Command) Param() (schema.CommandParam, error) {
	var p schema.CommandParam
	if len(c.CommandParam) == 0 {
		return p, nil
	}
	err := json.Unmarshal(c.CommandParam, &p)
	return p, err
}

// ErrorCommand is a command that failed handling, kept with the reason.
type ErrorCommand struct {
	Command
	Message string `json:"message"`
}

// WorkflowInstance is one run of a workflow definition version.
type WorkflowInstance struct {
	ID                        int64                          `json:"id"`
	Name                      string                         `json:"name"`
	WorkflowDefinitionCode    int64                          `json:"workflow_definition_code"`
	WorkflowDefinitionVersion int                            `json:"workflow_definition_version"`
	State                     schema.WorkflowExecutionStatus `json:"state"`
	Host                      string                         `json:"host,omitempty"`
	CommandType               schema.CommandType             `json:"command_type"`
	CommandParam              json.RawMessage                `json:"command_param,omitempty"`
	TaskDependType            schema.TaskDependType          `json:"task_depend_type,omitempty"`
	FailureStrategy           schema.FailureStrategy         `json:"failure_strategy,omitempty"`
	ScheduleTime              *time.Time                     `json:"schedule_time,omitempty"`
	StartTime                 *time.Time                     `json:"start_time,omitempty"`
	RestartTime               *time.Time                     `json:"restart_time,omitempty"`
	EndTime                   *time.Time                     `json:"end_time,omitempty"`
	RunTimes                  int                            `json:"run_times"`
	GlobalParams              []schema.Property              `json:"global_params,omitempty"`
	VarPool                   []schema.Property              `json:"var_pool,omitempty"`
	HistoryCmd                []schema.CommandType           `json:"history_cmd,omitempty"`
	Priority                  int                            `json:"priority,omitempty"`
	WorkerGroup               string                         `json:"worker_group,omitempty"`
	EnvironmentCode           int64                          `json:"environment_code,omitempty"`
	Timeout                   int                            `json:"timeout,omitempty"`
	DryRun                    bool                           `json:"dry_run,omitempty"`
	TestFlag                  bool                           `json:"test_flag,omitempty"`
	ExecutorID                int64                          `json:"executor_id,omitempty"`
	UpdatedAt                 time.Time                      `json:"updated_at"`
}

// TaskInstance is one attempt of one task definition inside a workflow instance.
type TaskInstance struct {
	ID                 int64                      `json:"id"`
	Name               string                     `json:"name"`
	WorkflowInstanceID int64                      `json:"workflow_instance_id"`
	TaskCode           int64                      `json:"task_code"`
	TaskVersion        int                        `json:"task_version"`
	TaskType           string                     `json:"task_type"`
	State              schema.TaskExecutionStatus `json:"state"`
	Flag               schema.Flag                `json:"flag"` // FlagNo marks an instance superseded by a rerun
	RetryTimes         int                        `json:"retry_times"`
	MaxRetryTimes      int                        `json:"max_retry_times"`
	RetryInterval      int                        `json:"retry_interval"` // minutes
	Host               string                     `json:"host,omitempty"`
	SubmitTime         *time.Time                 `json:"submit_time,omitempty"`
	StartTime          *time.Time                 `json:"start_time,omitempty"`
	EndTime            *time.Time                 `json:"end_time,omitempty"`
	VarPool            []schema.Property          `json:"var_pool,omitempty"`
	ExecuteType        schema.TaskExecuteType     `json:"execute_type,omitempty"`
	WorkerGroup        string                     `json:"worker_group,omitempty"`
	EnvironmentCode    int64                      `json:"environment_code,omitempty"`
	LogPath            string                     `json:"log_path,omitempty"`
	AppIDs             string                     `json:"app_ids,omitempty"`
	TaskParams         json.RawMessage            `json:"task_params,omitempty"`
	Priority           int                        `json:"priority,omitempty"`
	DryRun             bool                       `json:"dry_run,omitempty"`
	TestFlag           bool                       `json:"test_flag,omitempty"`
	UpdatedAt          time.Time                  `json:"updated_at"`
}

// Interval is a closed time window used by dependency lookups.
type Interval struct {
	Start time.Time
	End   time.Time
}

// WorkflowInstanceFilter controls ListWorkflowInstances.
type WorkflowInstanceFilter struct {
	DefinitionCode int64
	States         []schema.WorkflowExecutionStatus
	Host           string
	Limit          int
}

// Schedule fires SCHEDULER commands for a workflow on a cron expression.
type Schedule struct {
	ID                     int64                  `json:"id"`
	WorkflowDefinitionCode int64                  `json:"workflow_definition_code"`
	CronExpression         string                 `json:"cron_expression"`
	Enabled                bool                   `json:"enabled"`
	FailureStrategy        schema.FailureStrategy `json:"failure_strategy,omitempty"`
	WorkerGroup            string                 `json:"worker_group,omitempty"`
	EnvironmentCode        int64                  `json:"environment_code,omitempty"`
	Priority               int                    `json:"priority,omitempty"`
	LastRunAt              *time.Time             `json:"last_run_at,omitempty"`
	NextRunAt              *time.Time             `json:"next_run_at,omitempty"`
	LastRunStatus          string                 `json:"last_run_status,omitempty"`
	CreatedAt              time.Time              `json:"created_at"`
	UpdatedAt              time.Time              `json:"updated_at"`
}

// ScheduleUpdate holds mutable schedule fields. Nil pointers are not updated.
type ScheduleUpdate struct {
	Enabled       *bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus string
}

// ScheduleFilter controls ListSchedules.
type ScheduleFilter struct {
	Enabled        *bool
	DefinitionCode int64
}

// LifecycleRecord is one append-only entry of a workflow instance's audit trail.
type LifecycleRecord struct {
	ID                 int64           `json:"id"`
	WorkflowInstanceID int64           `json:"workflow_instance_id"`
	TaskInstanceID     int64           `json:"task_instance_id,omitempty"`
	EventType          string          `json:"event_type"`
	FromState          string          `json:"from_state,omitempty"`
	ToState            string          `json:"to_state,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
	Sequence           int64           `json:"sequence"`
}
