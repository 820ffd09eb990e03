package schema

import (
	"encoding/json"
	"time"
)

// Flag marks a definition as enabled (FlagYes) or forbidden (FlagNo).
type Flag int

const (
	FlagNo  Flag = 0
	FlagYes Flag = 1
)

// TaskExecuteType distinguishes run-to-completion tasks from long-lived streaming tasks.
type TaskExecuteType string

const (
	TaskExecuteBatch  TaskExecuteType = "BATCH"
	TaskExecuteStream TaskExecuteType = "STREAM"
)

// Task types executed on the master rather than dispatched to a worker.
const (
	TaskTypeDependent = "DEPENDENT"
	TaskTypeSwitch    = "SWITCH"
)

// FailureStrategy decides what happens to the rest of the graph when a task fails.
type FailureStrategy string

const (
	FailureStrategyEnd      FailureStrategy = "END"
	FailureStrategyContinue FailureStrategy = "CONTINUE"
)

// WorkflowDefinition is the versioned description of a workflow.
type WorkflowDefinition struct {
	Code         int64      `json:"code"`
	Version      int        `json:"version"`
	Name         string     `json:"name"`
	ProjectCode  int64      `json:"project_code,omitempty"`
	GlobalParams []Property `json:"global_params,omitempty"`
	Timeout      int        `json:"timeout,omitempty"` // minutes, 0 = none
	Flag         Flag       `json:"flag"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TaskDefinition describes a single node of a workflow.
type TaskDefinition struct {
	Code              int64           `json:"code"`
	Version           int             `json:"version"`
	Name              string          `json:"name"`
	TaskType          string          `json:"task_type"`
	TaskParams        json.RawMessage `json:"task_params,omitempty"`
	LocalParams       []Property      `json:"local_params,omitempty"`
	Flag              Flag            `json:"flag"`
	ExecuteType       TaskExecuteType `json:"execute_type,omitempty"`
	WorkerGroup       string          `json:"worker_group,omitempty"`
	EnvironmentCode   int64           `json:"environment_code,omitempty"`
	Priority          int             `json:"priority,omitempty"`
	FailRetryTimes    int             `json:"fail_retry_times,omitempty"`
	FailRetryInterval int             `json:"fail_retry_interval,omitempty"` // minutes
	Timeout           int             `json:"timeout,omitempty"`             // minutes, 0 = none
}

// IsForbidden reports whether the task is disabled in its workflow.
func (t *TaskDefinition) IsForbidden() bool {
	return t.Flag == FlagNo
}

// IsStream reports whether the task is a streaming task.
func (t *TaskDefinition) IsStream() bool {
	return t.ExecuteType == TaskExecuteStream
}

// TaskRelation is one edge of the static task graph. PreTaskCode 0 marks an entry node.
type TaskRelation struct {
	WorkflowDefinitionCode    int64 `json:"workflow_definition_code"`
	WorkflowDefinitionVersion int   `json:"workflow_definition_version"`
	PreTaskCode               int64 `json:"pre_task_code"`
	PostTaskCode              int64 `json:"post_task_code"`
}

// WorkflowSpec bundles everything needed to build a run of one workflow version.
type WorkflowSpec struct {
	Workflow  WorkflowDefinition `json:"workflow"`
	Tasks     []TaskDefinition   `json:"tasks"`
	Relations []TaskRelation     `json:"relations"`
}

// SwitchParams is the task_params payload of a SWITCH task.
type SwitchParams struct {
	Engine   string       `json:"engine,omitempty"` // cel | expr | jq (default: cel)
	Cases    []SwitchCase `json:"cases"`
	NextNode string       `json:"next_node,omitempty"` // default branch
}

// SwitchCase routes to Next when Condition evaluates to true.
type SwitchCase struct {
	Condition string `json:"condition"`
	Next      string `json:"next"`
}

// DependentParams is the task_params payload of a DEPENDENT task.
type DependentParams struct {
	Relation        DependentRelation   `json:"relation"`
	Groups          []DependentGroup    `json:"groups"`
	FailurePolicy   DependFailurePolicy `json:"failure_policy,omitempty"`
	FailureWaiting  int                 `json:"failure_waiting_time,omitempty"` // minutes
	CheckIntervalMs int                 `json:"check_interval_ms,omitempty"`
}
