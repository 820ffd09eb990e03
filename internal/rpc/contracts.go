// Package rpc holds the master/worker contracts and their transport: each
// side serves its contract as MCP tools and calls the other side through
// typed proxies handed out by a Registry.
package rpc

import (
	"context"

	"github.com/rendis/flowmaster/internal/engine"
)

// Worker-bound tools.
const (
	ToolDispatchTask = "worker.dispatch_task"
	ToolPauseTask    = "worker.pause_task"
	ToolKillTask     = "worker.kill_task"
)

// Master-bound tools.
const (
	ToolTaskRunning           = "master.task_running"
	ToolTaskCompleted         = "master.task_completed"
	ToolTaskKilled            = "master.task_killed"
	ToolPauseWorkflowInstance = "master.pause_workflow_instance"
	ToolStopWorkflowInstance  = "master.stop_workflow_instance"
)

// DispatchRequest carries one task attempt to a worker.
type DispatchRequest struct {
	RequestID string              `json:"request_id"`
	Master    string              `json:"master,omitempty"` // callback address
	Task      *engine.TaskContext `json:"task"`
}

// DispatchResponse is the worker's acknowledgement. A refused dispatch sets
// DispatchSuccess to false and explains why in Reason.
type DispatchResponse struct {
	DispatchSuccess bool   `json:"dispatch_success"`
	Reason          string `json:"reason,omitempty"`
}

// TaskControlRequest targets one task instance on a worker.
type TaskControlRequest struct {
	TaskInstanceID int64 `json:"task_instance_id"`
}

// WorkflowControlRequest targets one workflow instance on a master.
type WorkflowControlRequest struct {
	WorkflowInstanceID int64 `json:"workflow_instance_id"`
}

// Ack is the generic reply of control and callback tools.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// TaskOperator is the worker-side contract.
type TaskOperator interface {
	DispatchTask(ctx context.Context, req *DispatchRequest) (*DispatchResponse, error)
	PauseTask(ctx context.Context, taskInstanceID int64) error
	KillTask(ctx context.Context, taskInstanceID int64) error
}

// MasterService is the master-side contract: worker callbacks and workflow control.
type MasterService interface {
	OnTaskRunning(ctx context.Context, cb *engine.TaskCallback) error
	OnTaskCompleted(ctx context.Context, cb *engine.TaskCallback) error
	OnTaskKilled(ctx context.Context, cb *engine.TaskCallback) error
	PauseWorkflowInstance(ctx context.Context, id int64) error
	StopWorkflowInstance(ctx context.Context, id int64) error
}
