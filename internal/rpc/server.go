package rpc

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowmaster/internal/engine"
)

// WorkerTools exposes op as the worker-bound tools.
func WorkerTools(op TaskOperator) []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool(ToolDispatchTask,
				mcp.WithDescription("Accept a task attempt for execution"),
				mcp.WithString("request_id", mcp.Required(), mcp.Description("Dispatch request ID")),
				mcp.WithString("master", mcp.Description("Master address for callbacks")),
				mcp.WithObject("task", mcp.Required(), mcp.Description("Task execution context")),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				var in DispatchRequest
				if err := req.BindArguments(&in); err != nil || in.Task == nil {
					return mcp.NewToolResultError("invalid dispatch request"), nil
				}
				resp, err := op.DispatchTask(ctx, &in)
				if err != nil {
					return jsonResult(DispatchResponse{DispatchSuccess: false, Reason: err.Error()})
				}
				return jsonResult(resp)
			},
		},
		{
			Tool:    taskControlTool(ToolPauseTask, "Pause a running task instance"),
			Handler: taskControlHandler(op.PauseTask),
		},
		{
			Tool:    taskControlTool(ToolKillTask, "Kill a running task instance"),
			Handler: taskControlHandler(op.KillTask),
		},
	}
}

// MasterTools exposes svc as the master-bound tools.
func MasterTools(svc MasterService) []server.ServerTool {
	return []server.ServerTool{
		{Tool: callbackTool(ToolTaskRunning, "Report a task instance as running"), Handler: callbackHandler(svc.OnTaskRunning)},
		{Tool: callbackTool(ToolTaskCompleted, "Report a finished task instance"), Handler: callbackHandler(svc.OnTaskCompleted)},
		{Tool: callbackTool(ToolTaskKilled, "Report a killed task instance"), Handler: callbackHandler(svc.OnTaskKilled)},
		{Tool: workflowControlTool(ToolPauseWorkflowInstance, "Pause a running workflow instance"), Handler: workflowControlHandler(svc.PauseWorkflowInstance)},
		{Tool: workflowControlTool(ToolStopWorkflowInstance, "Stop a running or paused workflow instance"), Handler: workflowControlHandler(svc.StopWorkflowInstance)},
	}
}

func taskControlTool(name, desc string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(desc),
		mcp.WithNumber("task_instance_id", mcp.Required(), mcp.Description("Task instance ID")),
	)
}

func taskControlHandler(fn func(context.Context, int64) error) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in TaskControlRequest
		if err := req.BindArguments(&in); err != nil || in.TaskInstanceID == 0 {
			return mcp.NewToolResultError("task_instance_id is required"), nil
		}
		return ackResult(fn(ctx, in.TaskInstanceID))
	}
}

func workflowControlTool(name, desc string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(desc),
		mcp.WithNumber("workflow_instance_id", mcp.Required(), mcp.Description("Workflow instance ID")),
	)
}

func workflowControlHandler(fn func(context.Context, int64) error) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in WorkflowControlRequest
		if err := req.BindArguments(&in); err != nil || in.WorkflowInstanceID == 0 {
			return mcp.NewToolResultError("workflow_instance_id is required"), nil
		}
		return ackResult(fn(ctx, in.WorkflowInstanceID))
	}
}

func callbackTool(name, desc string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(desc),
		mcp.WithNumber("task_instance_id", mcp.Required(), mcp.Description("Task instance ID")),
		mcp.WithNumber("workflow_instance_id", mcp.Required(), mcp.Description("Workflow instance ID")),
		mcp.WithString("status", mcp.Required(), mcp.Description("Task execution status")),
		mcp.WithString("host", mcp.Description("Worker address")),
		mcp.WithString("start_time", mcp.Description("RFC 3339 start time")),
		mcp.WithString("end_time", mcp.Description("RFC 3339 end time")),
		mcp.WithString("log_path", mcp.Description("Task log path on the worker")),
		mcp.WithString("app_ids", mcp.Description("External application IDs")),
		mcp.WithArray("var_pool", mcp.Description("OUT properties produced by the task")),
		mcp.WithString("reason", mcp.Description("Failure reason")),
	)
}

func callbackHandler(fn func(context.Context, *engine.TaskCallback) error) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var cb engine.TaskCallback
		if err := req.BindArguments(&cb); err != nil || cb.TaskInstanceID == 0 || cb.WorkflowInstanceID == 0 {
			return mcp.NewToolResultError("task_instance_id and workflow_instance_id are required"), nil
		}
		return ackResult(fn(ctx, &cb))
	}
}

func ackResult(err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return jsonResult(Ack{Success: false, Message: err.Error()})
	}
	return jsonResult(Ack{Success: true})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError("failed to marshal result: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
