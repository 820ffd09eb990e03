package mcp

import (
	"context"
	"log/slog"
	"slices"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowmaster/internal/engine"
	"github.com/rendis/flowmaster/internal/rpc"
	"github.com/rendis/flowmaster/pkg/schema"
)

var _ rpc.MasterService = (*MasterServer)(nil)

var (
	runningStatuses   = []schema.TaskExecutionStatus{schema.TaskRunning}
	completedStatuses = []schema.TaskExecutionStatus{schema.TaskSuccess, schema.TaskForcedSuccess, schema.TaskFailure}
	killedStatuses    = []schema.TaskExecutionStatus{schema.TaskKill, schema.TaskPause}
)

// OnTaskRunning handles master.task_running.
func (s *MasterServer) OnTaskRunning(ctx context.Context, cb *engine.TaskCallback) error {
	return s.callback(ctx, rpc.ToolTaskRunning, runningStatuses, cb)
}

// OnTaskCompleted handles master.task_completed.
func (s *MasterServer) OnTaskCompleted(ctx context.Context, cb *engine.TaskCallback) error {
	return s.callback(ctx, rpc.ToolTaskCompleted, completedStatuses, cb)
}

// OnTaskKilled handles master.task_killed. A paused task reports here too.
func (s *MasterServer) OnTaskKilled(ctx context.Context, cb *engine.TaskCallback) error {
	return s.callback(ctx, rpc.ToolTaskKilled, killedStatuses, cb)
}

// PauseWorkflowInstance handles master.pause_workflow_instance.
func (s *MasterServer) PauseWorkflowInstance(ctx context.Context, id int64) error {
	if err := s.controller.Pause(ctx, id); err != nil {
		return err
	}
	s.logger.Info("workflow pause requested", slog.Int64("workflow_instance_id", id))
	return nil
}

// StopWorkflowInstance handles master.stop_workflow_instance.
func (s *MasterServer) StopWorkflowInstance(ctx context.Context, id int64) error {
	if err := s.controller.Stop(ctx, id); err != nil {
		return err
	}
	s.logger.Info("workflow stop requested", slog.Int64("workflow_instance_id", id))
	return nil
}

func (s *MasterServer) callback(ctx context.Context, tool string, allowed []schema.TaskExecutionStatus, cb *engine.TaskCallback) error {
	if !slices.Contains(allowed, cb.Status) {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s does not accept task status %q", tool, cb.Status).
			WithDetails(map[string]any{"task_instance_id": cb.TaskInstanceID})
	}
	s.captureSession(ctx, cb.Host)

	if err := s.controller.OnTaskCallback(ctx, cb); err != nil {
		s.logger.Warn("task callback rejected",
			slog.String("tool", tool),
			slog.Int64("workflow_instance_id", cb.WorkflowInstanceID),
			slog.Int64("task_instance_id", cb.TaskInstanceID),
			slog.String("status", string(cb.Status)),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.logger.Debug("task callback accepted",
		slog.String("tool", tool),
		slog.Int64("workflow_instance_id", cb.WorkflowInstanceID),
		slog.Int64("task_instance_id", cb.TaskInstanceID),
		slog.String("status", string(cb.Status)),
	)
	return nil
}

// captureSession maps the worker host to its current MCP session.
func (s *MasterServer) captureSession(ctx context.Context, host string) {
	if host == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(host, session.SessionID())
	}
}
