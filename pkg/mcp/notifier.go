package mcp

import (
	"context"
	"errors"

	"github.com/rendis/flowmaster/internal/streaming"
)

// WorkflowStateMethod is the notification method workers receive when a
// workflow instance owned by this master changes state.
const WorkflowStateMethod = "notifications/workflow_state"

// ForwardWorkflowStates pushes every workflow state change published on the
// hub to all connected workers until ctx is cancelled. Delivery is best-effort.
func (s *MasterServer) ForwardWorkflowStates(ctx context.Context) error {
	if s.hub == nil {
		return errors.New("no event hub configured")
	}
	events, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{streaming.WorkflowStateChanged},
	})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.mcpServer.SendNotificationToAllClients(WorkflowStateMethod, workflowStateParams(ev))
		}
	}
}

func workflowStateParams(ev streaming.StreamEvent) map[string]any {
	return map[string]any{
		"workflow_instance_id": ev.WorkflowInstanceID,
		"from":                 ev.From,
		"to":                   ev.To,
		"timestamp":            ev.Timestamp,
	}
}
