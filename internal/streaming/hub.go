package streaming

import (
	"context"
	"time"
)

// Event types published by the engine.
const (
	WorkflowStateChanged = "workflow.state"
	TaskStateChanged     = "task.state"
)

// StreamEvent is a state change of a workflow or task instance, fanned out to
// observers (SSE clients, tests, metrics).
type StreamEvent struct {
	WorkflowInstanceID int64     `json:"workflow_instance_id"`
	TaskInstanceID     int64     `json:"task_instance_id,omitempty"`
	TaskName           string    `json:"task_name,omitempty"`
	EventType          string    `json:"event_type"`
	From               string    `json:"from,omitempty"`
	To                 string    `json:"to"`
	Timestamp          time.Time `json:"timestamp"`
	Payload            any       `json:"payload,omitempty"`
}

// EventFilter selects events by instance and type. Zero values match everything.
type EventFilter struct {
	WorkflowInstanceID int64    `json:"workflow_instance_id,omitempty"`
	EventTypes         []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for instance state changes.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
