package store

import (
	"context"

	"github.com/rendis/flowmaster/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
// Single-row lookups return a NOT_FOUND *schema.FlowError when the row is missing,
// except the Last*/First* queries, which return (nil, nil).
type Store interface {
	// Commands
	CreateCommand(ctx context.Context, cmd *Command) error
	ListCommands(ctx context.Context, limit int) ([]*Command, error)
	DeleteCommand(ctx context.Context, id int64) error
	MoveToErrorCommand(ctx context.Context, cmd *Command, message string) error
	ListErrorCommands(ctx context.Context, limit int) ([]*ErrorCommand, error)

	// Definitions
	SaveWorkflowSpec(ctx context.Context, spec *schema.WorkflowSpec) error
	// GetWorkflowSpec loads one version; version 0 selects the latest.
	GetWorkflowSpec(ctx context.Context, code int64, version int) (*schema.WorkflowSpec, error)
	// GetTaskDefinition returns the latest version of a task definition.
	GetTaskDefinition(ctx context.Context, code int64) (*schema.TaskDefinition, error)

	// Workflow instances
	CreateWorkflowInstance(ctx context.Context, wi *WorkflowInstance) error
	UpdateWorkflowInstance(ctx context.Context, wi *WorkflowInstance) error
	UpdateWorkflowInstanceState(ctx context.Context, id int64, from, to schema.WorkflowExecutionStatus) error
	GetWorkflowInstance(ctx context.Context, id int64) (*WorkflowInstance, error)
	ListWorkflowInstances(ctx context.Context, filter WorkflowInstanceFilter) ([]*WorkflowInstance, error)
	LastSchedulerInstanceInInterval(ctx context.Context, definitionCode, taskCode int64, iv Interval, testFlag bool) (*WorkflowInstance, error)
	LastManualInstanceInInterval(ctx context.Context, definitionCode, taskCode int64, iv Interval, testFlag bool) (*WorkflowInstance, error)
	FirstScheduledInstance(ctx context.Context, definitionCode int64) (*WorkflowInstance, error)
	FirstStartedInstance(ctx context.Context, definitionCode int64) (*WorkflowInstance, error)

	// Task instances
	UpsertTaskInstance(ctx context.Context, ti *TaskInstance) error
	GetTaskInstance(ctx context.Context, id int64) (*TaskInstance, error)
	ListValidTaskInstances(ctx context.Context, workflowInstanceID int64) ([]*TaskInstance, error)
	MarkTaskInstancesInvalid(ctx context.Context, ids []int64) error
	UpdateTaskInstanceState(ctx context.Context, id int64, state schema.TaskExecutionStatus) error
	DeleteTaskInstancesByWorkflowInstance(ctx context.Context, workflowInstanceID int64) error
	LastTaskInstanceInWorkflowInstance(ctx context.Context, workflowInstanceID, taskCode int64, testFlag bool) (*TaskInstance, error)
	LastTaskInstancesInWorkflowInstance(ctx context.Context, workflowInstanceID int64, taskCodes []int64, testFlag bool) ([]*TaskInstance, error)

	// Schedules
	CreateSchedule(ctx context.Context, sch *Schedule) error
	GetSchedule(ctx context.Context, id int64) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id int64, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id int64) error

	// Lifecycle audit trail (append-only)
	AppendLifecycle(ctx context.Context, rec *LifecycleRecord) error
	ListLifecycle(ctx context.Context, workflowInstanceID int64, since int64) ([]*LifecycleRecord, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
