package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/flowmaster/pkg/schema"
)

// AppendLifecycle appends rec with the next per-instance sequence number.
func (s *LibSQLStore) AppendLifecycle(ctx context.Context, rec *LifecycleRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lifecycle tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM lifecycle_records WHERE workflow_instance_id = ?`,
		rec.WorkflowInstanceID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	rec.Sequence = seq
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO lifecycle_records (workflow_instance_id, task_instance_id, event_type, from_state, to_state, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.WorkflowInstanceID, rec.TaskInstanceID, rec.EventType, nullStr(rec.FromState), nullStr(rec.ToState),
		nullRaw(rec.Payload), millis(rec.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert lifecycle record: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return tx.Commit()
}

// ListLifecycle returns records with sequence > since in sequence order.
// A gap in the sequence is reported as a STORE_ERROR.
func (s *LibSQLStore) ListLifecycle(ctx context.Context, workflowInstanceID int64, since int64) ([]*LifecycleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_instance_id, task_instance_id, event_type, from_state, to_state, payload, timestamp, sequence
		 FROM lifecycle_records WHERE workflow_instance_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowInstanceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LifecycleRecord
	expected := since + 1
	for rows.Next() {
		rec := &LifecycleRecord{}
		var from, to, payload sql.NullString
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.WorkflowInstanceID, &rec.TaskInstanceID, &rec.EventType,
			&from, &to, &payload, &ts, &rec.Sequence); err != nil {
			return nil, err
		}
		if rec.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow instance %d: expected %d, got %d", workflowInstanceID, expected, rec.Sequence)
		}
		expected++
		rec.FromState = from.String
		rec.ToState = to.String
		rec.Payload = rawOrNil(payload)
		rec.Timestamp = fromMillis(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Schedules ---

const scheduleColumns = `id, workflow_definition_code, cron_expression, enabled, failure_strategy, worker_group,
	environment_code, priority, last_run_at, next_run_at, last_run_status, created_at, updated_at`

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sch *Schedule) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (workflow_definition_code, cron_expression, enabled, failure_strategy, worker_group,
			environment_code, priority, last_run_at, next_run_at, last_run_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.WorkflowDefinitionCode, sch.CronExpression, boolInt(sch.Enabled), nullStr(string(sch.FailureStrategy)),
		nullStr(sch.WorkerGroup), sch.EnvironmentCode, sch.Priority, nullMillis(sch.LastRunAt),
		nullMillis(sch.NextRunAt), nullStr(sch.LastRunStatus), millis(timeOrNow(sch.CreatedAt)), millis(timeOrNow(sch.UpdatedAt)),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	sch.ID = id
	return nil
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id int64) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sch, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id int64, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, millis(*update.LastRunAt))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, millis(*update.NextRunAt))
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, millis(time.Now().UTC()), id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.DefinitionCode != 0 {
		where = append(where, "workflow_definition_code = ?")
		args = append(args, filter.DefinitionCode)
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(r rowScanner) (*Schedule, error) {
	sch := &Schedule{}
	var (
		enabled                      int
		strategy, workerGroup, state sql.NullString
		lastRun, nextRun             sql.NullInt64
		createdAt, updatedAt         int64
	)
	if err := r.Scan(&sch.ID, &sch.WorkflowDefinitionCode, &sch.CronExpression, &enabled, &strategy, &workerGroup,
		&sch.EnvironmentCode, &sch.Priority, &lastRun, &nextRun, &state, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sch.Enabled = enabled != 0
	sch.FailureStrategy = schema.FailureStrategy(strategy.String)
	sch.WorkerGroup = workerGroup.String
	sch.LastRunAt = ptrFromMillis(lastRun)
	sch.NextRunAt = ptrFromMillis(nextRun)
	sch.LastRunStatus = state.String
	sch.CreatedAt = fromMillis(createdAt)
	sch.UpdatedAt = fromMillis(updatedAt)
	return sch, nil
}
