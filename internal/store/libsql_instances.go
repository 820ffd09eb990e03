package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/flowmaster/pkg/schema"
)

// --- Workflow instances ---

const workflowInstanceColumns = `id, name, workflow_definition_code, workflow_definition_version, state, host,
	command_type, command_param, task_depend_type, failure_strategy, schedule_time, start_time, restart_time,
	end_time, run_times, global_params, var_pool, history_cmd, priority, worker_group, environment_code,
	timeout, dry_run, test_flag, executor_id, updated_at`

func workflowInstanceArgs(wi *WorkflowInstance) []any {
	history, _ := json.Marshal(wi.HistoryCmd)
	if wi.HistoryCmd == nil {
		history = []byte("[]")
	}
	return []any{
		wi.Name, wi.WorkflowDefinitionCode, wi.WorkflowDefinitionVersion, string(wi.State), nullStr(wi.Host),
		string(wi.CommandType), nullRaw(wi.CommandParam), nullStr(string(wi.TaskDependType)),
		nullStr(string(wi.FailureStrategy)), nullMillis(wi.ScheduleTime), nullMillis(wi.StartTime),
		nullMillis(wi.RestartTime), nullMillis(wi.EndTime), wi.RunTimes, marshalProps(wi.GlobalParams),
		marshalProps(wi.VarPool), string(history), wi.Priority, nullStr(wi.WorkerGroup), wi.EnvironmentCode,
		wi.Timeout, boolInt(wi.DryRun), boolInt(wi.TestFlag), wi.ExecutorID, millis(time.Now().UTC()),
	}
}

// CreateWorkflowInstance inserts wi and assigns its ID.
func (s *LibSQLStore) CreateWorkflowInstance(ctx context.Context, wi *WorkflowInstance) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_instances (name, workflow_definition_code, workflow_definition_version, state, host,
			command_type, command_param, task_depend_type, failure_strategy, schedule_time, start_time, restart_time,
			end_time, run_times, global_params, var_pool, history_cmd, priority, worker_group, environment_code,
			timeout, dry_run, test_flag, executor_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		workflowInstanceArgs(wi)...,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	wi.ID = id
	return nil
}

// UpdateWorkflowInstance overwrites every mutable column of an existing instance.
func (s *LibSQLStore) UpdateWorkflowInstance(ctx context.Context, wi *WorkflowInstance) error {
	args := append(workflowInstanceArgs(wi), wi.ID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_instances SET name = ?, workflow_definition_code = ?, workflow_definition_version = ?,
			state = ?, host = ?, command_type = ?, command_param = ?, task_depend_type = ?, failure_strategy = ?,
			schedule_time = ?, start_time = ?, restart_time = ?, end_time = ?, run_times = ?, global_params = ?,
			var_pool = ?, history_cmd = ?, priority = ?, worker_group = ?, environment_code = ?, timeout = ?,
			dry_run = ?, test_flag = ?, executor_id = ?, updated_at = ?
		 WHERE id = ?`,
		args...,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow instance", wi.ID)
}

// UpdateWorkflowInstanceState moves the instance from one state to another.
// It fails with CONFLICT when the persisted state is not from.
func (s *LibSQLStore) UpdateWorkflowInstanceState(ctx context.Context, id int64, from, to schema.WorkflowExecutionStatus) error {
	endTime := any(nil)
	if to.IsFinished() {
		endTime = millis(time.Now().UTC())
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_instances SET state = ?, end_time = COALESCE(?, end_time), updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(to), endTime, millis(time.Now().UTC()), id, string(from),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetWorkflowInstance(ctx, id); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"workflow instance %d is not in state %s", id, from)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflowInstance(ctx context.Context, id int64) (*WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowInstanceColumns+` FROM workflow_instances WHERE id = ?`, id)
	wi, err := scanWorkflowInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow instance", id)
	}
	return wi, err
}

func (s *LibSQLStore) ListWorkflowInstances(ctx context.Context, filter WorkflowInstanceFilter) ([]*WorkflowInstance, error) {
	var where []string
	var args []any

	if filter.DefinitionCode != 0 {
		where = append(where, "workflow_definition_code = ?")
		args = append(args, filter.DefinitionCode)
	}
	if len(filter.States) > 0 {
		ph := make([]string, len(filter.States))
		for i, st := range filter.States {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(ph, ", ")+")")
	}
	if filter.Host != "" {
		where = append(where, "host = ?")
		args = append(args, filter.Host)
	}

	query := `SELECT ` + workflowInstanceColumns + ` FROM workflow_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return s.queryWorkflowInstances(ctx, query, args...)
}

// LastSchedulerInstanceInInterval finds the newest scheduler-triggered instance whose
// schedule time falls in iv. A positive taskCode restricts to instances that ran that task.
func (s *LibSQLStore) LastSchedulerInstanceInInterval(ctx context.Context, definitionCode, taskCode int64, iv Interval, testFlag bool) (*WorkflowInstance, error) {
	query := `SELECT ` + workflowInstanceColumns + ` FROM workflow_instances
		WHERE workflow_definition_code = ? AND command_type = ? AND test_flag = ?
		  AND schedule_time BETWEEN ? AND ?`
	args := []any{definitionCode, string(schema.CommandScheduler), boolInt(testFlag), millis(iv.Start), millis(iv.End)}
	return s.lastInstance(ctx, query, args, taskCode)
}

// LastManualInstanceInInterval finds the newest non-scheduler instance that started or
// ended inside iv. A positive taskCode restricts to instances that ran that task.
func (s *LibSQLStore) LastManualInstanceInInterval(ctx context.Context, definitionCode, taskCode int64, iv Interval, testFlag bool) (*WorkflowInstance, error) {
	query := `SELECT ` + workflowInstanceColumns + ` FROM workflow_instances
		WHERE workflow_definition_code = ? AND command_type != ? AND test_flag = ?
		  AND (start_time BETWEEN ? AND ? OR end_time BETWEEN ? AND ?)`
	args := []any{definitionCode, string(schema.CommandScheduler), boolInt(testFlag),
		millis(iv.Start), millis(iv.End), millis(iv.Start), millis(iv.End)}
	return s.lastInstance(ctx, query, args, taskCode)
}

func (s *LibSQLStore) lastInstance(ctx context.Context, query string, args []any, taskCode int64) (*WorkflowInstance, error) {
	if taskCode > 0 {
		query += ` AND id IN (SELECT workflow_instance_id FROM task_instances WHERE task_code = ?)`
		args = append(args, taskCode)
	}
	query += ` ORDER BY id DESC LIMIT 1`
	return s.optionalWorkflowInstance(s.db.QueryRowContext(ctx, query, args...))
}

// FirstScheduledInstance returns the instance with the earliest schedule time, or nil.
func (s *LibSQLStore) FirstScheduledInstance(ctx context.Context, definitionCode int64) (*WorkflowInstance, error) {
	return s.optionalWorkflowInstance(s.db.QueryRowContext(ctx,
		`SELECT `+workflowInstanceColumns+` FROM workflow_instances
		 WHERE workflow_definition_code = ? AND schedule_time IS NOT NULL
		 ORDER BY schedule_time ASC, id ASC LIMIT 1`, definitionCode))
}

// FirstStartedInstance returns the instance with the earliest start time, or nil.
func (s *LibSQLStore) FirstStartedInstance(ctx context.Context, definitionCode int64) (*WorkflowInstance, error) {
	return s.optionalWorkflowInstance(s.db.QueryRowContext(ctx,
		`SELECT `+workflowInstanceColumns+` FROM workflow_instances
		 WHERE workflow_definition_code = ? AND start_time IS NOT NULL
		 ORDER BY start_time ASC, id ASC LIMIT 1`, definitionCode))
}

func (s *LibSQLStore) optionalWorkflowInstance(row *sql.Row) (*WorkflowInstance, error) {
	wi, err := scanWorkflowInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return wi, err
}

func (s *LibSQLStore) queryWorkflowInstances(ctx context.Context, query string, args ...any) ([]*WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowInstance
	for rows.Next() {
		wi, err := scanWorkflowInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wi)
	}
	return out, rows.Err()
}

func scanWorkflowInstance(r rowScanner) (*WorkflowInstance, error) {
	wi := &WorkflowInstance{}
	var (
		state, cmdType                                 string
		host, param, dependType, strategy, workerGroup sql.NullString
		scheduleTime, startTime, restartTime, endTime  sql.NullInt64
		globalParams, varPool, history                 string
		dryRun, testFlag                               int
		updatedAt                                      int64
	)
	if err := r.Scan(&wi.ID, &wi.Name, &wi.WorkflowDefinitionCode, &wi.WorkflowDefinitionVersion, &state, &host,
		&cmdType, &param, &dependType, &strategy, &scheduleTime, &startTime, &restartTime,
		&endTime, &wi.RunTimes, &globalParams, &varPool, &history, &wi.Priority, &workerGroup, &wi.EnvironmentCode,
		&wi.Timeout, &dryRun, &testFlag, &wi.ExecutorID, &updatedAt); err != nil {
		return nil, err
	}
	wi.State = schema.WorkflowExecutionStatus(state)
	wi.Host = host.String
	wi.CommandType = schema.CommandType(cmdType)
	wi.CommandParam = rawOrNil(param)
	wi.TaskDependType = schema.TaskDependType(dependType.String)
	wi.FailureStrategy = schema.FailureStrategy(strategy.String)
	wi.ScheduleTime = ptrFromMillis(scheduleTime)
	wi.StartTime = ptrFromMillis(startTime)
	wi.RestartTime = ptrFromMillis(restartTime)
	wi.EndTime = ptrFromMillis(endTime)
	wi.GlobalParams = unmarshalProps(globalParams)
	wi.VarPool = unmarshalProps(varPool)
	if history != "" {
		_ = json.Unmarshal([]byte(history), &wi.HistoryCmd)
	}
	wi.WorkerGroup = workerGroup.String
	wi.DryRun = dryRun != 0
	wi.TestFlag = testFlag != 0
	wi.UpdatedAt = fromMillis(updatedAt)
	return wi, nil
}

// --- Task instances ---

const taskInstanceColumns = `id, name, workflow_instance_id, task_code, task_version, task_type, state, flag,
	retry_times, max_retry_times, retry_interval, host, submit_time, start_time, end_time, var_pool,
	execute_type, worker_group, environment_code, log_path, app_ids, task_params, priority, dry_run,
	test_flag, updated_at`

// UpsertTaskInstance inserts ti when its ID is zero (assigning the ID) and updates it otherwise.
func (s *LibSQLStore) UpsertTaskInstance(ctx context.Context, ti *TaskInstance) error {
	flag := ti.Flag
	if ti.ID == 0 && flag == schema.FlagNo {
		flag = schema.FlagYes
		ti.Flag = flag
	}
	args := []any{
		ti.Name, ti.WorkflowInstanceID, ti.TaskCode, ti.TaskVersion, ti.TaskType, string(ti.State), int(flag),
		ti.RetryTimes, ti.MaxRetryTimes, ti.RetryInterval, nullStr(ti.Host), nullMillis(ti.SubmitTime),
		nullMillis(ti.StartTime), nullMillis(ti.EndTime), marshalProps(ti.VarPool),
		string(executeTypeOrBatch(ti.ExecuteType)), nullStr(ti.WorkerGroup), ti.EnvironmentCode,
		nullStr(ti.LogPath), nullStr(ti.AppIDs), nullRaw(ti.TaskParams), ti.Priority, boolInt(ti.DryRun),
		boolInt(ti.TestFlag), millis(time.Now().UTC()),
	}
	if ti.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO task_instances (name, workflow_instance_id, task_code, task_version, task_type, state, flag,
				retry_times, max_retry_times, retry_interval, host, submit_time, start_time, end_time, var_pool,
				execute_type, worker_group, environment_code, log_path, app_ids, task_params, priority, dry_run,
				test_flag, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			args...,
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		ti.ID = id
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE task_instances SET name = ?, workflow_instance_id = ?, task_code = ?, task_version = ?, task_type = ?,
			state = ?, flag = ?, retry_times = ?, max_retry_times = ?, retry_interval = ?, host = ?, submit_time = ?,
			start_time = ?, end_time = ?, var_pool = ?, execute_type = ?, worker_group = ?, environment_code = ?,
			log_path = ?, app_ids = ?, task_params = ?, priority = ?, dry_run = ?, test_flag = ?, updated_at = ?
		 WHERE id = ?`,
		append(args, ti.ID)...,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task instance", ti.ID)
}

func (s *LibSQLStore) GetTaskInstance(ctx context.Context, id int64) (*TaskInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskInstanceColumns+` FROM task_instances WHERE id = ?`, id)
	ti, err := scanTaskInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task instance", id)
	}
	return ti, err
}

// ListValidTaskInstances returns the non-superseded task instances of a workflow instance in ID order.
func (s *LibSQLStore) ListValidTaskInstances(ctx context.Context, workflowInstanceID int64) ([]*TaskInstance, error) {
	return s.queryTaskInstances(ctx,
		`SELECT `+taskInstanceColumns+` FROM task_instances WHERE workflow_instance_id = ? AND flag = ? ORDER BY id`,
		workflowInstanceID, int(schema.FlagYes))
}

func (s *LibSQLStore) MarkTaskInstancesInvalid(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_instances SET flag = ?, updated_at = ? WHERE id IN (`+int64List(ids)+`)`,
		int(schema.FlagNo), millis(time.Now().UTC()))
	return err
}

func (s *LibSQLStore) UpdateTaskInstanceState(ctx context.Context, id int64, state schema.TaskExecutionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_instances SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), millis(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task instance", id)
}

func (s *LibSQLStore) DeleteTaskInstancesByWorkflowInstance(ctx context.Context, workflowInstanceID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_instances WHERE workflow_instance_id = ?`, workflowInstanceID)
	return err
}

// LastTaskInstanceInWorkflowInstance returns the newest valid attempt of taskCode, or nil.
func (s *LibSQLStore) LastTaskInstanceInWorkflowInstance(ctx context.Context, workflowInstanceID, taskCode int64, testFlag bool) (*TaskInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskInstanceColumns+` FROM task_instances
		 WHERE workflow_instance_id = ? AND task_code = ? AND test_flag = ? AND flag = ?
		 ORDER BY id DESC LIMIT 1`,
		workflowInstanceID, taskCode, boolInt(testFlag), int(schema.FlagYes))
	ti, err := scanTaskInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ti, err
}

// LastTaskInstancesInWorkflowInstance returns the newest valid attempt of each of taskCodes.
// Codes with no attempt are absent from the result.
func (s *LibSQLStore) LastTaskInstancesInWorkflowInstance(ctx context.Context, workflowInstanceID int64, taskCodes []int64, testFlag bool) ([]*TaskInstance, error) {
	if len(taskCodes) == 0 {
		return nil, nil
	}
	return s.queryTaskInstances(ctx,
		`SELECT `+taskInstanceColumns+` FROM task_instances
		 WHERE id IN (
			SELECT MAX(id) FROM task_instances
			WHERE workflow_instance_id = ? AND test_flag = ? AND flag = ? AND task_code IN (`+int64List(taskCodes)+`)
			GROUP BY task_code)
		 ORDER BY id`,
		workflowInstanceID, boolInt(testFlag), int(schema.FlagYes))
}

func (s *LibSQLStore) queryTaskInstances(ctx context.Context, query string, args ...any) ([]*TaskInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TaskInstance
	for rows.Next() {
		ti, err := scanTaskInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

func scanTaskInstance(r rowScanner) (*TaskInstance, error) {
	ti := &TaskInstance{}
	var (
		state, varPool, executeType                string
		flag, dryRun, testFlag                     int
		host, workerGroup, logPath, appIDs, params sql.NullString
		submitTime, startTime, endTime             sql.NullInt64
		updatedAt                                  int64
	)
	if err := r.Scan(&ti.ID, &ti.Name, &ti.WorkflowInstanceID, &ti.TaskCode, &ti.TaskVersion, &ti.TaskType, &state, &flag,
		&ti.RetryTimes, &ti.MaxRetryTimes, &ti.RetryInterval, &host, &submitTime, &startTime, &endTime, &varPool,
		&executeType, &workerGroup, &ti.EnvironmentCode, &logPath, &appIDs, &params, &ti.Priority, &dryRun,
		&testFlag, &updatedAt); err != nil {
		return nil, err
	}
	ti.State = schema.TaskExecutionStatus(state)
	ti.Flag = schema.Flag(flag)
	ti.Host = host.String
	ti.SubmitTime = ptrFromMillis(submitTime)
	ti.StartTime = ptrFromMillis(startTime)
	ti.EndTime = ptrFromMillis(endTime)
	ti.VarPool = unmarshalProps(varPool)
	ti.ExecuteType = schema.TaskExecuteType(executeType)
	ti.WorkerGroup = workerGroup.String
	ti.LogPath = logPath.String
	ti.AppIDs = appIDs.String
	ti.TaskParams = rawOrNil(params)
	ti.DryRun = dryRun != 0
	ti.TestFlag = testFlag != 0
	ti.UpdatedAt = fromMillis(updatedAt)
	return ti, nil
}
