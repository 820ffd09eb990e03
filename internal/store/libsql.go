package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowmaster/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies the pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	_, err := runMigrations(ctx, s.db)
	return err
}

// SchemaVersion returns the applied schema version; Migrate must have run.
func (s *LibSQLStore) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Commands ---

const commandColumns = `id, command_type, workflow_definition_code, workflow_definition_version, workflow_instance_id,
	executor_id, schedule_time, command_param, task_depend_type, failure_strategy, worker_group,
	environment_code, priority, dry_run, test_flag, created_at, updated_at`

func commandArgs(c *Command) []any {
	return []any{
		string(c.Type), c.WorkflowDefinitionCode, c.WorkflowDefinitionVersion, c.WorkflowInstanceID,
		c.ExecutorID, nullMillis(c.ScheduleTime), nullRaw(c.CommandParam), nullStr(string(c.TaskDependType)),
		nullStr(string(c.FailureStrategy)), nullStr(c.WorkerGroup), c.EnvironmentCode, c.Priority,
		boolInt(c.DryRun), boolInt(c.TestFlag), millis(timeOrNow(c.CreatedAt)), millis(timeOrNow(c.UpdatedAt)),
	}
}

func (s *LibSQLStore) CreateCommand(ctx context.Context, cmd *Command) error {
	if cmd.Type == "" {
		return schema.NewError(schema.ErrCodeValidation, "command type is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (command_type, workflow_definition_code, workflow_definition_version, workflow_instance_id,
			executor_id, schedule_time, command_param, task_depend_type, failure_strategy, worker_group,
			environment_code, priority, dry_run, test_flag, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		commandArgs(cmd)...,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	cmd.ID = id
	return nil
}

// ListCommands returns pending commands, highest priority first, then oldest first.
func (s *LibSQLStore) ListCommands(ctx context.Context, limit int) ([]*Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands ORDER BY priority DESC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []*Command
	for rows.Next() {
		c := &Command{}
		if err := scanCommandInto(rows, c); err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

func (s *LibSQLStore) DeleteCommand(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM commands WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "command", id)
}

// MoveToErrorCommand copies cmd into error_commands with message and deletes it, atomically.
func (s *LibSQLStore) MoveToErrorCommand(ctx context.Context, cmd *Command, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin move command: %w", err)
	}
	defer tx.Rollback()

	args := append([]any{cmd.ID}, commandArgs(cmd)...)
	args = append(args, message)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO error_commands (`+commandColumns+`, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET message=excluded.message, updated_at=excluded.updated_at`,
		args...,
	); err != nil {
		return fmt.Errorf("insert error command: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM commands WHERE id = ?`, cmd.ID); err != nil {
		return fmt.Errorf("delete command: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListErrorCommands(ctx context.Context, limit int) ([]*ErrorCommand, error) {
	query := `SELECT ` + commandColumns + `, message FROM error_commands ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ErrorCommand
	for rows.Next() {
		ec := &ErrorCommand{}
		var msg sql.NullString
		if err := scanCommandInto(rows, &ec.Command, &msg); err != nil {
			return nil, err
		}
		ec.Message = msg.String
		out = append(out, ec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommandInto(r rowScanner, c *Command, extra ...any) error {
	var (
		cmdType                                  string
		scheduleTime                             sql.NullInt64
		param, dependType, strategy, workerGroup sql.NullString
		dryRun, testFlag                         int
		createdAt, updatedAt                     int64
	)
	dest := []any{&c.ID, &cmdType, &c.WorkflowDefinitionCode, &c.WorkflowDefinitionVersion, &c.WorkflowInstanceID,
		&c.ExecutorID, &scheduleTime, &param, &dependType, &strategy, &workerGroup,
		&c.EnvironmentCode, &c.Priority, &dryRun, &testFlag, &createdAt, &updatedAt}
	if err := r.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	c.Type = schema.CommandType(cmdType)
	c.ScheduleTime = ptrFromMillis(scheduleTime)
	c.CommandParam = rawOrNil(param)
	c.TaskDependType = schema.TaskDependType(dependType.String)
	c.FailureStrategy = schema.FailureStrategy(strategy.String)
	c.WorkerGroup = workerGroup.String
	c.DryRun = dryRun != 0
	c.TestFlag = testFlag != 0
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return nil
}

// --- Definitions ---

// SaveWorkflowSpec stores a workflow version with its tasks and relations, replacing
// any previous content of the same version.
func (s *LibSQLStore) SaveWorkflowSpec(ctx context.Context, spec *schema.WorkflowSpec) error {
	wf := spec.Workflow
	if wf.Code == 0 || wf.Version == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow code and version are required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save workflow: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_definitions (code, version, name, project_code, global_params, timeout, flag, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(code, version) DO UPDATE SET
		   name=excluded.name, project_code=excluded.project_code, global_params=excluded.global_params,
		   timeout=excluded.timeout, flag=excluded.flag, updated_at=excluded.updated_at`,
		wf.Code, wf.Version, wf.Name, wf.ProjectCode, marshalProps(wf.GlobalParams), wf.Timeout, int(wf.Flag),
		millis(timeOrNow(wf.CreatedAt)), millis(time.Now().UTC()),
	); err != nil {
		return fmt.Errorf("upsert workflow definition: %w", err)
	}

	for _, stmt := range []string{
		`DELETE FROM workflow_tasks WHERE workflow_code = ? AND workflow_version = ?`,
		`DELETE FROM task_relations WHERE workflow_code = ? AND workflow_version = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, wf.Code, wf.Version); err != nil {
			return fmt.Errorf("clear workflow version: %w", err)
		}
	}

	for i, t := range spec.Tasks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_definitions (code, version, name, task_type, task_params, local_params, flag, execute_type,
				worker_group, environment_code, priority, fail_retry_times, fail_retry_interval, timeout)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(code, version) DO UPDATE SET
			   name=excluded.name, task_type=excluded.task_type, task_params=excluded.task_params,
			   local_params=excluded.local_params, flag=excluded.flag, execute_type=excluded.execute_type,
			   worker_group=excluded.worker_group, environment_code=excluded.environment_code,
			   priority=excluded.priority, fail_retry_times=excluded.fail_retry_times,
			   fail_retry_interval=excluded.fail_retry_interval, timeout=excluded.timeout`,
			t.Code, t.Version, t.Name, t.TaskType, nullRaw(t.TaskParams), marshalProps(t.LocalParams), int(t.Flag),
			string(executeTypeOrBatch(t.ExecuteType)), nullStr(t.WorkerGroup), t.EnvironmentCode, t.Priority,
			t.FailRetryTimes, t.FailRetryInterval, t.Timeout,
		); err != nil {
			return fmt.Errorf("upsert task definition %d: %w", t.Code, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_tasks (workflow_code, workflow_version, task_code, task_version, position) VALUES (?, ?, ?, ?, ?)`,
			wf.Code, wf.Version, t.Code, t.Version, i,
		); err != nil {
			return fmt.Errorf("link task %d: %w", t.Code, err)
		}
	}

	for _, r := range spec.Relations {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_relations (workflow_code, workflow_version, pre_task_code, post_task_code) VALUES (?, ?, ?, ?)`,
			wf.Code, wf.Version, r.PreTaskCode, r.PostTaskCode,
		); err != nil {
			return fmt.Errorf("insert relation %d->%d: %w", r.PreTaskCode, r.PostTaskCode, err)
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetWorkflowSpec(ctx context.Context, code int64, version int) (*schema.WorkflowSpec, error) {
	if version == 0 {
		var latest sql.NullInt64
		if err := s.db.QueryRowContext(ctx,
			`SELECT MAX(version) FROM workflow_definitions WHERE code = ?`, code,
		).Scan(&latest); err != nil {
			return nil, err
		}
		if !latest.Valid {
			return nil, storeNotFound("workflow definition", code)
		}
		version = int(latest.Int64)
	}

	spec := &schema.WorkflowSpec{}
	wf := &spec.Workflow
	var globalParams string
	var flag int
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT code, version, name, project_code, global_params, timeout, flag, created_at, updated_at
		 FROM workflow_definitions WHERE code = ? AND version = ?`, code, version,
	).Scan(&wf.Code, &wf.Version, &wf.Name, &wf.ProjectCode, &globalParams, &wf.Timeout, &flag, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow definition", fmt.Sprintf("%d:%d", code, version))
	}
	if err != nil {
		return nil, err
	}
	wf.GlobalParams = unmarshalProps(globalParams)
	wf.Flag = schema.Flag(flag)
	wf.CreatedAt = fromMillis(createdAt)
	wf.UpdatedAt = fromMillis(updatedAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskDefinitionColumns+`
		 FROM workflow_tasks wt JOIN task_definitions td ON td.code = wt.task_code AND td.version = wt.task_version
		 WHERE wt.workflow_code = ? AND wt.workflow_version = ? ORDER BY wt.position`, code, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTaskDefinition(rows)
		if err != nil {
			return nil, err
		}
		spec.Tasks = append(spec.Tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	relRows, err := s.db.QueryContext(ctx,
		`SELECT pre_task_code, post_task_code FROM task_relations
		 WHERE workflow_code = ? AND workflow_version = ? ORDER BY pre_task_code, post_task_code`, code, version)
	if err != nil {
		return nil, err
	}
	defer relRows.Close()
	for relRows.Next() {
		r := schema.TaskRelation{WorkflowDefinitionCode: code, WorkflowDefinitionVersion: version}
		if err := relRows.Scan(&r.PreTaskCode, &r.PostTaskCode); err != nil {
			return nil, err
		}
		spec.Relations = append(spec.Relations, r)
	}
	return spec, relRows.Err()
}

func (s *LibSQLStore) GetTaskDefinition(ctx context.Context, code int64) (*schema.TaskDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskDefinitionColumns+` FROM task_definitions td WHERE td.code = ? ORDER BY td.version DESC LIMIT 1`, code)
	t, err := scanTaskDefinition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task definition", code)
	}
	return t, err
}

const taskDefinitionColumns = `td.code, td.version, td.name, td.task_type, td.task_params, td.local_params, td.flag,
	td.execute_type, td.worker_group, td.environment_code, td.priority, td.fail_retry_times, td.fail_retry_interval, td.timeout`

func scanTaskDefinition(r rowScanner) (*schema.TaskDefinition, error) {
	t := &schema.TaskDefinition{}
	var params, workerGroup sql.NullString
	var localParams, executeType string
	var flag int
	if err := r.Scan(&t.Code, &t.Version, &t.Name, &t.TaskType, &params, &localParams, &flag, &executeType,
		&workerGroup, &t.EnvironmentCode, &t.Priority, &t.FailRetryTimes, &t.FailRetryInterval, &t.Timeout); err != nil {
		return nil, err
	}
	t.TaskParams = rawOrNil(params)
	t.LocalParams = unmarshalProps(localParams)
	t.Flag = schema.Flag(flag)
	t.ExecuteType = schema.TaskExecuteType(executeType)
	t.WorkerGroup = workerGroup.String
	return t, nil
}

// --- Helpers ---

func storeNotFound(resource string, id any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %v not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// Timestamps are stored as unix milliseconds so interval comparisons are exact.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func ptrFromMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalProps(props []schema.Property) string {
	if len(props) == 0 {
		return "[]"
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalProps(s string) []schema.Property {
	if s == "" || s == "[]" {
		return nil
	}
	var props []schema.Property
	_ = json.Unmarshal([]byte(s), &props)
	return props
}

func executeTypeOrBatch(t schema.TaskExecuteType) schema.TaskExecuteType {
	if t == "" {
		return schema.TaskExecuteBatch
	}
	return t
}

// int64List renders ids for an IN (...) clause; ids are integers so no quoting is needed.
func int64List(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
