// Package postgresstore implements the persistence boundary on Postgres via
// pgx. Claim and expiry run inside transactions with row-level locks so the
// at-most-once dispatch guarantee survives concurrent API replicas.
package postgresstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskexec/internal/logging"
	"taskexec/internal/server/app"
	"taskexec/internal/server/ports"
)

const (
	taskTable         = "tasks"
	taskLogTable      = "task_logs"
	workerTable       = "workers"
	conversationTable = "llm_conversations"
)

// Store is the Postgres-backed implementation of ports.Store.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
	now    func() time.Time
}

// New constructs a Postgres-backed store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("PostgresStore"),
		now:    time.Now,
	}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id UUID PRIMARY KEY,
    problem_id TEXT NOT NULL,
    status TEXT NOT NULL,
    parameters JSONB NOT NULL DEFAULT '{}'::jsonb,
    priority INT NOT NULL DEFAULT 5,
    backend_type TEXT NOT NULL DEFAULT 'internal',
    worker_id TEXT NOT NULL DEFAULT '',
    result JSONB,
    error_details JSONB,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    timeout_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON %[1]s (status, backend_type, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_tasks_timeout ON %[1]s (status, timeout_at);
CREATE INDEX IF NOT EXISTS idx_tasks_worker ON %[1]s (worker_id);

CREATE TABLE IF NOT EXISTS %[2]s (
    task_id UUID NOT NULL REFERENCES %[1]s (id) ON DELETE CASCADE,
    seq BIGINT NOT NULL,
    level TEXT NOT NULL,
    ts TIMESTAMPTZ NOT NULL,
    message TEXT NOT NULL,
    context JSONB,
    PRIMARY KEY (task_id, seq)
);

CREATE TABLE IF NOT EXISTS %[3]s (
    id TEXT PRIMARY KEY,
    backend_type TEXT NOT NULL,
    status TEXT NOT NULL,
    capabilities JSONB NOT NULL DEFAULT '{}'::jsonb,
    metadata JSONB,
    current_task_id TEXT NOT NULL DEFAULT '',
    last_heartbeat TIMESTAMPTZ NOT NULL,
    registered_at TIMESTAMPTZ NOT NULL,
    tasks_completed BIGINT NOT NULL DEFAULT 0,
    tasks_failed BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_workers_liveness ON %[3]s (status, last_heartbeat);

CREATE TABLE IF NOT EXISTS %[4]s (
    id UUID PRIMARY KEY,
    task_id UUID NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    messages JSONB NOT NULL DEFAULT '[]'::jsonb,
    tokens_prompt BIGINT NOT NULL DEFAULT 0,
    tokens_completion BIGINT NOT NULL DEFAULT 0,
    cost_estimate DOUBLE PRECISION NOT NULL DEFAULT 0,
    metadata JSONB,
    success BOOLEAN,
    started_at TIMESTAMPTZ NOT NULL,
    ended_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_conversations_task ON %[4]s (task_id);
`, taskTable, taskLogTable, workerTable, conversationTable)

	_, err := s.pool.Exec(ctx, query)
	return err
}

const taskColumns = `id, problem_id, status, parameters, priority, backend_type, worker_id,
result, error_details, created_at, updated_at, started_at, completed_at, timeout_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*ports.Task, error) {
	var (
		task       ports.Task
		paramsJSON []byte
		resultJSON []byte
		errJSON    []byte
	)
	err := row.Scan(
		&task.ID,
		&task.ProblemID,
		&task.Status,
		&paramsJSON,
		&task.Priority,
		&task.BackendType,
		&task.WorkerID,
		&resultJSON,
		&errJSON,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.StartedAt,
		&task.CompletedAt,
		&task.TimeoutAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeJSONB(paramsJSON, &task.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if err := decodeJSONB(resultJSON, &task.Result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if err := decodeJSONB(errJSON, &task.ErrorDetails); err != nil {
		return nil, fmt.Errorf("decode error details: %w", err)
	}
	return &task, nil
}

func decodeJSONB[T any](raw []byte, dst *T) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func encodeJSONB(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// InsertTask stores a new pending task.
func (s *Store) InsertTask(ctx context.Context, spec ports.TaskSpec) (*ports.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	paramsJSON, err := encodeJSONB(spec.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	if paramsJSON == nil {
		paramsJSON = []byte("{}")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, problem_id, status, parameters, priority, backend_type, created_at, updated_at)
VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, now(), now())
RETURNING `+taskColumns, taskTable)

	row := s.pool.QueryRow(ctx, query,
		spec.ProblemID, ports.TaskStatusPending, paramsJSON, spec.Priority, spec.BackendType)
	task, err := scanTask(row)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return task, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*ports.Task, error) {
	query := fmt.Sprintf(`SELECT `+taskColumns+` FROM %s WHERE id = $1`, taskTable)
	task, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return nil, app.NotFoundError(fmt.Sprintf("task %s", id))
		}
		return nil, wrapStoreErr(err)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, newest first, with the total
// count before pagination.
func (s *Store) ListTasks(ctx context.Context, filter ports.TaskFilter) ([]*ports.Task, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.ProblemID != "" {
		args = append(args, filter.ProblemID)
		where += fmt.Sprintf(" AND problem_id = $%d", len(args))
	}
	if filter.WorkerID != "" {
		args = append(args, filter.WorkerID)
		where += fmt.Sprintf(" AND worker_id = $%d", len(args))
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT count(*) FROM %s`, taskTable) + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, wrapStoreErr(err)
	}

	query := fmt.Sprintf(`SELECT `+taskColumns+` FROM %s`, taskTable) + where +
		" ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, wrapStoreErr(err)
	}
	defer rows.Close()

	var tasks []*ports.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapStoreErr(err)
	}
	return tasks, total, nil
}

// CancelTask flips a pending or running task to cancelled.
func (s *Store) CancelTask(ctx context.Context, id string) (*ports.Task, error) {
	return s.withTx(ctx, func(tx pgx.Tx) (*ports.Task, error) {
		task, err := s.lockTask(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if !task.Status.CanTransitionTo(ports.TaskStatusCancelled) {
			return nil, app.ConflictError(fmt.Sprintf("task %s cannot be cancelled from %s", id, task.Status))
		}

		query := fmt.Sprintf(`
UPDATE %s SET status = $2, completed_at = now(), updated_at = now()
WHERE id = $1
RETURNING `+taskColumns, taskTable)
		return scanTask(tx.QueryRow(ctx, query, id, ports.TaskStatusCancelled))
	})
}

// CompleteTask marks a running task completed, verifies ownership, releases
// the worker and bumps its completed counter.
func (s *Store) CompleteTask(ctx context.Context, id, workerID string, result map[string]any) (*ports.Task, error) {
	return s.finishTask(ctx, id, workerID, ports.TaskStatusCompleted, result)
}

// FailTask marks a running task failed, verifies ownership, releases the
// worker and bumps its failed counter.
func (s *Store) FailTask(ctx context.Context, id, workerID string, errorDetails map[string]any) (*ports.Task, error) {
	return s.finishTask(ctx, id, workerID, ports.TaskStatusFailed, errorDetails)
}

func (s *Store) finishTask(ctx context.Context, id, workerID string, status ports.TaskStatus, payload map[string]any) (*ports.Task, error) {
	payloadJSON, err := encodeJSONB(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	return s.withTx(ctx, func(tx pgx.Tx) (*ports.Task, error) {
		task, err := s.lockTask(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if task.Status != ports.TaskStatusRunning {
			return nil, app.ConflictError(fmt.Sprintf("task %s is %s, not running", id, task.Status))
		}
		if task.WorkerID != workerID {
			return nil, app.ConflictError(fmt.Sprintf("task %s is owned by %s", id, task.WorkerID))
		}

		column := "result"
		counter := "tasks_completed"
		if status == ports.TaskStatusFailed {
			column = "error_details"
			counter = "tasks_failed"
		}

		query := fmt.Sprintf(`
UPDATE %s SET status = $2, %s = $3, completed_at = now(), updated_at = now()
WHERE id = $1
RETURNING `+taskColumns, taskTable, column)
		task, err = scanTask(tx.QueryRow(ctx, query, id, status, payloadJSON))
		if err != nil {
			return nil, err
		}

		release := fmt.Sprintf(`
UPDATE %s SET status = $2, current_task_id = '', last_heartbeat = now(), %s = %s + 1
WHERE id = $1`, workerTable, counter, counter)
		if _, err := tx.Exec(ctx, release, workerID, ports.WorkerStatusIdle); err != nil {
			return nil, err
		}
		return task, nil
	})
}

// ClaimNext atomically claims the best eligible pending task for a worker.
// SKIP LOCKED lets concurrent claimants pass over rows another transaction
// is already taking.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*ports.Task, error) {
	worker, err := s.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}

	return s.withTx(ctx, func(tx pgx.Tx) (*ports.Task, error) {
		where := " WHERE status = $1 AND backend_type = $2"
		args := []any{ports.TaskStatusPending, worker.BackendType}
		if len(worker.Capabilities.SupportedProblems) > 0 {
			clauses := make([]string, 0, len(worker.Capabilities.SupportedProblems))
			for _, sub := range worker.Capabilities.SupportedProblems {
				args = append(args, "%"+sub+"%")
				clauses = append(clauses, fmt.Sprintf("problem_id LIKE $%d", len(args)))
			}
			where += " AND (" + joinOr(clauses) + ")"
		}

		query := fmt.Sprintf(`SELECT `+taskColumns+` FROM %s`, taskTable) + where +
			" ORDER BY priority DESC, created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED"
		task, err := scanTask(tx.QueryRow(ctx, query, args...))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}

		timeoutMinutes := task.TimeoutMinutes(30)
		claim := fmt.Sprintf(`
UPDATE %s SET status = $2, worker_id = $3, started_at = now(),
    timeout_at = now() + ($4::double precision * interval '1 minute'), updated_at = now()
WHERE id = $1
RETURNING `+taskColumns, taskTable)
		task, err = scanTask(tx.QueryRow(ctx, claim, task.ID, ports.TaskStatusRunning, workerID, timeoutMinutes))
		if err != nil {
			return nil, err
		}

		mark := fmt.Sprintf(`
UPDATE %s SET status = $2, current_task_id = $3, last_heartbeat = now()
WHERE id = $1`, workerTable)
		if _, err := tx.Exec(ctx, mark, workerID, ports.WorkerStatusBusy, task.ID); err != nil {
			return nil, err
		}
		return task, nil
	})
}

// ExpireRunning flips running tasks past their deadline to timeout and
// releases their workers. The UPDATE is a single statement, so concurrent
// sweepers cannot double-expire a row.
func (s *Store) ExpireRunning(ctx context.Context, now time.Time) ([]*ports.Task, error) {
	query := fmt.Sprintf(`
UPDATE %s SET status = $1,
    error_details = jsonb_build_object('message',
        'task exceeded timeout limit of ' || COALESCE(parameters->>'timeout_minutes', '30') || ' minutes'),
    completed_at = $3, updated_at = $3
WHERE status = $2 AND timeout_at IS NOT NULL AND timeout_at <= $3
RETURNING `+taskColumns, taskTable)

	rows, err := s.pool.Query(ctx, query, ports.TaskStatusTimeout, ports.TaskStatusRunning, now)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var expired []*ports.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, task)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr(err)
	}

	for _, task := range expired {
		if task.WorkerID == "" {
			continue
		}
		release := fmt.Sprintf(`
UPDATE %s SET status = $2, current_task_id = ''
WHERE id = $1 AND current_task_id = $3`, workerTable)
		if _, err := s.pool.Exec(ctx, release, task.WorkerID, ports.WorkerStatusIdle, task.ID); err != nil {
			s.logger.Error("release worker %s after timeout: %v", task.WorkerID, err)
		}
	}
	return expired, nil
}

// AppendLog appends a log entry with the next per-task sequence number. The
// (task_id, seq) primary key catches races between concurrent appenders, in
// which case the insert retries with a fresh seq.
func (s *Store) AppendLog(ctx context.Context, taskID string, level ports.LogLevel, message string, logCtx map[string]any) error {
	ctxJSON, err := encodeJSONB(logCtx)
	if err != nil {
		return fmt.Errorf("encode log context: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (task_id, seq, level, ts, message, context)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, now(), $3, $4 FROM %s WHERE task_id = $1`,
		taskLogTable, taskLogTable)

	for attempt := 0; attempt < 3; attempt++ {
		_, err = s.pool.Exec(ctx, query, taskID, level, message, ctxJSON)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			continue
		}
		if isForeignKeyViolation(err) || isInvalidUUID(err) {
			return app.NotFoundError(fmt.Sprintf("task %s", taskID))
		}
		return wrapStoreErr(err)
	}
	return wrapStoreErr(err)
}

// ListLogs returns a task's log entries in seq order.
func (s *Store) ListLogs(ctx context.Context, taskID string, level ports.LogLevel, limit int) ([]*ports.TaskLog, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	args := []any{taskID}
	query := fmt.Sprintf(`SELECT task_id, seq, level, ts, message, context FROM %s WHERE task_id = $1`, taskLogTable)
	if level != "" {
		args = append(args, level)
		query += fmt.Sprintf(" AND level = $%d", len(args))
	}
	query += " ORDER BY seq ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var logs []*ports.TaskLog
	for rows.Next() {
		var (
			entry   ports.TaskLog
			ctxJSON []byte
		)
		if err := rows.Scan(&entry.TaskID, &entry.Seq, &entry.Level, &entry.Timestamp, &entry.Message, &ctxJSON); err != nil {
			return nil, err
		}
		if err := decodeJSONB(ctxJSON, &entry.Context); err != nil {
			return nil, fmt.Errorf("decode log context: %w", err)
		}
		logs = append(logs, &entry)
	}
	return logs, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) (*ports.Task, error)) (*ports.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	task, err := fn(tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrapStoreErr(err)
	}
	return task, nil
}

func (s *Store) lockTask(ctx context.Context, tx pgx.Tx, id string) (*ports.Task, error) {
	query := fmt.Sprintf(`SELECT `+taskColumns+` FROM %s WHERE id = $1 FOR UPDATE`, taskTable)
	task, err := scanTask(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return nil, app.NotFoundError(fmt.Sprintf("task %s", id))
		}
		return nil, err
	}
	return task, nil
}

func joinOr(clauses []string) string {
	out := ""
	for i, clause := range clauses {
		if i > 0 {
			out += " OR "
		}
		out += clause
	}
	return out
}

func isInvalidUUID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// wrapStoreErr marks connectivity-level failures as transient so handlers
// can map them to 503.
func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exceptions, 57 operator intervention.
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57") {
			return app.UnavailableError(err.Error())
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Network-level failures from the pool surface as plain errors.
	return app.UnavailableError(err.Error())
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return app.UnavailableError("store not initialized")
	}
	if err := s.pool.Ping(ctx); err != nil {
		return app.UnavailableError(err.Error())
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}
