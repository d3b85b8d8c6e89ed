package postgresstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"taskexec/internal/server/app"
	"taskexec/internal/server/ports"
)

const workerColumns = `id, backend_type, status, capabilities, metadata, current_task_id,
last_heartbeat, registered_at, tasks_completed, tasks_failed`

func scanWorker(row rowScanner) (*ports.Worker, error) {
	var (
		worker   ports.Worker
		capsJSON []byte
		metaJSON []byte
	)
	err := row.Scan(
		&worker.ID,
		&worker.BackendType,
		&worker.Status,
		&capsJSON,
		&metaJSON,
		&worker.CurrentTaskID,
		&worker.LastHeartbeat,
		&worker.RegisteredAt,
		&worker.TasksCompleted,
		&worker.TasksFailed,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeJSONB(capsJSON, &worker.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if err := decodeJSONB(metaJSON, &worker.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &worker, nil
}

// UpsertWorker registers a worker or re-registers an existing one.
// Re-registration resets the worker to idle and clears its task pointer but
// keeps lifetime counters and the original registration time.
func (s *Store) UpsertWorker(ctx context.Context, w *ports.Worker) (*ports.Worker, error) {
	capsJSON, err := json.Marshal(w.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}
	metaJSON, err := encodeJSONB(w.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, backend_type, status, capabilities, metadata, last_heartbeat, registered_at)
VALUES ($1, $2, $3, $4, $5, now(), now())
ON CONFLICT (id) DO UPDATE SET
    backend_type = EXCLUDED.backend_type,
    capabilities = EXCLUDED.capabilities,
    metadata = EXCLUDED.metadata,
    status = EXCLUDED.status,
    current_task_id = '',
    last_heartbeat = now()
RETURNING `+workerColumns, workerTable)

	worker, err := scanWorker(s.pool.QueryRow(ctx, query,
		w.ID, w.BackendType, ports.WorkerStatusIdle, capsJSON, metaJSON))
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return worker, nil
}

// GetWorker retrieves a worker by ID.
func (s *Store) GetWorker(ctx context.Context, id string) (*ports.Worker, error) {
	query := fmt.Sprintf(`SELECT `+workerColumns+` FROM %s WHERE id = $1`, workerTable)
	worker, err := scanWorker(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, app.NotFoundError(fmt.Sprintf("worker %s", id))
		}
		return nil, wrapStoreErr(err)
	}
	return worker, nil
}

// ListWorkers returns workers matching the filter ordered by ID.
func (s *Store) ListWorkers(ctx context.Context, filter ports.WorkerFilter) ([]*ports.Worker, error) {
	where := " WHERE 1=1"
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.BackendType != "" {
		args = append(args, filter.BackendType)
		where += fmt.Sprintf(" AND backend_type = $%d", len(args))
	}

	query := fmt.Sprintf(`SELECT `+workerColumns+` FROM %s`, workerTable) + where + " ORDER BY id ASC"
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var workers []*ports.Worker
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}
	return workers, rows.Err()
}

// Heartbeat refreshes a worker's liveness and reported state.
func (s *Store) Heartbeat(ctx context.Context, workerID string, status ports.WorkerStatus, currentTaskID string) (*ports.Worker, error) {
	query := fmt.Sprintf(`
UPDATE %s SET last_heartbeat = now(), status = $2, current_task_id = $3
WHERE id = $1
RETURNING `+workerColumns, workerTable)

	worker, err := scanWorker(s.pool.QueryRow(ctx, query, workerID, status, currentTaskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, app.NotFoundError(fmt.Sprintf("worker %s", workerID))
		}
		return nil, wrapStoreErr(err)
	}
	return worker, nil
}

// MarkStaleWorkersOffline flips workers whose heartbeat predates cutoff to
// offline. Task rows are untouched; the task deadline handles eviction.
func (s *Store) MarkStaleWorkersOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := fmt.Sprintf(`
UPDATE %s SET status = $1, current_task_id = ''
WHERE status <> $1 AND last_heartbeat < $2
RETURNING id`, workerTable)

	rows, err := s.pool.Query(ctx, query, ports.WorkerStatusOffline, cutoff)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var marked []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		marked = append(marked, id)
	}
	return marked, rows.Err()
}

// WorkerStats summarizes a worker's lifetime activity.
func (s *Store) WorkerStats(ctx context.Context, workerID string) (*ports.WorkerStats, error) {
	worker, err := s.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}

	stats := &ports.WorkerStats{
		WorkerID:      workerID,
		TotalTasks:    worker.TasksCompleted + worker.TasksFailed,
		UptimeSeconds: s.now().Sub(worker.RegisteredAt).Seconds(),
		CurrentStatus: worker.Status,
	}
	if stats.TotalTasks > 0 {
		stats.SuccessRate = float64(worker.TasksCompleted) / float64(stats.TotalTasks)
	}

	query := fmt.Sprintf(`
SELECT avg(EXTRACT(EPOCH FROM completed_at - started_at))
FROM %s
WHERE worker_id = $1 AND status = $2 AND started_at IS NOT NULL AND completed_at IS NOT NULL`,
		taskTable)

	var avg *float64
	if err := s.pool.QueryRow(ctx, query, workerID, ports.TaskStatusCompleted).Scan(&avg); err != nil {
		return nil, wrapStoreErr(err)
	}
	stats.AvgTaskDuration = avg
	return stats, nil
}

// TaskStats aggregates execution statistics across all tasks.
func (s *Store) TaskStats(ctx context.Context) (*ports.TaskStats, error) {
	stats := &ports.TaskStats{
		ByStatus:       make(map[ports.TaskStatus]int),
		TasksByProblem: make(map[string]int),
		TasksByWorker:  make(map[string]int),
	}

	byStatus := fmt.Sprintf(`SELECT status, count(*) FROM %s GROUP BY status`, taskTable)
	rows, err := s.pool.Query(ctx, byStatus)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	for rows.Next() {
		var (
			status ports.TaskStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByStatus[status] = count
		stats.TotalTasks += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr(err)
	}

	byProblem := fmt.Sprintf(`SELECT problem_id, count(*) FROM %s GROUP BY problem_id`, taskTable)
	if err := s.scanCountMap(ctx, byProblem, stats.TasksByProblem); err != nil {
		return nil, err
	}
	byWorker := fmt.Sprintf(`SELECT worker_id, count(*) FROM %s WHERE worker_id <> '' GROUP BY worker_id`, taskTable)
	if err := s.scanCountMap(ctx, byWorker, stats.TasksByWorker); err != nil {
		return nil, err
	}

	terminal := stats.ByStatus[ports.TaskStatusCompleted] +
		stats.ByStatus[ports.TaskStatusFailed] +
		stats.ByStatus[ports.TaskStatusTimeout]
	if terminal > 0 {
		stats.SuccessRate = float64(stats.ByStatus[ports.TaskStatusCompleted]) / float64(terminal)
	}

	avgQuery := fmt.Sprintf(`
SELECT avg(EXTRACT(EPOCH FROM completed_at - started_at))
FROM %s
WHERE status = $1 AND started_at IS NOT NULL AND completed_at IS NOT NULL`, taskTable)
	var avg *float64
	if err := s.pool.QueryRow(ctx, avgQuery, ports.TaskStatusCompleted).Scan(&avg); err != nil {
		return nil, wrapStoreErr(err)
	}
	stats.AvgExecutionSecs = avg
	return stats, nil
}

// QueueStats counts tasks per status, reporting zero for absent statuses.
func (s *Store) QueueStats(ctx context.Context) (map[ports.TaskStatus]int, error) {
	stats := map[ports.TaskStatus]int{
		ports.TaskStatusPending:   0,
		ports.TaskStatusRunning:   0,
		ports.TaskStatusCompleted: 0,
		ports.TaskStatusFailed:    0,
		ports.TaskStatusTimeout:   0,
		ports.TaskStatusCancelled: 0,
	}

	query := fmt.Sprintf(`SELECT status, count(*) FROM %s GROUP BY status`, taskTable)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status ports.TaskStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (s *Store) scanCountMap(ctx context.Context, query string, out map[string]int) error {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return wrapStoreErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			count int
		)
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		out[key] = count
	}
	return rows.Err()
}
