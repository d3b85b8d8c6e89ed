// Package memstore provides an in-memory Store used for development
// deployments and deterministic tests. It implements the same claim and
// lifecycle semantics as the Postgres store under a single mutex.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"taskexec/internal/server/app"
	"taskexec/internal/server/ports"
)

// Store keeps all state in process memory. The single mutex stands in for
// the row-level locking the Postgres store uses: every claim, completion and
// expiry runs under it, so at-most-once dispatch holds by construction.
type Store struct {
	mu            chanLock
	tasks         map[string]*ports.Task
	logs          map[string][]*ports.TaskLog
	workers       map[string]*ports.Worker
	conversations map[string]*ports.Conversation
	now           func() time.Time
}

// chanLock is a context-aware mutex so store calls honor cancellation the
// way pgx pool acquisition does.
type chanLock chan struct{}

func (l chanLock) lock(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l chanLock) unlock() { <-l }

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		mu:            make(chanLock, 1),
		tasks:         make(map[string]*ports.Task),
		logs:          make(map[string][]*ports.TaskLog),
		workers:       make(map[string]*ports.Worker),
		conversations: make(map[string]*ports.Conversation),
		now:           time.Now,
	}
}

// SetClock overrides the time source. Tests use it to drive deadlines.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// InsertTask stores a new pending task and returns a snapshot of it.
func (s *Store) InsertTask(ctx context.Context, spec ports.TaskSpec) (*ports.Task, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.unlock()

	now := s.now()
	task := &ports.Task{
		ID:          uuid.New().String(),
		ProblemID:   spec.ProblemID,
		Status:      ports.TaskStatusPending,
		Parameters:  cloneMap(spec.Parameters),
		Priority:    spec.Priority,
		BackendType: spec.BackendType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.tasks[task.ID] = task
	return cloneTask(task), nil
}

// GetTask retrieves a task snapshot by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*ports.Task, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, app.NotFoundError(fmt.Sprintf("task %s", id))
	}
	return cloneTask(task), nil
}

// ListTasks returns tasks matching the filter, newest first, plus the total
// count before pagination.
func (s *Store) ListTasks(ctx context.Context, filter ports.TaskFilter) ([]*ports.Task, int, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, 0, err
	}
	defer s.mu.unlock()

	matched := make([]*ports.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.ProblemID != "" && task.ProblemID != filter.ProblemID {
			continue
		}
		if filter.WorkerID != "" && task.WorkerID != filter.WorkerID {
			continue
		}
		matched = append(matched, task)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	matched = paginate(matched, filter.Offset, filter.Limit)

	out := make([]*ports.Task, 0, len(matched))
	for _, task := range matched {
		out = append(out, cloneTask(task))
	}
	return out, total, nil
}

// CancelTask flips a pending or running task to cancelled.
func (s *Store) CancelTask(ctx context.Context, id string) (*ports.Task, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, app.NotFoundError(fmt.Sprintf("task %s", id))
	}
	if !task.Status.CanTransitionTo(ports.TaskStatusCancelled) {
		return nil, app.ConflictError(fmt.Sprintf("task %s cannot be cancelled from %s", id, task.Status))
	}

	now := s.now()
	task.Status = ports.TaskStatusCancelled
	task.CompletedAt = &now
	task.UpdatedAt = now
	return cloneTask(task), nil
}

// CompleteTask marks a running task completed, verifies ownership, and
// releases the worker.
func (s *Store) CompleteTask(ctx context.Context, id, workerID string, result map[string]any) (*ports.Task, error) {
	return s.finishTask(ctx, id, workerID, ports.TaskStatusCompleted, result, nil)
}

// FailTask marks a running task failed, verifies ownership, and releases
// the worker.
func (s *Store) FailTask(ctx context.Context, id, workerID string, errorDetails map[string]any) (*ports.Task, error) {
	return s.finishTask(ctx, id, workerID, ports.TaskStatusFailed, nil, errorDetails)
}

func (s *Store) finishTask(ctx context.Context, id, workerID string, status ports.TaskStatus, result, errorDetails map[string]any) (*ports.Task, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, app.NotFoundError(fmt.Sprintf("task %s", id))
	}
	if task.Status != ports.TaskStatusRunning {
		return nil, app.ConflictError(fmt.Sprintf("task %s is %s, not running", id, task.Status))
	}
	if task.WorkerID != workerID {
		return nil, app.ConflictError(fmt.Sprintf("task %s is owned by %s", id, task.WorkerID))
	}

	now := s.now()
	task.Status = status
	task.Result = cloneMap(result)
	task.ErrorDetails = cloneMap(errorDetails)
	task.CompletedAt = &now
	task.UpdatedAt = now

	if worker, ok := s.workers[workerID]; ok {
		worker.Status = ports.WorkerStatusIdle
		worker.CurrentTaskID = ""
		worker.LastHeartbeat = now
		if status == ports.TaskStatusCompleted {
			worker.TasksCompleted++
		} else {
			worker.TasksFailed++
		}
	}
	return cloneTask(task), nil
}

// ClaimNext atomically claims the best eligible pending task for a worker.
// Candidates are ordered by priority descending then creation time; backend
// affinity is strict and capability substrings are applied when present.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*ports.Task, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.unlock()

	worker, ok := s.workers[workerID]
	if !ok {
		return nil, app.NotFoundError(fmt.Sprintf("worker %s", workerID))
	}

	var candidate *ports.Task
	for _, task := range s.tasks {
		if task.Status != ports.TaskStatusPending {
			continue
		}
		if task.BackendType != worker.BackendType {
			continue
		}
		if !worker.Capabilities.Supports(task.ProblemID) {
			continue
		}
		if candidate == nil || claimBefore(task, candidate) {
			candidate = task
		}
	}
	if candidate == nil {
		return nil, nil
	}

	now := s.now()
	deadline := now.Add(time.Duration(candidate.TimeoutMinutes(30) * float64(time.Minute)))
	candidate.Status = ports.TaskStatusRunning
	candidate.WorkerID = workerID
	candidate.StartedAt = &now
	candidate.TimeoutAt = &deadline
	candidate.UpdatedAt = now

	worker.Status = ports.WorkerStatusBusy
	worker.CurrentTaskID = candidate.ID
	worker.LastHeartbeat = now

	return cloneTask(candidate), nil
}

// claimBefore orders claim candidates: higher priority first, FIFO within a
// priority bucket.
func claimBefore(a, b *ports.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// ExpireRunning flips running tasks past their deadline to timeout and
// releases their workers. Calling it again over the same window is a no-op.
func (s *Store) ExpireRunning(ctx context.Context, now time.Time) ([]*ports.Task, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.unlock()

	var expired []*ports.Task
	for _, task := range s.tasks {
		if task.Status != ports.TaskStatusRunning || task.TimeoutAt == nil || task.TimeoutAt.After(now) {
			continue
		}
		task.Status = ports.TaskStatusTimeout
		task.ErrorDetails = map[string]any{
			"message": fmt.Sprintf("task exceeded timeout limit of %g minutes", task.TimeoutMinutes(30)),
		}
		task.CompletedAt = &now
		task.UpdatedAt = now

		if worker, ok := s.workers[task.WorkerID]; ok && worker.CurrentTaskID == task.ID {
			worker.Status = ports.WorkerStatusIdle
			worker.CurrentTaskID = ""
		}
		expired = append(expired, cloneTask(task))
	}
	return expired, nil
}

// AppendLog appends a log entry with the next per-task sequence number.
func (s *Store) AppendLog(ctx context.Context, taskID string, level ports.LogLevel, message string, logCtx map[string]any) error {
	if err := s.mu.lock(ctx); err != nil {
		return err
	}
	defer s.mu.unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return app.NotFoundError(fmt.Sprintf("task %s", taskID))
	}
	entry := &ports.TaskLog{
		TaskID:    taskID,
		Seq:       int64(len(s.logs[taskID]) + 1),
		Level:     level,
		Timestamp: s.now(),
		Message:   message,
		Context:   cloneMap(logCtx),
	}
	s.logs[taskID] = append(s.logs[taskID], entry)
	return nil
}

// ListLogs returns a task's log entries in seq order, optionally filtered by
// level and truncated to limit.
func (s *Store) ListLogs(ctx context.Context, taskID string, level ports.LogLevel, limit int) ([]*ports.TaskLog, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return nil, app.NotFoundError(fmt.Sprintf("task %s", taskID))
	}

	var out []*ports.TaskLog
	for _, entry := range s.logs[taskID] {
		if level != "" && entry.Level != level {
			continue
		}
		clone := *entry
		clone.Context = cloneMap(entry.Context)
		out = append(out, &clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// UpsertWorker registers a new worker or re-registers an existing one.
// Re-registration resets the worker to idle and clears its task pointer but
// preserves lifetime counters.
func (s *Store) UpsertWorker(ctx context.Context, w *ports.Worker) (*ports.Worker, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.unlock()

	now := s.now()
	existing, ok := s.workers[w.ID]
	if ok {
		existing.BackendType = w.BackendType
		existing.Capabilities = w.Capabilities
		existing.Metadata = cloneMap(w.Metadata)
		existing.Status = ports.WorkerStatusIdle
		existing.CurrentTaskID = ""
		existing.LastHeartbeat = now
		return cloneWorker(existing), nil
	}

	worker := &ports.Worker{
		ID:            w.ID,
		BackendType:   w.BackendType,
		Status:        ports.WorkerStatusIdle,
		Capabilities:  w.Capabilities,
		Metadata:      cloneMap(w.Metadata),
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	s.workers[worker.ID] = worker
	return cloneWorker(worker), nil
}

// GetWorker retrieves a worker snapshot by ID.
func (s *Store) GetWorker(ctx context.Context, id string) (*ports.Worker, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.unlock()

	worker, ok := s.workers[id]
	if !ok {
		return nil, app.NotFoundError(fmt.Sprintf("worker %s", id))
	}
	return cloneWorker(worker), nil
}

// ListWorkers returns workers matching the filter ordered by ID.
func (s *Store) ListWorkers(ctx context.Context, filter ports.WorkerFilter) ([]*ports.Worker, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.unlock()

	out := make([]*ports.Worker, 0, len(s.workers))
	for _, worker := range s.workers {
		if filter.Status != "" && worker.Status != filter.Status {
			continue
		}
		if filter.BackendType != "" && worker.BackendType != filter.BackendType {
			continue
		}
		out = append(out, cloneWorker(worker))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Heartbeat refreshes a worker's liveness and reported state.
func (s *Store) Heartbeat(ctx context.Context, workerID string, status ports.WorkerStatus, currentTaskID string) (*ports.Worker, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.unlock()

	worker, ok := s.workers[workerID]
	if !ok {
		return nil, app.NotFoundError(fmt.Sprintf("worker %s", workerID))
	}
	worker.LastHeartbeat = s.now()
	worker.Status = status
	worker.CurrentTaskID = currentTaskID
	return cloneWorker(worker), nil
}

// MarkStaleWorkersOffline flips workers whose heartbeat predates cutoff to
// offline. Task rows are left untouched.
func (s *Store) MarkStaleWorkersOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.unlock()

	var marked []string
	for _, worker := range s.workers {
		if worker.Status == ports.WorkerStatusOffline || !worker.LastHeartbeat.Before(cutoff) {
			continue
		}
		worker.Status = ports.WorkerStatusOffline
		worker.CurrentTaskID = ""
		marked = append(marked, worker.ID)
	}
	sort.Strings(marked)
	return marked, nil
}

// WorkerStats summarizes a worker's lifetime activity.
func (s *Store) WorkerStats(ctx context.Context, workerID string) (*ports.WorkerStats, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.unlock()

	worker, ok := s.workers[workerID]
	if !ok {
		return nil, app.NotFoundError(fmt.Sprintf("worker %s", workerID))
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

	var totalSecs float64
	var completed int
	for _, task := range s.tasks {
		if task.WorkerID != workerID || task.Status != ports.TaskStatusCompleted {
			continue
		}
		if task.StartedAt == nil || task.CompletedAt == nil {
			continue
		}
		totalSecs += task.CompletedAt.Sub(*task.StartedAt).Seconds()
		completed++
	}
	if completed > 0 {
		avg := totalSecs / float64(completed)
		stats.AvgTaskDuration = &avg
	}
	return stats, nil
}

// TaskStats aggregates execution statistics across all tasks.
func (s *Store) TaskStats(ctx context.Context) (*ports.TaskStats, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.unlock()

	stats := &ports.TaskStats{
		ByStatus:       make(map[ports.TaskStatus]int),
		TasksByProblem: make(map[string]int),
		TasksByWorker:  make(map[string]int),
	}

	var totalSecs float64
	var completedWithTimes int
	for _, task := range s.tasks {
		stats.TotalTasks++
		stats.ByStatus[task.Status]++
		stats.TasksByProblem[task.ProblemID]++
		if task.WorkerID != "" {
			stats.TasksByWorker[task.WorkerID]++
		}
		if task.Status == ports.TaskStatusCompleted && task.StartedAt != nil && task.CompletedAt != nil {
			totalSecs += task.CompletedAt.Sub(*task.StartedAt).Seconds()
			completedWithTimes++
		}
	}

	terminal := stats.ByStatus[ports.TaskStatusCompleted] +
		stats.ByStatus[ports.TaskStatusFailed] +
		stats.ByStatus[ports.TaskStatusTimeout]
	if terminal > 0 {
		stats.SuccessRate = float64(stats.ByStatus[ports.TaskStatusCompleted]) / float64(terminal)
	}
	if completedWithTimes > 0 {
		avg := totalSecs / float64(completedWithTimes)
		stats.AvgExecutionSecs = &avg
	}
	return stats, nil
}

// QueueStats counts tasks per status, reporting zero for absent statuses.
func (s *Store) QueueStats(ctx context.Context) (map[ports.TaskStatus]int, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.unlock()

	stats := map[ports.TaskStatus]int{
		ports.TaskStatusPending:   0,
		ports.TaskStatusRunning:   0,
		ports.TaskStatusCompleted: 0,
		ports.TaskStatusFailed:    0,
		ports.TaskStatusTimeout:   0,
		ports.TaskStatusCancelled: 0,
	}
	for _, task := range s.tasks {
		stats[task.Status]++
	}
	return stats, nil
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() {}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneTask(t *ports.Task) *ports.Task {
	clone := *t
	clone.Parameters = cloneMap(t.Parameters)
	clone.Result = cloneMap(t.Result)
	clone.ErrorDetails = cloneMap(t.ErrorDetails)
	clone.StartedAt = cloneTime(t.StartedAt)
	clone.CompletedAt = cloneTime(t.CompletedAt)
	clone.TimeoutAt = cloneTime(t.TimeoutAt)
	return &clone
}

func cloneWorker(w *ports.Worker) *ports.Worker {
	clone := *w
	clone.Metadata = cloneMap(w.Metadata)
	clone.Capabilities.SupportedProblems = append([]string(nil), w.Capabilities.SupportedProblems...)
	return &clone
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
