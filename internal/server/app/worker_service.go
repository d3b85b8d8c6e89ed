package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskexec/internal/logging"
	"taskexec/internal/observability"
	"taskexec/internal/server/ports"
)

// RegisterWorkerRequest is the validated input for worker registration.
type RegisterWorkerRequest struct {
	WorkerID     string             `json:"worker_id"`
	BackendType  string             `json:"backend_type"`
	Capabilities ports.Capabilities `json:"capabilities"`
	Metadata     map[string]any     `json:"metadata"`
}

// WorkerService implements worker registration, liveness and the claim,
// complete and fail operations.
type WorkerService struct {
	store   ports.Store
	guard   *ShutdownGuard
	metrics *observability.MetricsCollector
	logger  logging.Logger
}

// NewWorkerService constructs a WorkerService.
func NewWorkerService(store ports.Store, guard *ShutdownGuard, metrics *observability.MetricsCollector) *WorkerService {
	if guard == nil {
		guard = NewShutdownGuard()
	}
	return &WorkerService{
		store:   store,
		guard:   guard,
		metrics: metrics,
		logger:  logging.NewComponentLogger("WorkerService"),
	}
}

// Register creates or re-registers a worker. Re-registration resets the
// worker to idle; any task it was running stays owned until the sweeper
// expires it.
func (s *WorkerService) Register(ctx context.Context, req RegisterWorkerRequest) (*ports.Worker, error) {
	if !ports.ValidWorkerID(req.WorkerID) {
		return nil, ConflictError(fmt.Sprintf("worker id %q does not match worker-NNN-kind", req.WorkerID))
	}
	backend := req.BackendType
	if backend == "" {
		backend = ports.BackendInternal
	}
	if req.Capabilities.MaxParallelTasks <= 0 {
		req.Capabilities.MaxParallelTasks = 1
	}

	existing, err := s.store.GetWorker(ctx, req.WorkerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	worker, err := s.store.UpsertWorker(ctx, &ports.Worker{
		ID:           req.WorkerID,
		BackendType:  backend,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	if existing == nil || existing.Status == ports.WorkerStatusOffline {
		s.metrics.WorkerRegistered(ctx)
	}
	s.logger.Info("worker %s registered (backend %s)", worker.ID, worker.BackendType)
	return worker, nil
}

// Heartbeat refreshes a worker's liveness and reported state.
func (s *WorkerService) Heartbeat(ctx context.Context, workerID string, status ports.WorkerStatus, currentTaskID string) (*ports.Worker, error) {
	if status == "" {
		status = ports.WorkerStatusIdle
	}
	if !status.Valid() {
		return nil, ValidationError(fmt.Sprintf("unknown worker status %q", status))
	}
	return s.store.Heartbeat(ctx, workerID, status, currentTaskID)
}

// Claim attempts to claim the next eligible task for a worker. It returns
// (nil, nil) when no task is eligible or the worker is not idle, and refuses
// outright while the service is draining.
func (s *WorkerService) Claim(ctx context.Context, workerID string) (*ports.Task, error) {
	if err := s.guard.Check(); err != nil {
		return nil, err
	}

	worker, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if worker.Status != ports.WorkerStatusIdle {
		s.logger.Debug("worker %s is %s, claim refused", workerID, worker.Status)
		return nil, nil
	}

	task, err := s.store.ClaimNext(ctx, workerID)
	if err != nil || task == nil {
		return nil, err
	}

	logCtx := map[string]any{"worker_id": workerID}
	if err := s.store.AppendLog(ctx, task.ID, ports.LogLevelInfo, fmt.Sprintf("task claimed by worker %s", workerID), logCtx); err != nil {
		s.logger.Warn("append claim log for task %s: %v", task.ID, err)
	}

	if task.StartedAt != nil {
		s.metrics.RecordTaskClaimed(ctx, task.BackendType, task.StartedAt.Sub(task.CreatedAt))
	}
	s.logger.Info("task %s claimed by worker %s", task.ID, workerID)
	return task, nil
}

// Complete marks a running task completed on behalf of its owning worker.
func (s *WorkerService) Complete(ctx context.Context, taskID, workerID string, result map[string]any) (*ports.Task, error) {
	task, err := s.store.CompleteTask(ctx, taskID, workerID, result)
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendLog(ctx, taskID, ports.LogLevelInfo, "task completed", map[string]any{"worker_id": workerID}); err != nil {
		s.logger.Warn("append completion log for task %s: %v", taskID, err)
	}
	s.metrics.RecordTaskFinished(ctx, string(task.Status), executionTime(task))
	s.logger.Info("task %s completed by worker %s", taskID, workerID)
	return task, nil
}

// Fail marks a running task failed on behalf of its owning worker.
func (s *WorkerService) Fail(ctx context.Context, taskID, workerID string, errorDetails map[string]any) (*ports.Task, error) {
	task, err := s.store.FailTask(ctx, taskID, workerID, errorDetails)
	if err != nil {
		return nil, err
	}
	logCtx := map[string]any{"worker_id": workerID}
	if msg, ok := errorDetails["message"].(string); ok && msg != "" {
		logCtx["error"] = msg
	}
	if err := s.store.AppendLog(ctx, taskID, ports.LogLevelError, "task failed", logCtx); err != nil {
		s.logger.Warn("append failure log for task %s: %v", taskID, err)
	}
	s.metrics.RecordTaskFinished(ctx, string(task.Status), executionTime(task))
	s.logger.Info("task %s failed on worker %s", taskID, workerID)
	return task, nil
}

func executionTime(task *ports.Task) time.Duration {
	if task.StartedAt == nil || task.CompletedAt == nil {
		return 0
	}
	return task.CompletedAt.Sub(*task.StartedAt)
}

// Get retrieves a worker by ID.
func (s *WorkerService) Get(ctx context.Context, id string) (*ports.Worker, error) {
	return s.store.GetWorker(ctx, id)
}

// List returns workers matching the filter.
func (s *WorkerService) List(ctx context.Context, filter ports.WorkerFilter) ([]*ports.Worker, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, ValidationError(fmt.Sprintf("unknown worker status %q", filter.Status))
	}
	return s.store.ListWorkers(ctx, filter)
}

// Stats summarizes one worker's lifetime activity.
func (s *WorkerService) Stats(ctx context.Context, workerID string) (*ports.WorkerStats, error) {
	return s.store.WorkerStats(ctx, workerID)
}
