package app

import (
	"context"
	"fmt"

	"taskexec/internal/logging"
	"taskexec/internal/observability"
	"taskexec/internal/server/ports"
)

// TaskDefaults are the submission-time defaults applied to new tasks.
type TaskDefaults struct {
	TimeoutMinutes float64
	MaxSteps       int
	Priority       int
	AgentModel     string
}

// CreateTaskRequest is the validated input for task submission.
type CreateTaskRequest struct {
	ProblemID   string         `json:"problem_id"`
	Parameters  map[string]any `json:"parameters"`
	Priority    *int           `json:"priority"`
	BackendType string         `json:"backend_type"`
}

// TaskService implements task submission, inspection and cancellation.
type TaskService struct {
	store    ports.Store
	defaults TaskDefaults
	guard    *ShutdownGuard
	metrics  *observability.MetricsCollector
	logger   logging.Logger
}

// NewTaskService constructs a TaskService.
func NewTaskService(store ports.Store, defaults TaskDefaults, guard *ShutdownGuard, metrics *observability.MetricsCollector) *TaskService {
	if guard == nil {
		guard = NewShutdownGuard()
	}
	return &TaskService{
		store:    store,
		defaults: defaults,
		guard:    guard,
		metrics:  metrics,
		logger:   logging.NewComponentLogger("TaskService"),
	}
}

// Create validates and persists a new pending task, writing its creation log
// entry. Submission is refused while the service is draining.
func (s *TaskService) Create(ctx context.Context, req CreateTaskRequest) (*ports.Task, error) {
	if err := s.guard.Check(); err != nil {
		return nil, err
	}
	if req.ProblemID == "" {
		return nil, ValidationError("problem_id is required")
	}

	priority := s.defaults.Priority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < 1 || priority > 10 {
		return nil, ValidationError(fmt.Sprintf("priority must be in [1,10], got %d", priority))
	}

	backend := req.BackendType
	if backend == "" {
		backend = ports.BackendInternal
	}

	spec := ports.TaskSpec{
		ProblemID:   req.ProblemID,
		Parameters:  s.normalizeParameters(req.Parameters),
		Priority:    priority,
		BackendType: backend,
	}

	task, err := s.store.InsertTask(ctx, spec)
	if err != nil {
		return nil, err
	}

	logCtx := map[string]any{
		"problem_id":   task.ProblemID,
		"priority":     task.Priority,
		"backend_type": task.BackendType,
	}
	if err := s.store.AppendLog(ctx, task.ID, ports.LogLevelInfo, "task created", logCtx); err != nil {
		s.logger.Warn("append creation log for task %s: %v", task.ID, err)
	}

	s.metrics.RecordTaskCreated(ctx, task.ProblemID, task.BackendType)
	s.logger.Info("task %s created for problem %s (priority %d)", task.ID, task.ProblemID, task.Priority)
	return task, nil
}

// normalizeParameters fills in max_steps, timeout_minutes and the agent model
// without clobbering caller-provided values. Unrecognized keys pass through.
func (s *TaskService) normalizeParameters(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+3)
	for k, v := range params {
		out[k] = v
	}
	if _, ok := out["max_steps"]; !ok {
		out["max_steps"] = s.defaults.MaxSteps
	}
	if _, ok := out["timeout_minutes"]; !ok {
		out["timeout_minutes"] = s.defaults.TimeoutMinutes
	}

	agentCfg, _ := out["agent_config"].(map[string]any)
	if agentCfg == nil {
		agentCfg = make(map[string]any)
	} else {
		copied := make(map[string]any, len(agentCfg))
		for k, v := range agentCfg {
			copied[k] = v
		}
		agentCfg = copied
	}
	if model, _ := agentCfg["model"].(string); model == "" {
		agentCfg["model"] = s.defaults.AgentModel
	}
	out["agent_config"] = agentCfg
	return out
}

// Get retrieves a task by ID.
func (s *TaskService) Get(ctx context.Context, id string) (*ports.Task, error) {
	return s.store.GetTask(ctx, id)
}

// List returns tasks matching the filter and the total match count.
func (s *TaskService) List(ctx context.Context, filter ports.TaskFilter) ([]*ports.Task, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, ValidationError(fmt.Sprintf("unknown status %q", filter.Status))
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.store.ListTasks(ctx, filter)
}

// Cancel flips a pending or running task to cancelled and records the
// cancellation in the task log.
func (s *TaskService) Cancel(ctx context.Context, id string) (*ports.Task, error) {
	task, err := s.store.CancelTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendLog(ctx, id, ports.LogLevelInfo, "task cancelled", nil); err != nil {
		s.logger.Warn("append cancel log for task %s: %v", id, err)
	}
	s.metrics.RecordTaskFinished(ctx, string(ports.TaskStatusCancelled), 0)
	s.logger.Info("task %s cancelled", id)
	return task, nil
}

// Logs returns a task's execution log.
func (s *TaskService) Logs(ctx context.Context, id string, level ports.LogLevel, limit int) ([]*ports.TaskLog, error) {
	if level != "" && !level.Valid() {
		return nil, ValidationError(fmt.Sprintf("unknown log level %q", level))
	}
	if limit < 0 {
		return nil, ValidationError("limit must not be negative")
	}
	return s.store.ListLogs(ctx, id, level, limit)
}

// AppendLog records an execution log entry for a task.
func (s *TaskService) AppendLog(ctx context.Context, id string, level ports.LogLevel, message string, logCtx map[string]any) error {
	if message == "" {
		return ValidationError("message is required")
	}
	if level == "" {
		level = ports.LogLevelInfo
	}
	if !level.Valid() {
		return ValidationError(fmt.Sprintf("unknown log level %q", level))
	}
	return s.store.AppendLog(ctx, id, level, message, logCtx)
}

// Stats aggregates execution statistics across all tasks.
func (s *TaskService) Stats(ctx context.Context) (*ports.TaskStats, error) {
	return s.store.TaskStats(ctx)
}

// QueueStats counts tasks per status.
func (s *TaskService) QueueStats(ctx context.Context) (map[ports.TaskStatus]int, error) {
	return s.store.QueueStats(ctx)
}
