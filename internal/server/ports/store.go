package ports

import (
	"context"
	"time"
)

// TaskSpec is the validated input for creating a task. Parameters carry the
// normalized defaults (priority, max_steps, timeout_minutes, agent_config);
// unrecognized keys are preserved verbatim.
type TaskSpec struct {
	ProblemID   string
	Parameters  map[string]any
	Priority    int
	BackendType string
}

// Store is the transactional persistence boundary for tasks, logs, workers
// and conversations. Implementations must make ClaimNext and ExpireRunning
// atomic so that at-most-once dispatch holds across concurrent callers.
type Store interface {
	// Tasks.
	InsertTask(ctx context.Context, spec TaskSpec) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, int, error)
	// CancelTask flips a pending or running task to cancelled; any other
	// current status yields ErrConflict.
	CancelTask(ctx context.Context, id string) (*Task, error)
	// CompleteTask and FailTask require the task to be running and owned by
	// workerID; they also release the worker and bump its lifetime counters.
	CompleteTask(ctx context.Context, id, workerID string, result map[string]any) (*Task, error)
	FailTask(ctx context.Context, id, workerID string, errorDetails map[string]any) (*Task, error)
	// ClaimNext atomically claims the highest-priority pending task matching
	// the worker's backend type and capabilities. Returns (nil, nil) when no
	// task is eligible.
	ClaimNext(ctx context.Context, workerID string) (*Task, error)
	// ExpireRunning flips running tasks whose deadline has passed to timeout
	// and releases their workers. Idempotent over the same window.
	ExpireRunning(ctx context.Context, now time.Time) ([]*Task, error)
	TaskStats(ctx context.Context) (*TaskStats, error)
	QueueStats(ctx context.Context) (map[TaskStatus]int, error)

	// Task logs (append-only, per-task monotonic seq).
	AppendLog(ctx context.Context, taskID string, level LogLevel, message string, logCtx map[string]any) error
	ListLogs(ctx context.Context, taskID string, level LogLevel, limit int) ([]*TaskLog, error)

	// Workers.
	UpsertWorker(ctx context.Context, w *Worker) (*Worker, error)
	GetWorker(ctx context.Context, id string) (*Worker, error)
	ListWorkers(ctx context.Context, filter WorkerFilter) ([]*Worker, error)
	Heartbeat(ctx context.Context, workerID string, status WorkerStatus, currentTaskID string) (*Worker, error)
	// MarkStaleWorkersOffline flips workers that have missed the heartbeat
	// window to offline and clears their current task pointer. Task rows are
	// left untouched; the task deadline handles eviction.
	MarkStaleWorkersOffline(ctx context.Context, cutoff time.Time) ([]string, error)
	WorkerStats(ctx context.Context, workerID string) (*WorkerStats, error)

	// LLM conversations.
	InsertConversation(ctx context.Context, c *Conversation) error
	UpdateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, int, error)
	ConversationStats(ctx context.Context) (*ConversationStats, error)

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error
	Close()
}
