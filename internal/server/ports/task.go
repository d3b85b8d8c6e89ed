package ports

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusTimeout   TaskStatus = "timeout"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout, TaskStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusTimeout, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo implements the task state machine: pending may move to
// running or cancelled, running to any terminal state, and terminal states
// are immutable.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusRunning || next == TaskStatusCancelled
	case TaskStatusRunning:
		return next.Terminal()
	}
	return false
}

// BackendInternal is the backend type assigned to tasks that do not declare
// one; only workers registered with the same backend type may claim them.
const BackendInternal = "internal"

// Task is an AIOpsLab problem execution request.
type Task struct {
	ID           string         `json:"task_id"`
	ProblemID    string         `json:"problem_id"`
	Status       TaskStatus     `json:"status"`
	Parameters   map[string]any `json:"parameters"`
	Priority     int            `json:"priority"`
	BackendType  string         `json:"backend_type"`
	WorkerID     string         `json:"worker_id,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	TimeoutAt    *time.Time     `json:"timeout_at,omitempty"`
}

// TimeoutMinutes reads parameters.timeout_minutes, falling back to def.
// Fractional values are honored so short deadlines can be expressed.
func (t *Task) TimeoutMinutes(def float64) float64 {
	return paramFloat(t.Parameters, "timeout_minutes", def)
}

// MaxSteps reads parameters.max_steps, falling back to def.
func (t *Task) MaxSteps(def int) int {
	return int(paramFloat(t.Parameters, "max_steps", float64(def)))
}

// AgentModel reads parameters.agent_config.model, or "" when unset.
func (t *Task) AgentModel() string {
	cfg, ok := t.Parameters["agent_config"].(map[string]any)
	if !ok {
		return ""
	}
	model, _ := cfg["model"].(string)
	return model
}

// paramFloat tolerates the numeric types JSON decoding can produce.
func paramFloat(params map[string]any, key string, def float64) float64 {
	raw, ok := params[key]
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// LogLevel classifies task log entries.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Valid reports whether l is a known log level.
func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// TaskLog is an append-only execution log entry. Seq is strictly increasing
// and gap-free per task; entries are never mutated after insert.
type TaskLog struct {
	TaskID    string         `json:"task_id"`
	Seq       int64          `json:"seq"`
	Level     LogLevel       `json:"level"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Status    TaskStatus
	ProblemID string
	WorkerID  string
	Limit     int
	Offset    int
}

// TaskStats aggregates execution statistics across all tasks.
type TaskStats struct {
	TotalTasks       int                `json:"total_tasks"`
	ByStatus         map[TaskStatus]int `json:"by_status"`
	SuccessRate      float64            `json:"success_rate"`
	AvgExecutionSecs *float64           `json:"avg_execution_seconds,omitempty"`
	TasksByProblem   map[string]int     `json:"tasks_by_problem"`
	TasksByWorker    map[string]int     `json:"tasks_by_worker"`
}
