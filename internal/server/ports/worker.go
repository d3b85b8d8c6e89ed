package ports

import (
	"regexp"
	"strings"
	"time"
)

// WorkerStatus represents the availability of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusOffline WorkerStatus = "offline"
)

// Valid reports whether s is a known worker status.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStatusIdle, WorkerStatusBusy, WorkerStatusOffline:
		return true
	}
	return false
}

// WorkerIDPattern is the required worker identifier format. Internal workers
// number from 001; external workers use 100 and above.
var WorkerIDPattern = regexp.MustCompile(`^worker-\d{3}-kind$`)

// ValidWorkerID reports whether id matches the worker-NNN-kind format.
func ValidWorkerID(id string) bool {
	return WorkerIDPattern.MatchString(id)
}

// Capabilities declares what a worker can run.
type Capabilities struct {
	MaxParallelTasks int `json:"max_parallel_tasks"`
	// SupportedProblems holds substrings matched against problem ids.
	// An empty list means the worker accepts any problem.
	SupportedProblems []string `json:"supported_problems"`
}

// Supports applies the substring containment rule to a problem id.
func (c Capabilities) Supports(problemID string) bool {
	if len(c.SupportedProblems) == 0 {
		return true
	}
	for _, sub := range c.SupportedProblems {
		if strings.Contains(problemID, sub) {
			return true
		}
	}
	return false
}

// Worker is a registered task claimant. The store row is the authoritative
// state; in-process loop handles only mirror it.
type Worker struct {
	ID             string         `json:"worker_id"`
	BackendType    string         `json:"backend_type"`
	Status         WorkerStatus   `json:"status"`
	Capabilities   Capabilities   `json:"capabilities"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CurrentTaskID  string         `json:"current_task_id,omitempty"`
	LastHeartbeat  time.Time      `json:"last_heartbeat"`
	RegisteredAt   time.Time      `json:"registered_at"`
	TasksCompleted int64          `json:"tasks_completed"`
	TasksFailed    int64          `json:"tasks_failed"`
}

// Alive reports claim eligibility: not offline and heartbeating within the
// allowed window.
func (w *Worker) Alive(now time.Time, heartbeatTimeout time.Duration) bool {
	return w.Status != WorkerStatusOffline && now.Sub(w.LastHeartbeat) <= heartbeatTimeout
}

// WorkerFilter narrows ListWorkers results.
type WorkerFilter struct {
	Status      WorkerStatus
	BackendType string
}

// WorkerStats summarizes one worker's lifetime activity.
type WorkerStats struct {
	WorkerID        string       `json:"worker_id"`
	TotalTasks      int64        `json:"total_tasks"`
	SuccessRate     float64      `json:"success_rate"`
	AvgTaskDuration *float64     `json:"average_task_duration,omitempty"`
	UptimeSeconds   float64      `json:"uptime_seconds"`
	CurrentStatus   WorkerStatus `json:"current_status"`
}
