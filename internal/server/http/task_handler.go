package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"taskexec/internal/server/app"
	"taskexec/internal/server/ports"
)

// TaskHandler serves the /tasks routes.
type TaskHandler struct {
	tasks *app.TaskService
}

// NewTaskHandler constructs a TaskHandler.
func NewTaskHandler(tasks *app.TaskService) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

type createTaskPayload struct {
	ProblemID  string         `json:"problem_id"`
	Parameters map[string]any `json:"parameters"`
	Priority   *int           `json:"priority"`
}

// Create handles POST /tasks.
func (h *TaskHandler) Create(c *gin.Context) {
	var payload createTaskPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeValidationError(c, "invalid request body: "+err.Error())
		return
	}

	// backend_type travels inside parameters on the wire.
	backend, _ := payload.Parameters["backend_type"].(string)

	task, err := h.tasks.Create(c.Request.Context(), app.CreateTaskRequest{
		ProblemID:   payload.ProblemID,
		Parameters:  payload.Parameters,
		Priority:    payload.Priority,
		BackendType: backend,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// Get handles GET /tasks/:task_id.
func (h *TaskHandler) Get(c *gin.Context) {
	task, err := h.tasks.Get(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// List handles GET /tasks.
func (h *TaskHandler) List(c *gin.Context) {
	filter := ports.TaskFilter{
		Status:    ports.TaskStatus(c.Query("status")),
		ProblemID: c.Query("problem_id"),
		WorkerID:  c.Query("worker_id"),
		Limit:     intQuery(c, "limit", 20),
		Offset:    intQuery(c, "offset", 0),
	}

	tasks, total, err := h.tasks.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	if tasks == nil {
		tasks = []*ports.Task{}
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks":  tasks,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// Cancel handles POST /tasks/:task_id/cancel.
func (h *TaskHandler) Cancel(c *gin.Context) {
	task, err := h.tasks.Cancel(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// Logs handles GET /tasks/:task_id/logs.
func (h *TaskHandler) Logs(c *gin.Context) {
	logs, err := h.tasks.Logs(c.Request.Context(),
		c.Param("task_id"),
		ports.LogLevel(c.Query("level")),
		intQuery(c, "limit", 0))
	if err != nil {
		writeError(c, err)
		return
	}
	if logs == nil {
		logs = []*ports.TaskLog{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "total": len(logs)})
}

// Stats handles GET /tasks/stats.
func (h *TaskHandler) Stats(c *gin.Context) {
	stats, err := h.tasks.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// QueueStats handles GET /queue/stats. Per-status counts plus the overall
// total and the success rate over terminal tasks.
func (h *TaskHandler) QueueStats(c *gin.Context) {
	stats, err := h.tasks.QueueStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	body := gin.H{}
	total := 0
	for status, count := range stats {
		body[string(status)] = count
		total += count
	}
	terminal := stats[ports.TaskStatusCompleted] + stats[ports.TaskStatusFailed] +
		stats[ports.TaskStatusTimeout] + stats[ports.TaskStatusCancelled]
	successRate := 0.0
	if terminal > 0 {
		successRate = float64(stats[ports.TaskStatusCompleted]) / float64(terminal)
	}
	body["total"] = total
	body["success_rate"] = successRate
	c.JSON(http.StatusOK, body)
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return value
}
