package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"taskexec/internal/server/app"
	"taskexec/internal/server/ports"
	"taskexec/internal/worker"
)

// WorkerHandler serves the /workers routes, including the internal pool
// control surface.
type WorkerHandler struct {
	workers *app.WorkerService
	manager *worker.Manager
}

// NewWorkerHandler constructs a WorkerHandler. manager may be nil when the
// in-process pool is disabled; the internal control routes then return 503.
func NewWorkerHandler(workers *app.WorkerService, manager *worker.Manager) *WorkerHandler {
	return &WorkerHandler{workers: workers, manager: manager}
}

// Register handles POST /workers/register.
func (h *WorkerHandler) Register(c *gin.Context) {
	var payload app.RegisterWorkerRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeValidationError(c, "invalid request body: "+err.Error())
		return
	}

	w, err := h.workers.Register(c.Request.Context(), payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

// List handles GET /workers.
func (h *WorkerHandler) List(c *gin.Context) {
	workers, err := h.workers.List(c.Request.Context(), ports.WorkerFilter{
		Status:      ports.WorkerStatus(c.Query("status")),
		BackendType: c.Query("backend_type"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if workers == nil {
		workers = []*ports.Worker{}
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers, "total": len(workers)})
}

// Get handles GET /workers/:worker_id.
func (h *WorkerHandler) Get(c *gin.Context) {
	w, err := h.workers.Get(c.Request.Context(), c.Param("worker_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

type heartbeatPayload struct {
	Status        string `json:"status"`
	CurrentTaskID string `json:"current_task_id"`
}

// Heartbeat handles POST /workers/:worker_id/heartbeat.
func (h *WorkerHandler) Heartbeat(c *gin.Context) {
	var payload heartbeatPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeValidationError(c, "invalid request body: "+err.Error())
		return
	}

	w, err := h.workers.Heartbeat(c.Request.Context(),
		c.Param("worker_id"), ports.WorkerStatus(payload.Status), payload.CurrentTaskID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// Claim handles POST /workers/:worker_id/claim. A null task means nothing
// was eligible.
func (h *WorkerHandler) Claim(c *gin.Context) {
	task, err := h.workers.Claim(c.Request.Context(), c.Param("worker_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

type completePayload struct {
	Result map[string]any `json:"result"`
}

// Complete handles POST /workers/:worker_id/tasks/:task_id/complete.
func (h *WorkerHandler) Complete(c *gin.Context) {
	var payload completePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeValidationError(c, "invalid request body: "+err.Error())
		return
	}

	task, err := h.workers.Complete(c.Request.Context(),
		c.Param("task_id"), c.Param("worker_id"), payload.Result)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type failPayload struct {
	ErrorDetails map[string]any `json:"error_details"`
}

// Fail handles POST /workers/:worker_id/tasks/:task_id/fail.
func (h *WorkerHandler) Fail(c *gin.Context) {
	var payload failPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeValidationError(c, "invalid request body: "+err.Error())
		return
	}

	task, err := h.workers.Fail(c.Request.Context(),
		c.Param("task_id"), c.Param("worker_id"), payload.ErrorDetails)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// Stats handles GET /workers/:worker_id/stats.
func (h *WorkerHandler) Stats(c *gin.Context) {
	stats, err := h.workers.Stats(c.Request.Context(), c.Param("worker_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// PoolStatus handles GET /workers/internal/status.
func (h *WorkerHandler) PoolStatus(c *gin.Context) {
	if h.manager == nil {
		writeError(c, app.UnavailableError("in-process worker pool disabled"))
		return
	}
	status := h.manager.PoolStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"worker_ids": h.manager.WorkerIDs(),
	})
}

// PoolScale handles POST /workers/internal/scale?num_workers=N.
func (h *WorkerHandler) PoolScale(c *gin.Context) {
	if h.manager == nil {
		writeError(c, app.UnavailableError("in-process worker pool disabled"))
		return
	}

	raw := c.Query("num_workers")
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeValidationError(c, "num_workers must be an integer, got "+strconv.Quote(raw))
		return
	}
	if err := h.manager.Scale(c.Request.Context(), n); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": h.manager.PoolStatus()})
}

// PoolStart handles POST /workers/internal/start?num_workers=N.
func (h *WorkerHandler) PoolStart(c *gin.Context) {
	if h.manager == nil {
		writeError(c, app.UnavailableError("in-process worker pool disabled"))
		return
	}

	n := intQuery(c, "num_workers", 2)
	if err := h.manager.Start(c.Request.Context(), n); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": h.manager.PoolStatus()})
}

// PoolStop handles POST /workers/internal/stop.
func (h *WorkerHandler) PoolStop(c *gin.Context) {
	if h.manager == nil {
		writeError(c, app.UnavailableError("in-process worker pool disabled"))
		return
	}
	h.manager.Stop()
	c.JSON(http.StatusOK, gin.H{"status": h.manager.PoolStatus()})
}
