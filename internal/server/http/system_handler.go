package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"taskexec/internal/server/app"
)

// SystemHandler serves health and service metadata.
type SystemHandler struct {
	health      *app.HealthService
	version     string
	environment string
}

// NewSystemHandler constructs a SystemHandler.
func NewSystemHandler(health *app.HealthService, version, environment string) *SystemHandler {
	return &SystemHandler{health: health, version: version, environment: environment}
}

// Root handles GET /, returning service metadata.
func (h *SystemHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":     "taskexec",
		"version":     h.version,
		"environment": h.environment,
		"api":         "/api/v1",
		"docs":        "/api/v1/health",
	})
}

// Health handles GET /health. Unhealthy reports map to 503 so load
// balancers take the replica out of rotation.
func (h *SystemHandler) Health(c *gin.Context) {
	report := h.health.Check(c.Request.Context())

	status := http.StatusOK
	if report.Status == app.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
