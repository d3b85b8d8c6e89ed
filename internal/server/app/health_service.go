package app

import (
	"context"
	"time"

	"taskexec/internal/server/ports"
)

// HealthStatus is the overall service condition.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// WorkerPoolStatus is reported by the in-process worker manager.
type WorkerPoolStatus struct {
	Desired int  `json:"desired"`
	Running int  `json:"running"`
	Started bool `json:"started"`
}

// PoolReporter exposes the worker manager's view without a dependency on the
// worker package.
type PoolReporter interface {
	PoolStatus() WorkerPoolStatus
}

// HealthReport is the body of the health endpoint.
type HealthReport struct {
	Status         HealthStatus             `json:"status"`
	Store          string                   `json:"store"`
	StoreLatencyMS float64                  `json:"store_latency_ms"`
	Workers        WorkerPoolStatus         `json:"workers"`
	Queue          map[ports.TaskStatus]int `json:"queue,omitempty"`
	Timestamp      time.Time                `json:"timestamp"`
}

// HealthService aggregates store connectivity and worker pool state.
type HealthService struct {
	store ports.Store
	pool  PoolReporter
	guard *ShutdownGuard
	now   func() time.Time
}

// NewHealthService constructs a HealthService. pool may be nil when the
// in-process worker pool is disabled.
func NewHealthService(store ports.Store, pool PoolReporter, guard *ShutdownGuard) *HealthService {
	if guard == nil {
		guard = NewShutdownGuard()
	}
	return &HealthService{
		store: store,
		pool:  pool,
		guard: guard,
		now:   time.Now,
	}
}

// Check reports overall health: unhealthy when the store is unreachable,
// degraded while draining or when the worker pool runs below its target.
func (s *HealthService) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:    HealthHealthy,
		Store:     "ok",
		Timestamp: s.now(),
	}

	pingStart := time.Now()
	if err := s.store.Ping(ctx); err != nil {
		report.Status = HealthUnhealthy
		report.Store = err.Error()
		return report
	}
	report.StoreLatencyMS = float64(time.Since(pingStart).Microseconds()) / 1000

	if queue, err := s.store.QueueStats(ctx); err == nil {
		report.Queue = queue
	}

	if s.pool != nil {
		report.Workers = s.pool.PoolStatus()
		if report.Workers.Started && report.Workers.Running < report.Workers.Desired {
			report.Status = HealthDegraded
		}
	}
	if s.guard.Draining() {
		report.Status = HealthDegraded
	}
	return report
}
