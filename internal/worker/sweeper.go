package worker

import (
	"context"
	"time"

	"taskexec/internal/logging"
	"taskexec/internal/observability"
	"taskexec/internal/server/ports"
)

// SweeperConfig configures the background maintenance loop.
type SweeperConfig struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
}

// Sweeper enforces task deadlines and worker liveness. One sweep expires
// running tasks past their deadline and flips silent workers offline; the
// store makes both operations idempotent, so overlapping sweeps are safe.
type Sweeper struct {
	store   ports.Store
	cfg     SweeperConfig
	metrics *observability.MetricsCollector
	logger  logging.Logger
	now     func() time.Time
}

// NewSweeper constructs a Sweeper.
func NewSweeper(store ports.Store, cfg SweeperConfig, metrics *observability.MetricsCollector) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = time.Minute
	}
	return &Sweeper{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		logger:  logging.NewComponentLogger("Sweeper"),
		now:     time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("sweeper running every %v", s.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one maintenance pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	expired, err := s.store.ExpireRunning(ctx, now)
	if err != nil {
		s.logger.Error("expire running tasks: %v", err)
	} else {
		for _, task := range expired {
			logCtx := map[string]any{"worker_id": task.WorkerID}
			if msg, ok := task.ErrorDetails["message"].(string); ok {
				logCtx["error"] = msg
			}
			if err := s.store.AppendLog(ctx, task.ID, ports.LogLevelError, "task timed out", logCtx); err != nil {
				s.logger.Warn("append timeout log for task %s: %v", task.ID, err)
			}
			s.metrics.RecordTaskFinished(ctx, string(ports.TaskStatusTimeout), 0)
			s.logger.Warn("task %s expired after exceeding its deadline", task.ID)
		}
		s.metrics.RecordSweeperExpired(ctx, len(expired))
	}

	cutoff := now.Add(-s.cfg.HeartbeatTimeout)
	stale, err := s.store.MarkStaleWorkersOffline(ctx, cutoff)
	if err != nil {
		s.logger.Error("mark stale workers offline: %v", err)
		return
	}
	for _, workerID := range stale {
		s.metrics.WorkerOffline(ctx)
		s.logger.Warn("worker %s marked offline after missing heartbeats", workerID)
	}
}
