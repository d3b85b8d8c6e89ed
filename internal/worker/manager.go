package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"taskexec/internal/logging"
	"taskexec/internal/server/app"
	"taskexec/internal/server/ports"
)

const (
	// MaxWorkers bounds the in-process pool size.
	MaxWorkers = 50

	// consecutiveErrorLimit aborts a worker loop.
	consecutiveErrorLimit = 5
)

// ManagerConfig configures the in-process worker pool.
type ManagerConfig struct {
	PollInterval     time.Duration
	HeartbeatPeriod  time.Duration
	DrainGracePeriod time.Duration
}

// Manager owns the in-process worker loops. Workers are numbered from 001
// and register under the internal backend; scaling adds or retires loops
// without interrupting tasks already running.
type Manager struct {
	workers  *app.WorkerService
	tasks    *app.TaskService
	executor Executor
	cfg      ManagerConfig
	logger   logging.Logger

	mu      sync.Mutex
	started bool
	loops   map[string]*loopHandle
	nextNum int

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

type loopHandle struct {
	id   string
	quit chan struct{}
	done chan struct{}
}

// NewManager constructs a Manager.
func NewManager(workers *app.WorkerService, tasks *app.TaskService, executor Executor, cfg ManagerConfig) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = 15 * time.Second
	}
	if cfg.DrainGracePeriod <= 0 {
		cfg.DrainGracePeriod = 30 * time.Second
	}
	return &Manager{
		workers:  workers,
		tasks:    tasks,
		executor: executor,
		cfg:      cfg,
		logger:   logging.NewComponentLogger("WorkerManager"),
		loops:    make(map[string]*loopHandle),
		nextNum:  1,
	}
}

// Start launches n worker loops. Starting an already started manager is a
// conflict.
func (m *Manager) Start(ctx context.Context, n int) error {
	if n < 0 || n > MaxWorkers {
		return app.ValidationError(fmt.Sprintf("worker count must be in [0,%d], got %d", MaxWorkers, n))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return app.ConflictError("worker pool already started")
	}
	m.started = true
	m.runCtx, m.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	for i := 0; i < n; i++ {
		m.spawnLocked()
	}
	m.logger.Info("worker pool started with %d workers", n)
	return nil
}

// Scale adjusts the pool to n workers. Scale-down retires loops after their
// current task finishes.
func (m *Manager) Scale(ctx context.Context, n int) error {
	if n < 0 || n > MaxWorkers {
		return app.ValidationError(fmt.Sprintf("worker count must be in [0,%d], got %d", MaxWorkers, n))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return app.ConflictError("worker pool not started")
	}

	for len(m.loops) < n {
		m.spawnLocked()
	}
	for len(m.loops) > n {
		m.retireOneLocked()
	}
	m.logger.Info("worker pool scaled to %d workers", n)
	return nil
}

// Stop drains the pool: loops finish their current task within the grace
// period, after which execution is cancelled outright.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	handles := make([]*loopHandle, 0, len(m.loops))
	for _, handle := range m.loops {
		handles = append(handles, handle)
	}
	m.loops = make(map[string]*loopHandle)
	cancel := m.runCancel
	m.mu.Unlock()

	for _, handle := range handles {
		close(handle.quit)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.DrainGracePeriod):
		m.logger.Warn("drain grace period elapsed, cancelling running tasks")
		cancel()
		<-done
	}
	cancel()
	m.logger.Info("worker pool stopped")
}

// PoolStatus reports the pool's desired and live loop counts.
func (m *Manager) PoolStatus() app.WorkerPoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	running := 0
	for _, handle := range m.loops {
		select {
		case <-handle.done:
		default:
			running++
		}
	}
	return app.WorkerPoolStatus{
		Desired: len(m.loops),
		Running: running,
		Started: m.started,
	}
}

// WorkerIDs lists the ids of the currently managed loops.
func (m *Manager) WorkerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.loops))
	for id := range m.loops {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) spawnLocked() {
	id := fmt.Sprintf("worker-%03d-kind", m.nextNum)
	m.nextNum++

	handle := &loopHandle{
		id:   id,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	m.loops[id] = handle

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(handle.done)
		m.runLoop(m.runCtx, handle)
	}()
}

// retireOneLocked retires the highest-numbered loop, so scale-down removes
// the most recently spawned workers and long-lived ids stay stable.
func (m *Manager) retireOneLocked() {
	var victim *loopHandle
	for _, handle := range m.loops {
		if victim == nil || handle.id > victim.id {
			victim = handle
		}
	}
	if victim == nil {
		return
	}
	delete(m.loops, victim.id)
	close(victim.quit)
}

// runLoop is one worker's lifetime: register, then poll for work until
// retired or cancelled.
func (m *Manager) runLoop(ctx context.Context, handle *loopHandle) {
	logger := logging.NewComponentLogger(handle.id)

	if _, err := m.workers.Register(ctx, app.RegisterWorkerRequest{
		WorkerID:    handle.id,
		BackendType: ports.BackendInternal,
		Capabilities: ports.Capabilities{
			MaxParallelTasks: 1,
		},
	}); err != nil {
		logger.Error("register: %v", err)
		return
	}

	consecutiveErrors := 0
	for {
		select {
		case <-handle.quit:
			logger.Info("retiring")
			return
		case <-ctx.Done():
			return
		default:
		}

		task, err := m.workers.Claim(ctx, handle.id)
		if err != nil {
			if errors.Is(err, app.ErrShutdown) || ctx.Err() != nil {
				return
			}
			consecutiveErrors++
			if consecutiveErrors >= consecutiveErrorLimit {
				logger.Error("too many consecutive errors, shutting down: %v", err)
				if _, hbErr := m.workers.Heartbeat(ctx, handle.id, ports.WorkerStatusOffline, ""); hbErr != nil {
					logger.Debug("offline heartbeat: %v", hbErr)
				}
				return
			}
			logger.Warn("claim failed (%d consecutive): %v", consecutiveErrors, err)
			m.sleep(ctx, handle, m.pollDelay(consecutiveErrors))
			continue
		}

		if task == nil {
			consecutiveErrors = 0
			if _, err := m.workers.Heartbeat(ctx, handle.id, ports.WorkerStatusIdle, ""); err != nil {
				logger.Debug("idle heartbeat: %v", err)
			}
			m.sleep(ctx, handle, m.pollDelay(0))
			continue
		}

		consecutiveErrors = 0
		m.executeTask(ctx, logger, handle.id, task)
	}
}

// executeTask runs one claimed task with heartbeating and cancellation
// polling, then reports the outcome.
func (m *Manager) executeTask(ctx context.Context, logger logging.Logger, workerID string, task *ports.Task) {
	var execCtx context.Context
	var cancel context.CancelFunc
	if task.TimeoutAt != nil {
		execCtx, cancel = context.WithDeadline(ctx, *task.TimeoutAt)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	watcherDone := make(chan struct{})
	go m.watchTask(execCtx, cancel, workerID, task.ID, watcherDone)

	logger.Info("executing task %s (problem %s)", task.ID, task.ProblemID)
	result, err := m.executor.Execute(execCtx, task)
	cancel()
	<-watcherDone

	// Outcome reporting uses a fresh context; execCtx may be dead.
	reportCtx, reportCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer reportCancel()

	if err != nil {
		// Timeouts and cancellations are settled by the sweeper or the
		// cancel endpoint; reporting failure here would be rejected by the
		// ownership check once the row left running.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Info("task %s interrupted: %v", task.ID, err)
			if _, hbErr := m.workers.Heartbeat(reportCtx, workerID, ports.WorkerStatusIdle, ""); hbErr != nil {
				logger.Debug("post-interrupt heartbeat: %v", hbErr)
			}
			return
		}
		if _, failErr := m.workers.Fail(reportCtx, task.ID, workerID, map[string]any{
			"message": err.Error(),
		}); failErr != nil {
			logger.Error("report failure for task %s: %v", task.ID, failErr)
		}
		return
	}

	if _, err := m.workers.Complete(reportCtx, task.ID, workerID, result); err != nil {
		logger.Error("report completion for task %s: %v", task.ID, err)
	}
}

// watchTask heartbeats while a task runs and cancels execution when the task
// row leaves the running state, which is how cancellation reaches workers.
func (m *Manager) watchTask(ctx context.Context, cancel context.CancelFunc, workerID, taskID string, done chan<- struct{}) {
	defer close(done)

	heartbeat := time.NewTicker(m.cfg.HeartbeatPeriod)
	defer heartbeat.Stop()
	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := m.workers.Heartbeat(ctx, workerID, ports.WorkerStatusBusy, taskID); err != nil {
				m.logger.Debug("busy heartbeat for %s: %v", workerID, err)
			}
		case <-poll.C:
			task, err := m.tasks.Get(ctx, taskID)
			if err != nil {
				continue
			}
			if task.Status != ports.TaskStatusRunning {
				cancel()
				return
			}
		}
	}
}

// pollDelay returns the jittered sleep before the next claim attempt,
// doubled after an error.
func (m *Manager) pollDelay(consecutiveErrors int) time.Duration {
	delay := m.cfg.PollInterval
	if consecutiveErrors > 0 {
		delay *= 2
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}

func (m *Manager) sleep(ctx context.Context, handle *loopHandle, d time.Duration) {
	select {
	case <-time.After(d):
	case <-handle.quit:
	case <-ctx.Done():
	}
}
