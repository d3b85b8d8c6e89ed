package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"taskexec/internal/server/app"
	"taskexec/internal/server/ports"
	"taskexec/internal/store/memstore"
)

func newManagerFixture(t *testing.T) (*Manager, *app.TaskService, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	tasks := app.NewTaskService(store, app.TaskDefaults{
		TimeoutMinutes: 30, MaxSteps: 30, Priority: 5, AgentModel: "gpt-4",
	}, nil, nil)
	workers := app.NewWorkerService(store, nil, nil)
	conversations := app.NewConversationService(store)

	executor := NewAgentExecutor(tasks, conversations)
	executor.StepDelay = time.Millisecond

	manager := NewManager(workers, tasks, executor, ManagerConfig{
		PollInterval:     10 * time.Millisecond,
		HeartbeatPeriod:  20 * time.Millisecond,
		DrainGracePeriod: 2 * time.Second,
	})
	return manager, tasks, store
}

func waitForStatus(t *testing.T, tasks *app.TaskService, taskID string, want ports.TaskStatus, timeout time.Duration) *ports.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := tasks.Get(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := tasks.Get(context.Background(), taskID)
	t.Fatalf("task %s never reached %s, stuck at %s", taskID, want, task.Status)
	return nil
}

func TestManagerExecutesTask(t *testing.T) {
	manager, tasks, store := newManagerFixture(t)

	if err := manager.Start(context.Background(), 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	task, err := tasks.Create(context.Background(), app.CreateTaskRequest{
		ProblemID:  "happy-path",
		Parameters: map[string]any{"max_steps": 3},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	done := waitForStatus(t, tasks, task.ID, ports.TaskStatusCompleted, 5*time.Second)
	if solved, _ := done.Result["solved"].(bool); !solved {
		t.Errorf("result = %v, want solved", done.Result)
	}
	if done.WorkerID != "worker-001-kind" {
		t.Errorf("worker = %q, want worker-001-kind", done.WorkerID)
	}

	w, err := store.GetWorker(context.Background(), "worker-001-kind")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.TasksCompleted != 1 {
		t.Errorf("tasks_completed = %d, want 1", w.TasksCompleted)
	}
	if w.Status != ports.WorkerStatusIdle {
		t.Errorf("worker status = %s, want idle", w.Status)
	}

	convs, total, err := store.ListConversations(context.Background(), ports.ConversationFilter{TaskID: task.ID})
	if err != nil || total != 1 {
		t.Fatalf("conversations = %d (%v), want 1", total, err)
	}
	meta := convs[0].Metadata
	if meta["problem_id"] != "happy-path" {
		t.Errorf("metadata problem_id = %v", meta["problem_id"])
	}
	if meta["worker_id"] != "worker-001-kind" || meta["cluster_id"] != "worker-001-kind" {
		t.Errorf("metadata worker_id = %v, cluster_id = %v, want worker-001-kind",
			meta["worker_id"], meta["cluster_id"])
	}
}

// claimFailStore makes every claim attempt fail so the loop's error budget
// can be exhausted.
type claimFailStore struct {
	*memstore.Store
}

func (s *claimFailStore) ClaimNext(ctx context.Context, workerID string) (*ports.Task, error) {
	return nil, fmt.Errorf("claim backend unavailable")
}

func TestManagerLoopAbortsAfterConsecutiveClaimFailures(t *testing.T) {
	store := &claimFailStore{Store: memstore.New()}
	tasks := app.NewTaskService(store, app.TaskDefaults{
		TimeoutMinutes: 30, MaxSteps: 30, Priority: 5, AgentModel: "gpt-4",
	}, nil, nil)
	workers := app.NewWorkerService(store, nil, nil)
	executor := NewAgentExecutor(tasks, app.NewConversationService(store))

	manager := NewManager(workers, tasks, executor, ManagerConfig{
		PollInterval:     5 * time.Millisecond,
		HeartbeatPeriod:  20 * time.Millisecond,
		DrainGracePeriod: 2 * time.Second,
	})
	if err := manager.Start(context.Background(), 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for manager.PoolStatus().Running != 0 {
		if time.Now().After(deadline) {
			t.Fatal("loop kept running past the consecutive error limit")
		}
		time.Sleep(5 * time.Millisecond)
	}

	w, err := store.GetWorker(context.Background(), "worker-001-kind")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.Status != ports.WorkerStatusOffline {
		t.Errorf("worker status = %s, want offline after loop abort", w.Status)
	}
}

func TestManagerScaleBounds(t *testing.T) {
	manager, _, _ := newManagerFixture(t)

	if err := manager.Start(context.Background(), 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	if err := manager.Scale(context.Background(), 51); !errors.Is(err, app.ErrValidation) {
		t.Errorf("scale 51: expected ErrValidation, got %v", err)
	}
	if err := manager.Scale(context.Background(), -1); !errors.Is(err, app.ErrValidation) {
		t.Errorf("scale -1: expected ErrValidation, got %v", err)
	}
	if err := manager.Scale(context.Background(), 0); err != nil {
		t.Errorf("scale 0: %v", err)
	}
}

func TestManagerScaleUpAndDown(t *testing.T) {
	manager, _, _ := newManagerFixture(t)

	if err := manager.Start(context.Background(), 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	if err := manager.Scale(context.Background(), 3); err != nil {
		t.Fatalf("scale up: %v", err)
	}
	if status := manager.PoolStatus(); status.Desired != 3 {
		t.Errorf("desired = %d, want 3", status.Desired)
	}
	if ids := manager.WorkerIDs(); len(ids) != 3 {
		t.Errorf("worker ids = %v, want 3 entries", ids)
	}

	if err := manager.Scale(context.Background(), 1); err != nil {
		t.Fatalf("scale down: %v", err)
	}
	if status := manager.PoolStatus(); status.Desired != 1 {
		t.Errorf("desired = %d, want 1", status.Desired)
	}
}

func TestManagerStartTwiceIsConflict(t *testing.T) {
	manager, _, _ := newManagerFixture(t)

	if err := manager.Start(context.Background(), 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	if err := manager.Start(context.Background(), 1); !errors.Is(err, app.ErrConflict) {
		t.Fatalf("second start: expected ErrConflict, got %v", err)
	}
}

func TestManagerScaleBeforeStartIsConflict(t *testing.T) {
	manager, _, _ := newManagerFixture(t)

	if err := manager.Scale(context.Background(), 1); !errors.Is(err, app.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestManagerCancellationStopsExecution(t *testing.T) {
	manager, tasks, _ := newManagerFixture(t)

	if err := manager.Start(context.Background(), 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()

	// A large step budget keeps the executor busy until cancelled.
	task, err := tasks.Create(context.Background(), app.CreateTaskRequest{
		ProblemID:  "long-running",
		Parameters: map[string]any{"max_steps": 100000},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	waitForStatus(t, tasks, task.ID, ports.TaskStatusRunning, 5*time.Second)
	if _, err := tasks.Cancel(context.Background(), task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	final := waitForStatus(t, tasks, task.ID, ports.TaskStatusCancelled, 5*time.Second)
	if final.Status != ports.TaskStatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
}

func TestManagerStopIdempotent(t *testing.T) {
	manager, _, _ := newManagerFixture(t)

	if err := manager.Start(context.Background(), 2); err != nil {
		t.Fatalf("start: %v", err)
	}
	manager.Stop()
	manager.Stop()

	status := manager.PoolStatus()
	if status.Started || status.Desired != 0 {
		t.Fatalf("pool not stopped: %+v", status)
	}
}
