package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskexec/internal/server/app"
	"taskexec/internal/server/ports"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New()
}

func registerWorker(t *testing.T, s *Store, id, backend string, problems ...string) *ports.Worker {
	t.Helper()
	worker, err := s.UpsertWorker(context.Background(), &ports.Worker{
		ID:          id,
		BackendType: backend,
		Capabilities: ports.Capabilities{
			MaxParallelTasks:  1,
			SupportedProblems: problems,
		},
	})
	if err != nil {
		t.Fatalf("register worker %s: %v", id, err)
	}
	return worker
}

func insertTask(t *testing.T, s *Store, problemID string, priority int, backend string) *ports.Task {
	t.Helper()
	task, err := s.InsertTask(context.Background(), ports.TaskSpec{
		ProblemID:   problemID,
		Parameters:  map[string]any{"timeout_minutes": 30.0},
		Priority:    priority,
		BackendType: backend,
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return task
}

func TestInsertAndGetTask(t *testing.T) {
	s := newTestStore(t)
	task := insertTask(t, s, "k8s-misconfig", 5, ports.BackendInternal)

	if task.Status != ports.TaskStatusPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ProblemID != "k8s-misconfig" || got.Priority != 5 {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), "missing")
	if !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimPriorityOrder(t *testing.T) {
	s := newTestStore(t)
	clock := time.Now()
	s.SetClock(func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	})

	low := insertTask(t, s, "p-low", 1, ports.BackendInternal)
	high := insertTask(t, s, "p-high", 5, ports.BackendInternal)
	mid := insertTask(t, s, "p-mid", 3, ports.BackendInternal)
	registerWorker(t, s, "worker-001-kind", ports.BackendInternal)

	want := []string{high.ID, mid.ID, low.ID}
	for i, expected := range want {
		claimed, err := s.ClaimNext(context.Background(), "worker-001-kind")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if claimed == nil || claimed.ID != expected {
			t.Fatalf("claim %d = %v, want task %s", i, claimed, expected)
		}
		if _, err := s.CompleteTask(context.Background(), claimed.ID, "worker-001-kind", nil); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}
}

func TestClaimFIFOWithinPriority(t *testing.T) {
	s := newTestStore(t)
	clock := time.Now()
	s.SetClock(func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	})

	first := insertTask(t, s, "first", 5, ports.BackendInternal)
	insertTask(t, s, "second", 5, ports.BackendInternal)
	registerWorker(t, s, "worker-001-kind", ports.BackendInternal)

	claimed, err := s.ClaimNext(context.Background(), "worker-001-kind")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != first.ID {
		t.Fatalf("claimed %s, want earliest task %s", claimed.ID, first.ID)
	}
}

func TestClaimBackendAffinity(t *testing.T) {
	s := newTestStore(t)
	insertTask(t, s, "orc-task", 5, "orchestrator")
	registerWorker(t, s, "worker-001-kind", ports.BackendInternal)

	claimed, err := s.ClaimNext(context.Background(), "worker-001-kind")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("internal worker claimed orchestrator task %s", claimed.ID)
	}

	registerWorker(t, s, "worker-100-kind", "orchestrator")
	claimed, err = s.ClaimNext(context.Background(), "worker-100-kind")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatal("orchestrator worker should claim the task")
	}
}

func TestClaimCapabilityFilter(t *testing.T) {
	s := newTestStore(t)
	insertTask(t, s, "network-delay", 5, ports.BackendInternal)
	registerWorker(t, s, "worker-001-kind", ports.BackendInternal, "misconfig")

	claimed, err := s.ClaimNext(context.Background(), "worker-001-kind")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatal("worker without matching capability should not claim")
	}

	insertTask(t, s, "k8s-misconfig", 5, ports.BackendInternal)
	claimed, err = s.ClaimNext(context.Background(), "worker-001-kind")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ProblemID != "k8s-misconfig" {
		t.Fatalf("claimed %v, want k8s-misconfig", claimed)
	}
}

func TestClaimAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	task := insertTask(t, s, "race", 5, ports.BackendInternal)

	const workers = 8
	for i := 1; i <= workers; i++ {
		registerWorker(t, s, workerID(i), ports.BackendInternal)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 1; i <= workers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			claimed, err := s.ClaimNext(context.Background(), id)
			if err != nil {
				t.Errorf("claim by %s: %v", id, err)
				return
			}
			if claimed != nil {
				mu.Lock()
				winners++
				mu.Unlock()
				if claimed.ID != task.ID {
					t.Errorf("claimed wrong task %s", claimed.ID)
				}
			}
		}(workerID(i))
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func workerID(n int) string {
	ids := []string{"", "worker-001-kind", "worker-002-kind", "worker-003-kind", "worker-004-kind",
		"worker-005-kind", "worker-006-kind", "worker-007-kind", "worker-008-kind"}
	return ids[n]
}

func TestCompleteRequiresOwnership(t *testing.T) {
	s := newTestStore(t)
	task := insertTask(t, s, "owned", 5, ports.BackendInternal)
	registerWorker(t, s, "worker-001-kind", ports.BackendInternal)
	registerWorker(t, s, "worker-002-kind", ports.BackendInternal)

	if _, err := s.ClaimNext(context.Background(), "worker-001-kind"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	_, err := s.CompleteTask(context.Background(), task.ID, "worker-002-kind", nil)
	if !errors.Is(err, app.ErrConflict) {
		t.Fatalf("expected ErrConflict for non-owner, got %v", err)
	}

	done, err := s.CompleteTask(context.Background(), task.ID, "worker-001-kind", map[string]any{"score": 1})
	if err != nil {
		t.Fatalf("owner complete: %v", err)
	}
	if done.Status != ports.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
}

func TestCompleteReleasesWorkerAndBumpsCounters(t *testing.T) {
	s := newTestStore(t)
	task := insertTask(t, s, "count", 5, ports.BackendInternal)
	registerWorker(t, s, "worker-001-kind", ports.BackendInternal)

	if _, err := s.ClaimNext(context.Background(), "worker-001-kind"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.CompleteTask(context.Background(), task.ID, "worker-001-kind", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	worker, err := s.GetWorker(context.Background(), "worker-001-kind")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if worker.Status != ports.WorkerStatusIdle {
		t.Errorf("worker status = %s, want idle", worker.Status)
	}
	if worker.CurrentTaskID != "" {
		t.Errorf("current task = %q, want empty", worker.CurrentTaskID)
	}
	if worker.TasksCompleted != 1 {
		t.Errorf("tasks_completed = %d, want 1", worker.TasksCompleted)
	}
}

func TestTerminalImmutability(t *testing.T) {
	s := newTestStore(t)
	task := insertTask(t, s, "final", 5, ports.BackendInternal)
	registerWorker(t, s, "worker-001-kind", ports.BackendInternal)

	if _, err := s.ClaimNext(context.Background(), "worker-001-kind"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.CompleteTask(context.Background(), task.ID, "worker-001-kind", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := s.CompleteTask(context.Background(), task.ID, "worker-001-kind", nil); !errors.Is(err, app.ErrConflict) {
		t.Errorf("second complete: expected ErrConflict, got %v", err)
	}
	if _, err := s.FailTask(context.Background(), task.ID, "worker-001-kind", nil); !errors.Is(err, app.ErrConflict) {
		t.Errorf("fail after complete: expected ErrConflict, got %v", err)
	}
	if _, err := s.CancelTask(context.Background(), task.ID); !errors.Is(err, app.ErrConflict) {
		t.Errorf("cancel after complete: expected ErrConflict, got %v", err)
	}
}

func TestCancelPendingAndRunning(t *testing.T) {
	s := newTestStore(t)
	pending := insertTask(t, s, "pend", 5, ports.BackendInternal)

	cancelled, err := s.CancelTask(context.Background(), pending.ID)
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if cancelled.Status != ports.TaskStatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}

	running := insertTask(t, s, "run", 5, ports.BackendInternal)
	registerWorker(t, s, "worker-001-kind", ports.BackendInternal)
	if _, err := s.ClaimNext(context.Background(), "worker-001-kind"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	cancelled, err = s.CancelTask(context.Background(), running.ID)
	if err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	if cancelled.Status != ports.TaskStatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
}

func TestExpireRunning(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	clock := base
	s.SetClock(func() time.Time { return clock })

	task, err := s.InsertTask(context.Background(), ports.TaskSpec{
		ProblemID:   "slow",
		Parameters:  map[string]any{"timeout_minutes": 1.0},
		Priority:    5,
		BackendType: ports.BackendInternal,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	registerWorker(t, s, "worker-001-kind", ports.BackendInternal)
	if _, err := s.ClaimNext(context.Background(), "worker-001-kind"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Before the deadline nothing expires.
	expired, err := s.ExpireRunning(context.Background(), clock.Add(30*time.Second))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expired %d tasks before deadline", len(expired))
	}

	deadline := clock.Add(2 * time.Minute)
	expired, err = s.ExpireRunning(context.Background(), deadline)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != task.ID {
		t.Fatalf("expired = %v, want [%s]", expired, task.ID)
	}
	if expired[0].Status != ports.TaskStatusTimeout {
		t.Fatalf("status = %s, want timeout", expired[0].Status)
	}
	msg, _ := expired[0].ErrorDetails["message"].(string)
	if msg != "task exceeded timeout limit of 1 minutes" {
		t.Fatalf("error message = %q", msg)
	}

	worker, _ := s.GetWorker(context.Background(), "worker-001-kind")
	if worker.Status != ports.WorkerStatusIdle || worker.CurrentTaskID != "" {
		t.Fatalf("worker not released: %+v", worker)
	}

	// Idempotent over the same window.
	expired, err = s.ExpireRunning(context.Background(), deadline)
	if err != nil {
		t.Fatalf("second expire: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("second expire returned %d tasks", len(expired))
	}
}

func TestAppendLogSequence(t *testing.T) {
	s := newTestStore(t)
	task := insertTask(t, s, "logged", 5, ports.BackendInternal)

	for i := 0; i < 5; i++ {
		if err := s.AppendLog(context.Background(), task.ID, ports.LogLevelInfo, "entry", nil); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	logs, err := s.ListLogs(context.Background(), task.ID, "", 0)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 5 {
		t.Fatalf("got %d logs, want 5", len(logs))
	}
	for i, entry := range logs {
		if entry.Seq != int64(i+1) {
			t.Errorf("seq[%d] = %d, want %d", i, entry.Seq, i+1)
		}
	}
}

func TestListLogsLevelFilter(t *testing.T) {
	s := newTestStore(t)
	task := insertTask(t, s, "mixed", 5, ports.BackendInternal)

	_ = s.AppendLog(context.Background(), task.ID, ports.LogLevelInfo, "info line", nil)
	_ = s.AppendLog(context.Background(), task.ID, ports.LogLevelError, "error line", nil)
	_ = s.AppendLog(context.Background(), task.ID, ports.LogLevelInfo, "another", nil)

	logs, err := s.ListLogs(context.Background(), task.ID, ports.LogLevelError, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 1 || logs[0].Message != "error line" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
}

func TestReRegistrationPreservesCounters(t *testing.T) {
	s := newTestStore(t)
	task := insertTask(t, s, "one", 5, ports.BackendInternal)
	registerWorker(t, s, "worker-001-kind", ports.BackendInternal)

	if _, err := s.ClaimNext(context.Background(), "worker-001-kind"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.CompleteTask(context.Background(), task.ID, "worker-001-kind", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	again := registerWorker(t, s, "worker-001-kind", ports.BackendInternal)
	if again.TasksCompleted != 1 {
		t.Errorf("tasks_completed after re-register = %d, want 1", again.TasksCompleted)
	}
	if again.Status != ports.WorkerStatusIdle {
		t.Errorf("status after re-register = %s, want idle", again.Status)
	}
}

func TestMarkStaleWorkersOffline(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	clock := base
	s.SetClock(func() time.Time { return clock })

	registerWorker(t, s, "worker-001-kind", ports.BackendInternal)
	clock = base.Add(2 * time.Minute)
	registerWorker(t, s, "worker-002-kind", ports.BackendInternal)

	marked, err := s.MarkStaleWorkersOffline(context.Background(), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if len(marked) != 1 || marked[0] != "worker-001-kind" {
		t.Fatalf("marked = %v, want [worker-001-kind]", marked)
	}

	stale, _ := s.GetWorker(context.Background(), "worker-001-kind")
	if stale.Status != ports.WorkerStatusOffline {
		t.Errorf("status = %s, want offline", stale.Status)
	}
	fresh, _ := s.GetWorker(context.Background(), "worker-002-kind")
	if fresh.Status != ports.WorkerStatusIdle {
		t.Errorf("fresh worker status = %s, want idle", fresh.Status)
	}
}

func TestListTasksFilterAndPagination(t *testing.T) {
	s := newTestStore(t)
	clock := time.Now()
	s.SetClock(func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	})

	for i := 0; i < 5; i++ {
		insertTask(t, s, "bulk", 5, ports.BackendInternal)
	}
	insertTask(t, s, "other", 5, "orchestrator")

	tasks, total, err := s.ListTasks(context.Background(), ports.TaskFilter{ProblemID: "bulk", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(tasks) != 2 {
		t.Errorf("page size = %d, want 2", len(tasks))
	}
	if len(tasks) == 2 && !tasks[0].CreatedAt.After(tasks[1].CreatedAt) {
		t.Error("tasks not sorted newest first")
	}
}

func TestQueueStatsCountsAllStatuses(t *testing.T) {
	s := newTestStore(t)
	insertTask(t, s, "a", 5, ports.BackendInternal)
	task := insertTask(t, s, "b", 5, ports.BackendInternal)
	if _, err := s.CancelTask(context.Background(), task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	stats, err := s.QueueStats(context.Background())
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	if stats[ports.TaskStatusPending] != 1 || stats[ports.TaskStatusCancelled] != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}
	// Absent statuses report zero rather than being missing.
	if _, ok := stats[ports.TaskStatusTimeout]; !ok {
		t.Error("timeout bucket missing from queue stats")
	}
}

func TestTaskStats(t *testing.T) {
	s := newTestStore(t)
	clock := time.Now()
	s.SetClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})

	done := insertTask(t, s, "x", 5, ports.BackendInternal)
	insertTask(t, s, "y", 5, ports.BackendInternal)
	registerWorker(t, s, "worker-001-kind", ports.BackendInternal)
	if _, err := s.ClaimNext(context.Background(), "worker-001-kind"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.CompleteTask(context.Background(), done.ID, "worker-001-kind", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats, err := s.TaskStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalTasks != 2 {
		t.Errorf("total = %d, want 2", stats.TotalTasks)
	}
	if stats.SuccessRate != 1.0 {
		t.Errorf("success rate = %v, want 1.0", stats.SuccessRate)
	}
	if stats.AvgExecutionSecs == nil || *stats.AvgExecutionSecs <= 0 {
		t.Errorf("avg execution = %v, want positive", stats.AvgExecutionSecs)
	}
}

func TestClaimUnknownWorker(t *testing.T) {
	s := newTestStore(t)
	insertTask(t, s, "x", 5, ports.BackendInternal)

	_, err := s.ClaimNext(context.Background(), "worker-404-kind")
	if !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
