package app_test

import (
	"context"
	"errors"
	"testing"

	"taskexec/internal/server/app"
	"taskexec/internal/server/ports"
	"taskexec/internal/store/memstore"
)

func newTaskService(guard *app.ShutdownGuard) (*app.TaskService, *memstore.Store) {
	store := memstore.New()
	svc := app.NewTaskService(store, app.TaskDefaults{
		TimeoutMinutes: 30,
		MaxSteps:       30,
		Priority:       5,
		AgentModel:     "gpt-4",
	}, guard, nil)
	return svc, store
}

func TestCreateAppliesDefaults(t *testing.T) {
	svc, _ := newTaskService(nil)

	task, err := svc.Create(context.Background(), app.CreateTaskRequest{
		ProblemID: "k8s-misconfig",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if task.Priority != 5 {
		t.Errorf("priority = %d, want default 5", task.Priority)
	}
	if task.BackendType != ports.BackendInternal {
		t.Errorf("backend = %q, want internal", task.BackendType)
	}
	if got := task.MaxSteps(0); got != 30 {
		t.Errorf("max_steps = %d, want 30", got)
	}
	if got := task.TimeoutMinutes(0); got != 30 {
		t.Errorf("timeout_minutes = %v, want 30", got)
	}
	if got := task.AgentModel(); got != "gpt-4" {
		t.Errorf("agent model = %q, want gpt-4", got)
	}
}

func TestCreatePreservesCallerParameters(t *testing.T) {
	svc, _ := newTaskService(nil)

	priority := 8
	task, err := svc.Create(context.Background(), app.CreateTaskRequest{
		ProblemID: "scale-deployment",
		Priority:  &priority,
		Parameters: map[string]any{
			"max_steps":       10,
			"timeout_minutes": 5.0,
			"agent_config":    map[string]any{"model": "claude-3-opus", "temperature": 0.2},
			"custom_flag":     true,
		},
		BackendType: "orchestrator",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if task.Priority != 8 {
		t.Errorf("priority = %d, want 8", task.Priority)
	}
	if task.BackendType != "orchestrator" {
		t.Errorf("backend = %q, want orchestrator", task.BackendType)
	}
	if got := task.MaxSteps(0); got != 10 {
		t.Errorf("max_steps = %d, want 10", got)
	}
	if got := task.AgentModel(); got != "claude-3-opus" {
		t.Errorf("agent model = %q, want claude-3-opus", got)
	}
	if flag, _ := task.Parameters["custom_flag"].(bool); !flag {
		t.Error("custom parameter dropped")
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTaskService(nil)

	if _, err := svc.Create(context.Background(), app.CreateTaskRequest{}); !errors.Is(err, app.ErrValidation) {
		t.Errorf("missing problem_id: expected ErrValidation, got %v", err)
	}

	priority := 11
	_, err := svc.Create(context.Background(), app.CreateTaskRequest{
		ProblemID: "x",
		Priority:  &priority,
	})
	if !errors.Is(err, app.ErrValidation) {
		t.Errorf("priority 11: expected ErrValidation, got %v", err)
	}

	priority = 0
	_, err = svc.Create(context.Background(), app.CreateTaskRequest{
		ProblemID: "x",
		Priority:  &priority,
	})
	if !errors.Is(err, app.ErrValidation) {
		t.Errorf("priority 0: expected ErrValidation, got %v", err)
	}
}

func TestCreateWritesCreationLog(t *testing.T) {
	svc, store := newTaskService(nil)

	task, err := svc.Create(context.Background(), app.CreateTaskRequest{ProblemID: "logged"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	logs, err := store.ListLogs(context.Background(), task.ID, "", 0)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Message != "task created" {
		t.Fatalf("unexpected creation log: %+v", logs)
	}
	if logs[0].Seq != 1 {
		t.Errorf("seq = %d, want 1", logs[0].Seq)
	}
}

func TestCreateRefusedWhileDraining(t *testing.T) {
	guard := app.NewShutdownGuard()
	svc, _ := newTaskService(guard)

	guard.BeginDrain()
	_, err := svc.Create(context.Background(), app.CreateTaskRequest{ProblemID: "x"})
	if !errors.Is(err, app.ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}

func TestCancelRecordsLog(t *testing.T) {
	svc, store := newTaskService(nil)

	task, err := svc.Create(context.Background(), app.CreateTaskRequest{ProblemID: "c"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Cancel(context.Background(), task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	logs, _ := store.ListLogs(context.Background(), task.ID, "", 0)
	if len(logs) != 2 || logs[1].Message != "task cancelled" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
}

func TestListValidatesStatus(t *testing.T) {
	svc, _ := newTaskService(nil)

	_, _, err := svc.List(context.Background(), ports.TaskFilter{Status: "bogus"})
	if !errors.Is(err, app.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestLogsValidatesLevel(t *testing.T) {
	svc, _ := newTaskService(nil)

	_, err := svc.Logs(context.Background(), "whatever", "loud", 0)
	if !errors.Is(err, app.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
