package ports

import "testing"

func TestTaskStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskStatusPending, TaskStatusRunning, true},
		{TaskStatusPending, TaskStatusCancelled, true},
		{TaskStatusPending, TaskStatusCompleted, false},
		{TaskStatusRunning, TaskStatusCompleted, true},
		{TaskStatusRunning, TaskStatusFailed, true},
		{TaskStatusRunning, TaskStatusTimeout, true},
		{TaskStatusRunning, TaskStatusCancelled, true},
		{TaskStatusRunning, TaskStatusPending, false},
		{TaskStatusCompleted, TaskStatusRunning, false},
		{TaskStatusFailed, TaskStatusCancelled, false},
		{TaskStatusTimeout, TaskStatusCompleted, false},
		{TaskStatusCancelled, TaskStatusRunning, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, status := range []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout, TaskStatusCancelled} {
		if !status.Terminal() {
			t.Errorf("expected %s to be terminal", status)
		}
	}
	for _, status := range []TaskStatus{TaskStatusPending, TaskStatusRunning} {
		if status.Terminal() {
			t.Errorf("expected %s not to be terminal", status)
		}
	}
}

func TestTaskParameterHelpers(t *testing.T) {
	task := &Task{Parameters: map[string]any{
		"timeout_minutes": 0.5,
		"max_steps":       float64(10),
		"agent_config":    map[string]any{"model": "gpt-4"},
	}}

	if got := task.TimeoutMinutes(30); got != 0.5 {
		t.Errorf("TimeoutMinutes = %v, want 0.5", got)
	}
	if got := task.MaxSteps(30); got != 10 {
		t.Errorf("MaxSteps = %d, want 10", got)
	}
	if got := task.AgentModel(); got != "gpt-4" {
		t.Errorf("AgentModel = %q, want gpt-4", got)
	}

	empty := &Task{}
	if got := empty.TimeoutMinutes(30); got != 30 {
		t.Errorf("default TimeoutMinutes = %v, want 30", got)
	}
	if got := empty.MaxSteps(30); got != 30 {
		t.Errorf("default MaxSteps = %d, want 30", got)
	}
	if got := empty.AgentModel(); got != "" {
		t.Errorf("default AgentModel = %q, want empty", got)
	}
}

func TestValidWorkerID(t *testing.T) {
	valid := []string{"worker-001-kind", "worker-100-kind", "worker-999-kind"}
	for _, id := range valid {
		if !ValidWorkerID(id) {
			t.Errorf("expected %q to be valid", id)
		}
	}

	invalid := []string{"", "worker-1-kind", "worker-0001-kind", "worker-001", "w-001-kind", "worker-abc-kind", "worker-001-kindx"}
	for _, id := range invalid {
		if ValidWorkerID(id) {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}

func TestCapabilitiesSupports(t *testing.T) {
	anyProblem := Capabilities{}
	if !anyProblem.Supports("k8s-target-port-misconfig") {
		t.Error("empty supported_problems should accept any problem")
	}

	scoped := Capabilities{SupportedProblems: []string{"misconfig", "scale"}}
	if !scoped.Supports("k8s-target-port-misconfig") {
		t.Error("expected substring match on misconfig")
	}
	if !scoped.Supports("scale-deployment") {
		t.Error("expected substring match on scale")
	}
	if scoped.Supports("network-delay") {
		t.Error("expected no match for network-delay")
	}
}
