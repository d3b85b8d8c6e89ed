// Package worker hosts the in-process worker pool: executors that run
// claimed tasks, the manager that scales worker loops, and the timeout
// sweeper.
package worker

import (
	"context"
	"fmt"
	"time"

	"taskexec/internal/logging"
	"taskexec/internal/server/app"
	"taskexec/internal/server/ports"
)

// Executor runs one claimed task to completion. It returns the task result
// on success; an error marks the task failed. Implementations must honor
// ctx cancellation promptly.
type Executor interface {
	Execute(ctx context.Context, task *ports.Task) (map[string]any, error)
}

// AgentExecutor drives a simulated agent session against the problem
// environment. Each step appends a log entry; the session is recorded as an
// LLM conversation so operators can replay it.
type AgentExecutor struct {
	tasks         *app.TaskService
	conversations *app.ConversationService
	logger        logging.Logger

	// StepDelay is the pause between agent steps. Tests shrink it.
	StepDelay time.Duration
}

// NewAgentExecutor constructs the default internal-backend executor.
func NewAgentExecutor(tasks *app.TaskService, conversations *app.ConversationService) *AgentExecutor {
	return &AgentExecutor{
		tasks:         tasks,
		conversations: conversations,
		logger:        logging.NewComponentLogger("AgentExecutor"),
		StepDelay:     time.Second,
	}
}

// Execute runs the agent loop for a task, bounded by max_steps.
func (e *AgentExecutor) Execute(ctx context.Context, task *ports.Task) (map[string]any, error) {
	maxSteps := task.MaxSteps(30)
	model := task.AgentModel()

	// Internal workers are provisioned one cluster each, so the worker id
	// doubles as the cluster id in the session record.
	conv, err := e.conversations.Start(ctx, app.StartConversationRequest{
		TaskID: task.ID,
		Model:  model,
		Metadata: map[string]any{
			"problem_id": task.ProblemID,
			"worker_id":  task.WorkerID,
			"cluster_id": task.WorkerID,
		},
	})
	if err != nil {
		e.logger.Warn("start conversation for task %s: %v", task.ID, err)
		conv = nil
	}

	if err := e.tasks.AppendLog(ctx, task.ID, ports.LogLevelInfo,
		fmt.Sprintf("agent session started for problem %s", task.ProblemID),
		map[string]any{"model": model, "max_steps": maxSteps}); err != nil {
		e.logger.Warn("append start log for task %s: %v", task.ID, err)
	}

	steps := 0
	for step := 1; step <= maxSteps; step++ {
		select {
		case <-ctx.Done():
			e.endConversation(conv, false, steps)
			return nil, ctx.Err()
		case <-time.After(e.StepDelay):
		}
		steps = step

		if conv != nil {
			_, err := e.conversations.Append(ctx, conv.ID, []ports.Message{{
				Role:    "assistant",
				Content: fmt.Sprintf("step %d: inspecting %s", step, task.ProblemID),
			}})
			if err != nil {
				e.logger.Warn("append conversation for task %s: %v", task.ID, err)
			}
		}
		if err := e.tasks.AppendLog(ctx, task.ID, ports.LogLevelDebug,
			fmt.Sprintf("agent step %d/%d", step, maxSteps), nil); err != nil {
			e.logger.Warn("append step log for task %s: %v", task.ID, err)
		}

		if e.solved(task, step) {
			break
		}
	}

	e.endConversation(conv, true, steps)
	return map[string]any{
		"problem_id":  task.ProblemID,
		"steps_taken": steps,
		"solved":      true,
	}, nil
}

// solved decides when the simulated session converges. Real diagnosis
// finishes well before the step budget for most problems.
func (e *AgentExecutor) solved(task *ports.Task, step int) bool {
	return step >= 3
}

func (e *AgentExecutor) endConversation(conv *ports.Conversation, success bool, steps int) {
	if conv == nil {
		return
	}
	// Detached context: the session record should land even when the task
	// context was cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := e.conversations.End(ctx, conv.ID, app.EndConversationRequest{
		Success:          success,
		TokensPrompt:     int64(steps * 400),
		TokensCompletion: int64(steps * 120),
	})
	if err != nil {
		e.logger.Warn("end conversation %s: %v", conv.ID, err)
	}
}
