package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"taskexec/internal/logging"
	"taskexec/internal/server/app"
	"taskexec/internal/server/ports"
)

// OrchestratorExecutor runs tasks by shelling out to an external
// orchestrator process. Each stdout line becomes a task log entry; a final
// line of JSON, when present, becomes the task result.
type OrchestratorExecutor struct {
	command string
	tasks   *app.TaskService
	logger  logging.Logger
}

// NewOrchestratorExecutor constructs an executor around the given command.
func NewOrchestratorExecutor(command string, tasks *app.TaskService) *OrchestratorExecutor {
	return &OrchestratorExecutor{
		command: command,
		tasks:   tasks,
		logger:  logging.NewComponentLogger("OrchestratorExecutor"),
	}
}

// Execute invokes the orchestrator with the problem id and parameters on
// stdin. Cancellation kills the subprocess via the command context.
func (e *OrchestratorExecutor) Execute(ctx context.Context, task *ports.Task) (map[string]any, error) {
	if e.command == "" {
		return nil, fmt.Errorf("orchestrator command not configured")
	}

	paramsJSON, err := json.Marshal(task.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}

	parts := strings.Fields(e.command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("orchestrator command not configured")
	}
	args := append(parts[1:], task.ProblemID)
	cmd := exec.CommandContext(ctx, parts[0], args...)
	cmd.Stdin = strings.NewReader(string(paramsJSON))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start orchestrator: %w", err)
	}

	var lastLine string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lastLine = line
		if err := e.tasks.AppendLog(ctx, task.ID, ports.LogLevelInfo, line, nil); err != nil {
			e.logger.Warn("append orchestrator log for task %s: %v", task.ID, err)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("orchestrator exited: %w", err)
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(lastLine), &result); err != nil {
		// Orchestrators that do not emit a JSON summary still succeed.
		result = map[string]any{"output": lastLine}
	}
	return result, nil
}
