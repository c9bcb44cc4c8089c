package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// CommandPlanner implements Planner by spawning an agent subprocess that
// returns task lists as JSON. The agent's prose around the JSON array is
// tolerated; the array itself must parse.
type CommandPlanner struct {
	// Binary is the agent command, e.g. "claude".
	Binary string
	// Model selects the agent model; empty uses the agent default.
	Model string
	// Workdir is where the agent runs, typically the workspace.
	Workdir string
}

// DecomposeGoal asks the agent to break the goal into tasks.
func (p *CommandPlanner) DecomposeGoal(ctx context.Context, goal, planContext string) ([]Task, error) {
	out, err := p.run(ctx, decomposePrompt(goal, planContext))
	if err != nil {
		return nil, err
	}
	return parseTasks(out)
}

// Replan asks the agent for new tasks covering the remaining work.
func (p *CommandPlanner) Replan(ctx context.Context, goal string, completed, failed, remaining []Task) ([]Task, error) {
	out, err := p.run(ctx, replanPrompt(goal, completed, failed, remaining))
	if err != nil {
		return nil, err
	}
	return parseTasks(out)
}

func (p *CommandPlanner) run(ctx context.Context, prompt string) (string, error) {
	args := []string{"-p", prompt}
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	cmd := exec.CommandContext(ctx, p.Binary, args...) //nolint:gosec // binary comes from operator config
	cmd.Dir = p.Workdir

	var outBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &outBuf

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("planner agent: %w: %s", err, truncate(outBuf.String(), 400))
	}
	return outBuf.String(), nil
}

// parseTasks extracts the first JSON array from the agent's output and
// unmarshals it as task records.
func parseTasks(out string) ([]Task, error) {
	start := strings.Index(out, "[")
	end := strings.LastIndex(out, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("planner output contains no JSON task array: %s", truncate(out, 400))
	}

	var tasks []Task
	if err := json.Unmarshal([]byte(out[start:end+1]), &tasks); err != nil {
		return nil, fmt.Errorf("parse planner output: %w", err)
	}
	return tasks, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
