package loop

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"warden/pkg/plan"
)

// CommandExecutor implements Executor by spawning one agent subprocess per
// task. The task title and description become the prompt. A clean exit is
// treated as success with full confidence; the subprocess protocol carries no
// structured confidence signal.
type CommandExecutor struct {
	// Binary is the agent command, e.g. "claude".
	Binary string
	// Args are passed before the prompt flag.
	Args []string
	// Workdir is the sandbox the agent operates in.
	Workdir string
	// CostPerTaskUSD is accrued per execution. Flat-rate accounting until
	// the agent reports real usage.
	CostPerTaskUSD float64
}

// Execute runs the agent subprocess for one task.
func (e *CommandExecutor) Execute(ctx context.Context, task plan.Task) (*Result, error) {
	prompt := task.Title
	if task.Description != "" {
		prompt += "\n\n" + task.Description
	}

	args := append(append([]string{}, e.Args...), "-p", prompt)
	cmd := exec.CommandContext(ctx, e.Binary, args...) //nolint:gosec // binary comes from operator config
	cmd.Dir = e.Workdir

	var outBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &outBuf

	err := cmd.Run()
	res := &Result{
		Output:  outBuf.String(),
		CostUSD: e.CostPerTaskUSD,
	}
	if err != nil {
		res.Error = fmt.Sprintf("agent exited: %v", err)
		return res, nil
	}
	res.Success = true
	res.Confidence = 1.0
	return res, nil
}
