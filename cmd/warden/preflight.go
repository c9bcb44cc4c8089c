package main

import (
	"fmt"
	"os/exec"
)

// runPreflightChecks verifies that the external tools a session needs are
// available. agentBinary is the configured executor command.
// Returns an error with an actionable message if any check fails.
func runPreflightChecks(agentBinary string) error {
	required := []string{"git", agentBinary}
	for _, tool := range required {
		if _, err := exec.LookPath(tool); err != nil {
			return fmt.Errorf("required tool %q not found in PATH — run 'warden init' to check your setup", tool)
		}
	}
	return nil
}
