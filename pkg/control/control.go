// Package control implements the daemon control surface: the PID file with
// process-liveness checks, the JSON status record polled by the CLI and
// dashboard, and the file-based command mailbox through which operators
// deliver pause/resume/cancel directives. It is an explicit value owning its
// own storage directory, injected into the daemon rather than held in
// module-level globals.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// DaemonStatusValue represents the health state of the daemon.
type DaemonStatusValue string

const (
	// StatusRunning means the PID file exists and the process is alive.
	StatusRunning DaemonStatusValue = "running"
	// StatusStopped means no PID file exists.
	StatusStopped DaemonStatusValue = "stopped"
	// StatusStale means the PID file exists but the process is dead.
	StatusStale DaemonStatusValue = "stale"
)

// Status is the record the daemon publishes for the CLI/dashboard. The core
// treats it as an outbound mailbox, not its own state.
type Status struct {
	Running   bool   `json:"running"`
	PID       int    `json:"pid"`
	SessionID string `json:"session_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Goal      string `json:"goal,omitempty"`
	State     string `json:"state,omitempty"`

	TasksTotal     int `json:"tasks_total"`
	TasksCompleted int `json:"tasks_completed"`
	TasksFailed    int `json:"tasks_failed"`

	UpdatedAt string `json:"updated_at,omitempty"`
}

// Controller owns the control directory: PID file, status record, and the
// command mailbox.
type Controller struct {
	dir string
}

// NewController creates a Controller rooted at dir. Bootstrap creates the
// directory layout.
func NewController(dir string) *Controller {
	return &Controller{dir: dir}
}

// Dir returns the control directory.
func (c *Controller) Dir() string { return c.dir }

// Bootstrap creates the control directory layout with 0700 permissions.
// Idempotent.
func (c *Controller) Bootstrap() error {
	for _, d := range []string{c.dir, c.commandsDir()} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("create control dir %s: %w", d, err)
		}
	}
	return nil
}

func (c *Controller) pidPath() string    { return filepath.Join(c.dir, "warden.pid") }
func (c *Controller) statusPath() string { return filepath.Join(c.dir, "status.json") }
func (c *Controller) commandsDir() string {
	return filepath.Join(c.dir, "commands")
}

// WritePID records the given PID.
func (c *Controller) WritePID(pid int) error {
	if err := os.WriteFile(c.pidPath(), []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write PID file %s: %w", c.pidPath(), err)
	}
	return nil
}

// ReadPID reads and parses the recorded PID.
func (c *Controller) ReadPID() (int, error) {
	data, err := os.ReadFile(c.pidPath()) //nolint:gosec // PID path is controlled by the controller
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", c.pidPath(), err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", c.pidPath(), err)
	}
	return pid, nil
}

// RemovePID removes the PID file. Idempotent: no error if absent.
func (c *Controller) RemovePID() error {
	err := os.Remove(c.pidPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", c.pidPath(), err)
	}
	return nil
}

// IsProcessAlive checks whether a process with the given PID exists. On Unix,
// signal 0 probes existence without signaling. PID reuse can produce a rare
// false positive; this is an accepted limitation, not an invariant.
func IsProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// DaemonStatus checks the PID file and process liveness.
// Returns the status, the PID (0 if stopped), and any unexpected error.
func (c *Controller) DaemonStatus() (status DaemonStatusValue, pid int, err error) {
	pid, err = c.ReadPID()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StatusStopped, 0, nil
		}
		return StatusStopped, 0, fmt.Errorf("daemon status: %w", err)
	}
	if IsProcessAlive(pid) {
		return StatusRunning, pid, nil
	}
	return StatusStale, pid, nil
}

// StopDaemon sends SIGTERM to the recorded daemon process.
func (c *Controller) StopDaemon() error {
	pid, err := c.ReadPID()
	if err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM to PID %d: %w", pid, err)
	}
	return nil
}

// WriteStatus publishes the status record atomically.
func (c *Controller) WriteStatus(s *Status) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	tmp := c.statusPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	if err := os.Rename(tmp, c.statusPath()); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}

// ReadStatus reads the published status record. A missing record yields a
// zero Status, not an error.
func (c *Controller) ReadStatus() (*Status, error) {
	data, err := os.ReadFile(c.statusPath()) //nolint:gosec // status path is controlled by the controller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Status{}, nil
		}
		return nil, fmt.Errorf("read status: %w", err)
	}
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse status: %w", err)
	}
	return &s, nil
}
