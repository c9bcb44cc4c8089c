package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"warden/pkg/audit"
	"warden/pkg/control"
	"warden/pkg/daemon"
	"warden/pkg/loop"
	"warden/pkg/plan"
	"warden/pkg/promote"
	"warden/pkg/role"
	"warden/pkg/session"

	"github.com/spf13/cobra"
)

// DaemonSpawner abstracts spawning the daemon subprocess for testability.
type DaemonSpawner interface {
	SpawnDaemon(args []string) (pid int, err error)
}

// ExecDaemonSpawner spawns a real child process running the current binary
// with --daemon-only.
type ExecDaemonSpawner struct{}

// SpawnDaemon forks a child process re-executing this binary.
func (e *ExecDaemonSpawner) SpawnDaemon(args []string) (int, error) {
	child := exec.CommandContext(context.Background(), os.Args[0], args...) //nolint:gosec // intentionally re-executing self
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("spawn daemon: %w", err)
	}
	return child.Process.Pid, nil
}

// pidPollTimeout is the maximum time to wait for the daemon PID file.
const pidPollTimeout = 5 * time.Second

// pidPollInterval is how often to check for the PID file.
const pidPollInterval = 50 * time.Millisecond

// startOptions carries the start flags through the daemon build.
type startOptions struct {
	goal        string
	workspace   string
	sandbox     string
	agent       string
	model       string
	costPerTask float64
}

// newStartCmd creates the "warden start" subcommand.
func newStartCmd() *cobra.Command {
	var (
		opts       startOptions
		daemonOnly bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an autonomous session for a goal",
		Long:  "Plans the goal into a task graph and executes it in a sandbox clone of the\nworkspace. The daemon runs in the background unless --daemon-only is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.goal == "" {
				return fmt.Errorf("--goal is required")
			}
			if err := runPreflightChecks(opts.agent); err != nil {
				return err
			}

			p, err := ResolvePaths()
			if err != nil {
				return err
			}
			if err := p.bootstrapDirs(); err != nil {
				return err
			}
			ctrl := control.NewController(p.WardenHome)
			if err := ctrl.Bootstrap(); err != nil {
				return err
			}

			if opts.workspace == "" {
				if opts.workspace, err = os.Getwd(); err != nil {
					return err
				}
			}
			if opts.sandbox == "" {
				opts.sandbox = filepath.Join(p.SandboxDir, time.Now().UTC().Format("20060102-150405"))
			}

			status, pid, err := ctrl.DaemonStatus()
			if err != nil {
				return err
			}
			switch status {
			case control.StatusRunning:
				fmt.Fprintf(cmd.OutOrStdout(), "warden daemon already running (PID %d)\n", pid)
				return nil
			case control.StatusStale:
				// Clean up the stale PID file before starting fresh.
				_ = ctrl.RemovePID()
			case control.StatusStopped:
				// Good to go.
			}

			if daemonOnly {
				return runDaemonOnly(cmd, p, ctrl, opts)
			}
			return runBackgroundStart(cmd, ctrl, opts, &ExecDaemonSpawner{}, pidPollTimeout)
		},
	}

	cmd.Flags().StringVarP(&opts.goal, "goal", "g", "", "goal to decompose and execute")
	cmd.Flags().StringVar(&opts.workspace, "workspace", "", "git workspace to operate on (default: current directory)")
	cmd.Flags().StringVar(&opts.sandbox, "sandbox", "", "sandbox directory (default: fresh clone under ~/.warden/sandbox)")
	cmd.Flags().StringVar(&opts.agent, "agent", "claude", "agent binary for planning and execution")
	cmd.Flags().StringVar(&opts.model, "model", "", "agent model override")
	cmd.Flags().Float64Var(&opts.costPerTask, "cost-per-task", 0.25, "flat per-task cost accrued against the budget")
	cmd.Flags().BoolVarP(&daemonOnly, "daemon-only", "d", false, "run the daemon in the foreground (for CI or testing)")

	return cmd
}

// runBackgroundStart spawns the daemon subprocess and waits for its PID file.
func runBackgroundStart(cmd *cobra.Command, ctrl *control.Controller, opts startOptions, spawner DaemonSpawner, timeout time.Duration) error {
	args := []string{
		"start", "--daemon-only",
		"--goal", opts.goal,
		"--workspace", opts.workspace,
		"--sandbox", opts.sandbox,
		"--agent", opts.agent,
		"--cost-per-task", fmt.Sprintf("%g", opts.costPerTask),
	}
	if opts.model != "" {
		args = append(args, "--model", opts.model)
	}

	pid, err := spawner.SpawnDaemon(args)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if status, _, _ := ctrl.DaemonStatus(); status == control.StatusRunning {
			fmt.Fprintf(cmd.OutOrStdout(), "warden session started (PID %d, sandbox %s)\n", pid, opts.sandbox)
			return nil
		}
		time.Sleep(pidPollInterval)
	}
	return fmt.Errorf("daemon did not come up within %s", timeout)
}

// runDaemonOnly runs the session daemon in the foreground.
func runDaemonOnly(cmd *cobra.Command, p *Paths, ctrl *control.Controller, opts startOptions) error {
	fmt.Fprintf(cmd.OutOrStdout(), "starting warden daemon (PID %d)\n", os.Getpid())
	if err := ctrl.WritePID(os.Getpid()); err != nil {
		return err
	}
	defer func() { _ = ctrl.RemovePID() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := prepareSandbox(ctx, opts.workspace, opts.sandbox); err != nil {
		return err
	}

	d, db, err := buildDaemon(p, ctrl, opts)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // process is exiting

	out, err := d.Run(ctx, opts.goal, opts.workspace, opts.sandbox)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session stopped: %s (%d tasks, $%.2f)\n",
		out.Reason, out.TasksRun, out.CostUSD)
	return nil
}

// buildDaemon constructs a Daemon with all production dependencies.
// The caller owns the returned *sql.DB and must close it.
func buildDaemon(p *Paths, ctrl *control.Controller, opts startOptions) (*daemon.Daemon, *sql.DB, error) {
	db, err := openDB(p.AuditDBPath)
	if err != nil {
		return nil, nil, err
	}
	auditLog, err := audit.Open(db, p.AuditDBPath)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	policy, err := loadRoleOrDefault(p.RolePath)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	store := session.NewStore(p.SessionsDir)
	planner := &plan.CommandPlanner{Binary: opts.agent, Model: opts.model, Workdir: opts.workspace}
	executor := &loop.CommandExecutor{Binary: opts.agent, Workdir: opts.sandbox, CostPerTaskUSD: opts.costPerTask}

	d := daemon.New(store, plan.NewEngine(planner), executor, auditLog, ctrl, policy, nil)
	return d, db, nil
}

// prepareSandbox clones the workspace into the sandbox path if it does not
// exist yet. An existing sandbox is reused as-is (resume case).
func prepareSandbox(ctx context.Context, workspace, sandbox string) error {
	if _, err := os.Stat(sandbox); err == nil {
		return nil
	}
	git := &promote.ExecGitRunner{}
	if _, stderr, err := git.Run(ctx, "", "clone", workspace, sandbox); err != nil {
		return fmt.Errorf("clone workspace into sandbox: %w (%s)", err, stderr)
	}
	return nil
}

// loadRoleOrDefault loads the role policy, falling back to the built-in
// default when no policy file exists.
func loadRoleOrDefault(path string) (*role.Role, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return role.Default(), nil
	}
	return role.Load(path)
}
