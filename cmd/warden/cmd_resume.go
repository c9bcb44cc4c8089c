package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"warden/pkg/control"
	"warden/pkg/session"

	"github.com/spf13/cobra"
)

// newResumeCmd creates the "warden resume" subcommand. A paused session's
// daemon has already exited, so resuming means starting a fresh daemon over
// the persisted state — this is not a mailbox directive.
func newResumeCmd() *cobra.Command {
	var (
		opts       startOptions
		sessionID  string
		daemonOnly bool
	)

	cmd := &cobra.Command{
		Use:   "resume [session-id]",
		Short: "Resume a paused or stale session",
		Long:  "Re-enters a paused session from its persisted graph, or a stale session from\nits latest checkpoint. Defaults to the most recent resumable session.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				sessionID = args[0]
			}
			if err := runPreflightChecks(opts.agent); err != nil {
				return err
			}

			p, err := ResolvePaths()
			if err != nil {
				return err
			}
			ctrl := control.NewController(p.WardenHome)
			if err := ctrl.Bootstrap(); err != nil {
				return err
			}

			store := session.NewStore(p.SessionsDir)
			sess, err := pickResumable(store, sessionID)
			if err != nil {
				return err
			}
			opts.workspace = sess.Workspace
			if opts.sandbox == "" {
				opts.sandbox = filepath.Join(p.SandboxDir, time.Now().UTC().Format("20060102-150405"))
			}

			if status, pid, _ := ctrl.DaemonStatus(); status == control.StatusRunning {
				return fmt.Errorf("warden daemon already running (PID %d)", pid)
			}

			if daemonOnly {
				return runResumeDaemon(cmd, p, ctrl, opts, sess.ID)
			}
			spawnArgs := []string{
				"resume", sess.ID, "--daemon-only",
				"--sandbox", opts.sandbox,
				"--agent", opts.agent,
			}
			if opts.model != "" {
				spawnArgs = append(spawnArgs, "--model", opts.model)
			}
			spawner := &ExecDaemonSpawner{}
			pid, err := spawner.SpawnDaemon(spawnArgs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resuming session %s (PID %d)\n", sess.ID, pid)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.sandbox, "sandbox", "", "sandbox directory (default: fresh clone under ~/.warden/sandbox)")
	cmd.Flags().StringVar(&opts.agent, "agent", "claude", "agent binary for planning and execution")
	cmd.Flags().StringVar(&opts.model, "model", "", "agent model override")
	cmd.Flags().Float64Var(&opts.costPerTask, "cost-per-task", 0.25, "flat per-task cost accrued against the budget")
	cmd.Flags().BoolVarP(&daemonOnly, "daemon-only", "d", false, "run the daemon in the foreground")

	return cmd
}

// runResumeDaemon runs the resumed session in the foreground.
func runResumeDaemon(cmd *cobra.Command, p *Paths, ctrl *control.Controller, opts startOptions, sessionID string) error {
	if err := ctrl.WritePID(os.Getpid()); err != nil {
		return err
	}
	defer func() { _ = ctrl.RemovePID() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if opts.sandbox == "" {
		return fmt.Errorf("--sandbox is required when resuming in the foreground")
	}
	if err := prepareSandbox(ctx, opts.workspace, opts.sandbox); err != nil {
		return err
	}

	d, db, err := buildDaemon(p, ctrl, opts)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // process is exiting

	out, err := d.Resume(ctx, sessionID, opts.sandbox)
	if err != nil {
		return fmt.Errorf("resume session %s: %w", sessionID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session stopped: %s (%d tasks, $%.2f)\n",
		out.Reason, out.TasksRun, out.CostUSD)
	return nil
}

// pickResumable returns the requested session, or the newest non-terminal
// session when no id is given.
func pickResumable(store *session.Store, id string) (*session.Session, error) {
	if id != "" {
		return store.Load(id)
	}
	sessions, err := store.List()
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if !s.Status.Terminal() {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no resumable session found")
}
