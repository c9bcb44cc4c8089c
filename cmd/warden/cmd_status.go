package main

import (
	"fmt"

	"warden/pkg/control"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "warden status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := ResolvePaths()
			if err != nil {
				return err
			}
			ctrl := control.NewController(p.WardenHome)

			status, pid, err := ctrl.DaemonStatus()
			if err != nil {
				return err
			}
			switch status {
			case control.StatusRunning:
				fmt.Fprintf(cmd.OutOrStdout(), "daemon: running (PID %d)\n", pid)
			case control.StatusStale:
				fmt.Fprintf(cmd.OutOrStdout(), "daemon: stale PID file (PID %d is dead)\n", pid)
			case control.StatusStopped:
				fmt.Fprintln(cmd.OutOrStdout(), "daemon: stopped")
			}

			st, err := ctrl.ReadStatus()
			if err != nil {
				return err
			}
			if st.SessionID == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "session: none")
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "session: %s (%s)\n", st.SessionID, st.State)
			fmt.Fprintf(cmd.OutOrStdout(), "  role:  %s\n", st.Role)
			fmt.Fprintf(cmd.OutOrStdout(), "  goal:  %s\n", st.Goal)
			fmt.Fprintf(cmd.OutOrStdout(), "  tasks: %d/%d completed, %d failed\n",
				st.TasksCompleted, st.TasksTotal, st.TasksFailed)
			if st.UpdatedAt != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  as of: %s\n", st.UpdatedAt)
			}
			return nil
		},
	}
}
