package main

import (
	"fmt"

	"warden/pkg/control"

	"github.com/spf13/cobra"
)

// newStopCmd creates the "warden stop" subcommand.
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the warden daemon",
		Long:  "Sends SIGTERM to the daemon. The running session is paused at the next\niteration boundary and can be resumed later.",
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
			case control.StatusStopped:
				fmt.Fprintln(cmd.OutOrStdout(), "warden daemon is not running")
				return nil
			case control.StatusStale:
				fmt.Fprintln(cmd.OutOrStdout(), "removing stale PID file (process already dead)")
				return ctrl.RemovePID()
			case control.StatusRunning:
				fmt.Fprintf(cmd.OutOrStdout(), "sending SIGTERM to warden daemon (PID %d)\n", pid)
				if err := ctrl.StopDaemon(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "stop signal sent")
				return nil
			}
			return nil
		},
	}
}
