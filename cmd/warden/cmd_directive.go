package main

import (
	"fmt"

	"warden/pkg/control"
	"warden/pkg/protocol"

	"github.com/spf13/cobra"
)

// newPauseCmd creates the "warden pause" subcommand.
func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause the running session at the next iteration boundary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postDirective(cmd, protocol.DirectivePause)
		},
	}
}

// newCancelCmd creates the "warden cancel" subcommand.
func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the running session (terminal, cannot be resumed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postDirective(cmd, protocol.DirectiveCancel)
		},
	}
}

// postDirective drops a directive into the daemon's command mailbox.
// Directives take effect at iteration boundaries, never mid-task.
func postDirective(cmd *cobra.Command, d protocol.Directive) error {
	p, err := ResolvePaths()
	if err != nil {
		return err
	}
	ctrl := control.NewController(p.WardenHome)
	if err := ctrl.Bootstrap(); err != nil {
		return err
	}

	name, err := ctrl.Post(d)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s directive queued (%s)\n", d, name)
	return nil
}
