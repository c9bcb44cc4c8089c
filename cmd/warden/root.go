package main

import (
	"fmt"

	"warden/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root warden command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "warden",
		Short:         "Warden autonomous coding session daemon",
		Long:          "warden runs one governed autonomous coding session at a time:\nplan, execute in a sandbox, checkpoint, recover, then gate and promote the result.",
		Version:       fmt.Sprintf("warden %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newSessionsCmd(),
		newResumeCmd(),
		newPauseCmd(),
		newCancelCmd(),
		newPromoteCmd(),
		newAuditCmd(),
		newCheckpointCmd(),
		newLogsCmd(),
		newDashCmd(),
		newHelpCmd(cmd),
	)

	return cmd
}
