package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// helpText is the categorized help output for "warden help".
const helpText = `Warden — Autonomous session supervisor

Lifecycle:
  init        Bootstrap the state directory, role policy, and allowlist
  start       Launch a supervised session against a goal
  stop        Graceful daemon shutdown

Monitoring:
  status      Show daemon and session state
  sessions    List persisted sessions
  logs        Query and tail the governance event log
  dash        Launch interactive dashboard

Control:
  pause       Ask the running session to pause at the next task boundary
  resume      Resume a paused or stale session
  cancel      Cancel the running session

Governance:
  promote     Gate and promote sandbox changes into the workspace
  audit       Verify and inspect the tamper-evident audit chain
  checkpoint  List, prune, and roll back session checkpoints

Use "warden <command> --help" for detailed usage of any command.
`

// newHelpCmd creates the "warden help" subcommand that displays a categorized
// overview. When called with an argument (e.g. "warden help status"), it falls
// through to cobra's built-in per-command help.
func newHelpCmd(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "help [command]",
		Short: "Show categorized command overview",
		Long:  "Displays a categorized overview of all warden subcommands.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				fmt.Fprint(cmd.OutOrStdout(), helpText)
				return nil
			}

			// Fall through to cobra's per-command help.
			target, _, err := root.Find(args)
			if err != nil || target == nil || target == root {
				return fmt.Errorf("unknown command %q", args[0])
			}
			return target.Help()
		},
	}
}
