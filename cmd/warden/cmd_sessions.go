package main

import (
	"fmt"

	"warden/pkg/session"

	"github.com/spf13/cobra"
)

// newSessionsCmd creates the "warden sessions" subcommand.
func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List persisted sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := ResolvePaths()
			if err != nil {
				return err
			}

			sessions, err := session.NewStore(p.SessionsDir).List()
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
				return nil
			}

			for _, s := range sessions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s  %d/%d tasks  $%.2f  %s\n",
					s.ID, s.Status, s.Progress.Completed, s.Progress.Total, s.CostUSD, s.Goal)
			}
			return nil
		},
	}
}
