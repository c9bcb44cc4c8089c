package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"warden/pkg/audit"

	"github.com/spf13/cobra"
)

// newAuditCmd creates the "warden audit" subcommand group.
func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and verify the governance log",
	}
	cmd.AddCommand(newAuditVerifyCmd(), newAuditLogCmd())
	return cmd
}

// newAuditVerifyCmd creates "warden audit verify".
func newAuditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Replay the audit chain and verify every hash and signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := ResolvePaths()
			if err != nil {
				return err
			}
			db, err := openDB(p.AuditDBPath)
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck // read path

			l, err := audit.Open(db, p.AuditDBPath)
			if err != nil {
				return err
			}

			n, err := l.VerifyChain(cmd.Context())
			var chainErr *audit.ChainError
			if errors.As(err, &chainErr) {
				return fmt.Errorf("TAMPERING DETECTED: %w", chainErr)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "audit chain intact: %d entries verified\n", n)
			return nil
		},
	}
}

// newAuditLogCmd creates "warden audit log".
func newAuditLogCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the newest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := ResolvePaths()
			if err != nil {
				return err
			}
			db, err := openDB(p.AuditDBPath)
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck // read path

			l, err := audit.Open(db, p.AuditDBPath)
			if err != nil {
				return err
			}
			entries, err := l.Tail(cmd.Context(), limit)
			if err != nil {
				return err
			}

			for _, e := range entries {
				details := ""
				if len(e.Details) > 0 {
					if enc, err := json.Marshal(e.Details); err == nil {
						details = " " + string(enc)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%6d  %s  %-20s %s%s\n",
					e.ID, e.Timestamp.Format("2006-01-02 15:04:05"), e.EventType, e.SessionID, details)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}
