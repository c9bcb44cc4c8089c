package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"warden/pkg/checkpoint"
	"warden/pkg/plan"
	"warden/pkg/session"

	"github.com/spf13/cobra"
)

// newCheckpointCmd creates the "warden checkpoint" subcommand group.
func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage session checkpoints",
	}
	cmd.AddCommand(newCheckpointListCmd(), newCheckpointPruneCmd(), newCheckpointRollbackCmd())
	return cmd
}

// checkpointManager builds a Manager for the given session.
func checkpointManager(sessionID string) (*checkpoint.Manager, *Paths, error) {
	if sessionID == "" {
		return nil, nil, fmt.Errorf("--session is required")
	}
	p, err := ResolvePaths()
	if err != nil {
		return nil, nil, err
	}
	return checkpoint.NewManager(filepath.Join(p.SessionsDir, sessionID), sessionID), p, nil
}

// newCheckpointListCmd creates "warden checkpoint list".
func newCheckpointListCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a session's checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := checkpointManager(sessionID)
			if err != nil {
				return err
			}
			metas, err := m.List()
			if err != nil {
				return err
			}
			if len(metas) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no checkpoints")
				return nil
			}
			for _, meta := range metas {
				sandbox := ""
				if meta.HasSandbox {
					sandbox = "  +sandbox"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%3d  %s  %d tasks done  %s%s\n",
					meta.Seq, meta.CreatedAt.Format("2006-01-02 15:04:05"),
					meta.TasksCompleted, meta.Description, sandbox)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	return cmd
}

// newCheckpointPruneCmd creates "warden checkpoint prune".
func newCheckpointPruneCmd() *cobra.Command {
	var (
		sessionID string
		keep      int
		maxAge    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old checkpoints by count ceiling, then by age",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := checkpointManager(sessionID)
			if err != nil {
				return err
			}
			res, err := m.Prune(keep, maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d checkpoints, freed %d bytes\n",
				res.Removed, res.BytesFreed)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().IntVar(&keep, "keep", 10, "maximum checkpoints to keep (0 = no count ceiling)")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "remove checkpoints older than this (0 = no age ceiling)")
	return cmd
}

// newCheckpointRollbackCmd creates "warden checkpoint rollback". It restores
// the snapshot as the session's live state; the next resume runs from it.
func newCheckpointRollbackCmd() *cobra.Command {
	var (
		sessionID string
		seq       int
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore a checkpoint snapshot as the session's live state",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, p, err := checkpointManager(sessionID)
			if err != nil {
				return err
			}
			if seq == 0 {
				latest, err := m.Latest()
				if err != nil {
					return err
				}
				if latest == nil {
					return fmt.Errorf("session %s has no checkpoints", sessionID)
				}
				seq = latest.Seq
			}

			sess, g, meta, err := m.Rollback(seq)
			if err != nil {
				return err
			}

			if err := session.NewStore(p.SessionsDir).Save(sess); err != nil {
				return err
			}
			if err := writeGraphJSON(filepath.Join(p.SessionsDir, sessionID, "graph.json"), g); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "restored checkpoint %d (%d tasks done, taken %s)\n",
				meta.Seq, meta.TasksCompleted, meta.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintln(cmd.OutOrStdout(), "run 'warden resume' to continue from this state")
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().IntVar(&seq, "seq", 0, "checkpoint sequence number (default: latest)")
	return cmd
}

// writeGraphJSON persists a task graph atomically.
func writeGraphJSON(path string, g *plan.Graph) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write graph: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename graph: %w", err)
	}
	return nil
}
