package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"warden/pkg/audit"
	"warden/pkg/gate"
	"warden/pkg/plan"
	"warden/pkg/promote"
	"warden/pkg/protocol"

	"github.com/spf13/cobra"
)

// newPromoteCmd creates the "warden promote" subcommand.
func newPromoteCmd() *cobra.Command {
	var (
		sessionID  string
		workspace  string
		sandbox    string
		credential string
		undoTag    string
	)

	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Gate and promote sandbox changes into the workspace",
		Long:  "Runs the four-check approval gate (secret scan, write limits, role scope,\nre-authentication) over the sandbox diff, then applies it to the workspace\nbehind pre/post git tags. --undo reverts to a pre-promote tag.",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := ResolvePaths()
			if err != nil {
				return err
			}
			if workspace == "" {
				if workspace, err = os.Getwd(); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			promoter := promote.NewPromoter(&promote.ExecGitRunner{})

			if undoTag != "" {
				if err := promoter.Undo(ctx, workspace, undoTag); err != nil {
					return err
				}
				appendAuditBestEffort(ctx, p, sessionID, protocol.EventPromoteUndone, map[string]any{"tag": undoTag})
				fmt.Fprintf(cmd.OutOrStdout(), "workspace reset to %s\n", undoTag)
				return nil
			}

			if sessionID == "" {
				return fmt.Errorf("--session is required")
			}
			if sandbox == "" {
				return fmt.Errorf("--sandbox is required")
			}

			policy, err := loadRoleOrDefault(p.RolePath)
			if err != nil {
				return err
			}
			allowlist, err := gate.LoadAllowlist(p.AllowlistPath)
			if err != nil {
				return err
			}

			diff, err := promoter.Diff(ctx, workspace, sandbox)
			if err != nil {
				return err
			}

			req := &gate.Request{
				SessionID:   sessionID,
				Role:        policy,
				SandboxPath: sandbox,
				Tracker:     trackerFromDiff(sandbox, diff),
				Performed:   performedActions(p, sessionID),
				Credential:  credential,
			}
			g := gate.New(policy, allowlist)
			// Each promote invocation is a single attempt; the state file is
			// what makes the lockout threshold reachable.
			g.UseAuthStateFile(filepath.Join(p.WardenHome, "pin_failures"))
			decision := g.Evaluate(ctx, req)
			appendAuditBestEffort(ctx, p, sessionID, protocol.EventGateEvaluated, map[string]any{
				"approved": decision.Approved,
				"passed":   strings.Join(decision.Passed, ","),
				"failed":   strings.Join(decision.Failed, ","),
			})

			if !decision.Approved {
				var b strings.Builder
				fmt.Fprintf(&b, "gate refused promotion (%s failed)", strings.Join(decision.Failed, ", "))
				for _, name := range decision.Failed {
					fmt.Fprintf(&b, "\n  %s: %s", name, decision.Details[name])
				}
				return fmt.Errorf("%s", b.String())
			}

			res, err := promoter.Promote(ctx, workspace, sandbox, sessionID)
			if err != nil {
				return err
			}
			appendAuditBestEffort(ctx, p, sessionID, protocol.EventPromoted, map[string]any{
				"files":  res.FilesPromoted,
				"commit": res.CommitSHA,
				"pre":    res.PreTag,
				"post":   res.PostTag,
			})

			fmt.Fprintf(cmd.OutOrStdout(), "promoted %d files as %s\n", res.FilesPromoted, res.CommitSHA)
			fmt.Fprintf(cmd.OutOrStdout(), "undo with: warden promote --undo %s\n", res.PreTag)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session whose sandbox output is being promoted")
	cmd.Flags().StringVar(&workspace, "workspace", "", "target git workspace (default: current directory)")
	cmd.Flags().StringVar(&sandbox, "sandbox", "", "sandbox directory holding the session's output")
	cmd.Flags().StringVar(&credential, "credential", "", "PIN or TOTP code for re-authentication")
	cmd.Flags().StringVar(&undoTag, "undo", "", "pre-promote tag to reset the workspace to")

	return cmd
}

// trackerFromDiff reconstructs write-volume counters from the sandbox diff,
// sizing created and modified files from the sandbox tree.
func trackerFromDiff(sandbox string, d *promote.DiffResult) *gate.WriteTracker {
	tracker := gate.NewWriteTracker()
	for _, rel := range d.Added {
		tracker.RecordCreate(rel, fileSize(filepath.Join(sandbox, rel)))
	}
	for _, rel := range d.Modified {
		tracker.RecordModify(rel, fileSize(filepath.Join(sandbox, rel)))
	}
	return tracker
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// performedActions reads the session's persisted graph and returns the
// distinct action types it executed. A missing graph yields no actions; the
// gate's block-list still applies to an empty set.
func performedActions(p *Paths, sessionID string) []string {
	data, err := os.ReadFile(filepath.Join(p.SessionsDir, sessionID, "graph.json")) //nolint:gosec // path derives from the state dir
	if err != nil {
		return nil
	}
	var g plan.Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var actions []string
	for _, t := range g.Tasks {
		a := string(t.Action)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		actions = append(actions, a)
	}
	return actions
}

// appendAuditBestEffort records a governance event without failing the
// command when the audit database is unavailable.
func appendAuditBestEffort(ctx context.Context, p *Paths, sessionID string, ev protocol.EventType, details map[string]any) {
	db, err := openDB(p.AuditDBPath)
	if err != nil {
		return
	}
	defer db.Close() //nolint:errcheck // best-effort append
	l, err := audit.Open(db, p.AuditDBPath)
	if err != nil {
		return
	}
	_ = l.Append(ctx, &audit.Entry{
		SessionID: sessionID,
		EventType: ev,
		Actor:     "operator",
		Details:   details,
	})
}
