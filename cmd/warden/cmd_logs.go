package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"warden/pkg/eventlog"

	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	sessionID string
	eventType string
	tail      int
	follow    bool
}

// newLogsCmd creates the "warden logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs [session-id]",
		Short: "Query and tail the governance event log",
		Long:  "Displays events from the audit log.\nOptionally filter by session-id or event type, and follow new events.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				cfg.sessionID = args[0]
			}

			p, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			reader, err := eventlog.NewReader(p.AuditDBPath)
			if err != nil {
				return err
			}
			defer reader.Close() //nolint:errcheck // read-only handle

			w := cmd.OutOrStdout()
			if cfg.follow {
				return followEvents(cmd.Context(), reader, w, cfg)
			}
			return printEvents(cmd.Context(), reader, w, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.eventType, "type", "", "filter by event type (e.g. task_completed)")
	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events every 1s")

	return cmd
}

// printEvents displays the last N events in chronological order.
func printEvents(ctx context.Context, r *eventlog.Reader, w io.Writer, cfg logsConfig) error {
	events, err := r.Query(ctx, eventlog.QueryOpts{
		SessionID: cfg.sessionID,
		EventType: cfg.eventType,
		Limit:     cfg.tail,
	})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}

	// Query returns newest first; replay oldest first for reading.
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, &events[i])
	}
	return nil
}

// followEvents prints the initial batch, then polls for events with a higher
// id than the last one seen.
func followEvents(ctx context.Context, r *eventlog.Reader, w io.Writer, cfg logsConfig) error {
	events, err := r.Query(ctx, eventlog.QueryOpts{
		SessionID: cfg.sessionID,
		EventType: cfg.eventType,
		Limit:     cfg.tail,
	})
	if err != nil {
		return err
	}

	var lastID int64
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, &events[i])
		lastID = events[i].ID
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fresh, err := r.Query(ctx, eventlog.QueryOpts{
				SessionID: cfg.sessionID,
				EventType: cfg.eventType,
				Limit:     100,
			})
			if err != nil {
				return err
			}
			for i := len(fresh) - 1; i >= 0; i-- {
				if fresh[i].ID <= lastID {
					continue
				}
				formatEvent(w, &fresh[i])
				lastID = fresh[i].ID
			}
		}
	}
}

// formatEvent writes a single event in a human-readable format.
func formatEvent(w io.Writer, e *eventlog.Event) {
	details := ""
	if e.Details != "" && e.Details != "{}" {
		details = " " + e.Details
	}
	fmt.Fprintf(w, "%s | %-12s | %-20s | %s%s\n",
		e.Timestamp.Format("2006-01-02 15:04:05"), e.Actor, e.EventType, e.SessionID, details)
}
