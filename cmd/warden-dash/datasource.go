package main

import (
	"context"
	"os"
	"path/filepath"

	"warden/pkg/control"
	"warden/pkg/eventlog"
	"warden/pkg/protocol"
)

// Snapshot is one refresh of daemon and session state.
type Snapshot struct {
	DaemonState control.DaemonStatusValue
	DaemonPID   int
	Status      *control.Status
}

// wardenHome returns the warden state directory from env or default.
func wardenHome() string {
	if v := os.Getenv("WARDEN_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, protocol.WardenDir)
}

// auditDBPath returns the audit database path from env or default.
func auditDBPath() string {
	if v := os.Getenv("WARDEN_DB_PATH"); v != "" {
		return v
	}
	return filepath.Join(wardenHome(), "audit.db")
}

// fetchSnapshot reads the daemon liveness and the published status record.
//
// Error cases:
//   - missing status record → zero Status, nil error (daemon never ran)
//   - unreadable state directory → returns error
func fetchSnapshot(dir string) (*Snapshot, error) {
	ctrl := control.NewController(dir)

	state, pid, err := ctrl.DaemonStatus()
	if err != nil {
		return nil, err
	}
	status, err := ctrl.ReadStatus()
	if err != nil {
		return nil, err
	}
	return &Snapshot{DaemonState: state, DaemonPID: pid, Status: status}, nil
}

// fetchEvents returns the newest audit events, newest first. A missing audit
// database yields an empty slice so the dashboard renders before the first
// session runs.
func fetchEvents(ctx context.Context, dbPath string, limit int) ([]eventlog.Event, error) {
	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []eventlog.Event{}, nil
		}
		// NewReader wraps the stat error; treat any open failure of a
		// missing file as "no events yet".
		if _, statErr := os.Stat(dbPath); os.IsNotExist(statErr) {
			return []eventlog.Event{}, nil
		}
		return nil, err
	}
	defer reader.Close() //nolint:errcheck // read-only handle

	events, err := reader.Query(ctx, eventlog.QueryOpts{Limit: limit})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	return events, nil
}
