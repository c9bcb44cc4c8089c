// Package eventlog provides read-only access to the warden audit database.
// It enables querying governance events for `warden logs` and the dashboard
// without ever holding a write handle on the daemon's chain.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"warden/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// Event is one audit entry as seen by readers. The chain fields are included
// so `warden logs` can display provenance, but verification belongs to
// pkg/audit.
type Event struct {
	ID        int64
	Timestamp time.Time
	SessionID string
	EventType string
	Actor     string
	Details   string

	PrevHash  string
	EntryHash string
}

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// SessionID filters events to a specific session.
	SessionID string

	// EventType filters to a specific event type (e.g. "task_completed").
	EventType string

	// After filters events recorded at or after this time.
	After *time.Time

	// Before filters events recorded at or before this time.
	Before *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Reader provides read-only access to the audit event stream.
type Reader struct {
	db *sql.DB
}

// NewReader opens the audit SQLite database in read-only mode with WAL.
// Returns an error if the database doesn't exist or cannot be opened.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	// Read-only with WAL so the daemon's writes are never blocked.
	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Reader{db: db}, nil
}

// NewReaderFromDB wraps an existing handle. Used by tests and the daemon's
// own status endpoints.
func NewReaderFromDB(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Close releases the database connection. Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query retrieves audit events matching the given filter criteria, newest
// first. Returns an empty slice if no events match.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only iteration

	var events []Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.SessionID, &e.EventType, &e.Actor,
			&e.Details, &e.PrevHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		e.Timestamp = parsed

		if opts.After != nil && e.Timestamp.Before(*opts.After) {
			continue
		}
		if opts.Before != nil && e.Timestamp.After(*opts.Before) {
			continue
		}
		events = append(events, e)
		if opts.Limit > 0 && len(events) >= opts.Limit {
			break
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Sessions returns the distinct session ids present in the log, newest entry
// first. Used by the dashboard's session picker.
func (r *Reader) Sessions(ctx context.Context, limit int) ([]string, error) {
	query := "SELECT session_id, MAX(id) AS last FROM audit_entries GROUP BY session_id ORDER BY last DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only iteration

	var ids []string
	for rows.Next() {
		var id string
		var last int64
		if err := rows.Scan(&id, &last); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// buildQuery constructs the SQL query and arguments from QueryOpts. Time
// bounds are applied by the caller on the parsed timestamps: RFC3339Nano
// trims trailing fractional zeros, so the stored strings do not sort
// lexicographically across mixed fractional widths. For the same reason the
// limit moves into Go whenever a time bound is set — SQL would cut the scan
// before the filter runs.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, ts, session_id, event_type, actor, details, prev_hash, entry_hash FROM audit_entries"

	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.EventType != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, opts.EventType)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 && opts.After == nil && opts.Before == nil {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}

// DefaultDBPath returns the default path to the warden audit database.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, protocol.WardenDir, "audit.db")
}
