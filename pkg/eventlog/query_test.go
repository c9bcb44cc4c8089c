package eventlog //nolint:testpackage // internal test needs access to unexported helpers

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"warden/pkg/audit"
	"warden/pkg/protocol"

	_ "modernc.org/sqlite"
)

// seedLog writes a small audit stream and returns the database path.
func seedLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close() //nolint:errcheck // test fixture

	l, err := audit.Open(db, path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}

	ctx := context.Background()
	entries := []struct {
		session string
		ev      protocol.EventType
	}{
		{"sess-a", protocol.EventSessionCreated},
		{"sess-a", protocol.EventPlanCreated},
		{"sess-a", protocol.EventTaskCompleted},
		{"sess-b", protocol.EventSessionCreated},
		{"sess-b", protocol.EventTaskFailed},
		{"sess-a", protocol.EventSessionCompleted},
	}
	for _, e := range entries {
		if err := l.Append(ctx, &audit.Entry{
			SessionID: e.session,
			EventType: e.ev,
			Actor:     "daemon",
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return path
}

func TestQuery_FiltersBySession(t *testing.T) {
	r, err := NewReader(seedLog(t))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close() //nolint:errcheck // test cleanup

	events, err := r.Query(context.Background(), QueryOpts{SessionID: "sess-b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	for _, e := range events {
		if e.SessionID != "sess-b" {
			t.Fatalf("event %d belongs to %s", e.ID, e.SessionID)
		}
	}
}

func TestQuery_FiltersByEventType(t *testing.T) {
	r, err := NewReader(seedLog(t))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close() //nolint:errcheck // test cleanup

	events, err := r.Query(context.Background(), QueryOpts{EventType: string(protocol.EventSessionCreated)})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
}

func TestQuery_NewestFirstWithLimit(t *testing.T) {
	r, err := NewReader(seedLog(t))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close() //nolint:errcheck // test cleanup

	events, err := r.Query(context.Background(), QueryOpts{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID >= events[i-1].ID {
			t.Fatalf("events not newest-first: %d then %d", events[i-1].ID, events[i].ID)
		}
	}
	if events[0].EventType != string(protocol.EventSessionCompleted) {
		t.Fatalf("newest event = %s", events[0].EventType)
	}
}

func TestQuery_TimeRange(t *testing.T) {
	r, err := NewReader(seedLog(t))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close() //nolint:errcheck // test cleanup

	future := time.Now().Add(time.Hour)
	events, err := r.Query(context.Background(), QueryOpts{After: &future})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("got %d events after the future cutoff", len(events))
	}

	past := time.Now().Add(-time.Hour)
	events, err = r.Query(context.Background(), QueryOpts{After: &past})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 6 {
		t.Fatalf("got %d events, want all 6", len(events))
	}
}

func TestQuery_TimeRangeMixedFractionalWidths(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close() //nolint:errcheck // test fixture
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	insert := func(id int64, ts string) {
		t.Helper()
		_, err := db.Exec(`INSERT INTO audit_entries
			(id, ts, session_id, event_type, actor, details, prev_hash, entry_hash, signature)
			VALUES (?, ?, 'sess-a', 'task_completed', 'daemon', '{}', '', '', '')`, id, ts)
		if err != nil {
			t.Fatalf("insert %d: %v", id, err)
		}
	}
	// Whole seconds serialize without a fractional part, so "...00Z" sorts
	// after "...00.5Z" as a string despite being the earlier instant.
	insert(1, "2026-08-01T12:00:00Z")
	insert(2, "2026-08-01T12:00:00.5Z")
	insert(3, "2026-08-01T12:00:01Z")

	r := NewReaderFromDB(db)
	cutoff := time.Date(2026, 8, 1, 12, 0, 0, 250_000_000, time.UTC)

	events, err := r.Query(context.Background(), QueryOpts{Before: &cutoff})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != 1 {
		t.Fatalf("before-filter = %v, want only the whole-second entry", eventIDs(events))
	}

	events, err = r.Query(context.Background(), QueryOpts{After: &cutoff})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].ID != 3 || events[1].ID != 2 {
		t.Fatalf("after-filter = %v, want [3 2]", eventIDs(events))
	}

	// The limit applies to the filtered set, not the raw scan order.
	events, err = r.Query(context.Background(), QueryOpts{Before: &cutoff, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != 1 {
		t.Fatalf("limited before-filter = %v, want [1]", eventIDs(events))
	}
}

func eventIDs(events []Event) []int64 {
	ids := make([]int64, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}

func TestSessions_DistinctNewestFirst(t *testing.T) {
	r, err := NewReader(seedLog(t))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close() //nolint:errcheck // test cleanup

	ids, err := r.Sessions(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	// sess-a has the most recent entry, so it sorts first.
	if len(ids) != 2 || ids[0] != "sess-a" || ids[1] != "sess-b" {
		t.Fatalf("sessions = %v", ids)
	}
}

func TestNewReader_MissingDatabase(t *testing.T) {
	if _, err := NewReader(filepath.Join(t.TempDir(), "nope.db")); err == nil {
		t.Fatal("missing database opened")
	}
}
