// Package audit implements the append-only governance log: a hash-chained,
// HMAC-signed sequence of entries stored in SQLite. Each entry embeds its
// predecessor's hash, so insertion, deletion, and reordering break the chain;
// the HMAC signature (keyed by machine identity, never stored with the log)
// detects in-place tampering. Verification replays the chain from genesis.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"warden/pkg/protocol"
)

// GenesisHash is the prev_hash value of the first chain entry.
const GenesisHash = "genesis"

// Entry is a single immutable audit record.
type Entry struct {
	ID        int64              `json:"id"`
	Timestamp time.Time          `json:"ts"`
	SessionID string             `json:"session_id"`
	EventType protocol.EventType `json:"event_type"`
	Actor     string             `json:"actor"`
	Details   map[string]any     `json:"details,omitempty"`

	PrevHash  string `json:"prev_hash"`
	EntryHash string `json:"entry_hash"`
	Signature string `json:"signature"`
}

// ChainError reports the first position at which chain verification failed.
// It is a security incident: the caller must surface it, never repair it.
type ChainError struct {
	Position int64
	Reason   string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain verification failed at entry %d: %s", e.Position, e.Reason)
}

// Log is the append-only audit chain. Safe for use from the single loop
// thread; it is not multi-writer safe across processes.
type Log struct {
	db  *sql.DB
	key []byte

	mu       sync.Mutex
	headHash string
	nextID   int64

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// Open prepares the audit chain on db. storagePath is the log's on-disk
// location and feeds key derivation: a relocated log without its origin
// machine and path becomes unverifiable by design.
func Open(db *sql.DB, storagePath string) (*Log, error) {
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}

	l := &Log{
		db:       db,
		key:      deriveKey(storagePath),
		headHash: GenesisHash,
		nextID:   1,
		nowFunc:  time.Now,
	}

	// Recover the in-memory head from the last persisted entry.
	row := db.QueryRow("SELECT id, entry_hash FROM audit_entries ORDER BY id DESC LIMIT 1")
	var id int64
	var head string
	switch err := row.Scan(&id, &head); {
	case errors.Is(err, sql.ErrNoRows):
		// Empty chain.
	case err != nil:
		return nil, fmt.Errorf("load audit head: %w", err)
	default:
		l.headHash = head
		l.nextID = id + 1
	}
	return l, nil
}

// Append sets the entry's chain linkage, computes its content hash and HMAC
// signature, and persists it. If e.PrevHash is pre-set and does not match the
// current chain head the append is rejected. The entry's ID, PrevHash,
// EntryHash, and Signature fields are filled in on success.
func (l *Log) Append(ctx context.Context, e *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.PrevHash != "" && e.PrevHash != l.headHash {
		return fmt.Errorf("append rejected: stale prev_hash %s (chain head is %s)", e.PrevHash, l.headHash)
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = l.nowFunc().UTC()
	}
	e.ID = l.nextID
	e.PrevHash = l.headHash

	content, err := canonicalContent(e)
	if err != nil {
		return fmt.Errorf("serialize audit entry: %w", err)
	}
	e.EntryHash = contentHash(content, e.PrevHash)
	e.Signature = l.sign(content, e.EntryHash, e.ID)

	details, err := canonicalDetails(e.Details)
	if err != nil {
		return fmt.Errorf("serialize audit details: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, ts, session_id, event_type, actor, details, prev_hash, entry_hash, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.Format(time.RFC3339Nano), e.SessionID, string(e.EventType),
		e.Actor, details, e.PrevHash, e.EntryHash, e.Signature,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}

	l.headHash = e.EntryHash
	l.nextID = e.ID + 1
	return nil
}

// VerifyChain replays the chain from genesis, recomputing linkage, content
// hash, and HMAC signature for every entry. It returns the number of entries
// verified, or a *ChainError describing the first mismatch.
func (l *Log) VerifyChain(ctx context.Context) (int64, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, ts, session_id, event_type, actor, details, prev_hash, entry_hash, signature
		FROM audit_entries ORDER BY id ASC`)
	if err != nil {
		return 0, fmt.Errorf("read audit chain: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only iteration

	expectedPrev := GenesisHash
	var expectedID int64 = 1
	var verified int64

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return verified, err
		}

		if e.ID != expectedID {
			return verified, &ChainError{Position: expectedID,
				Reason: fmt.Sprintf("entry %d missing (found %d)", expectedID, e.ID)}
		}
		if e.PrevHash != expectedPrev {
			return verified, &ChainError{Position: e.ID,
				Reason: fmt.Sprintf("linkage broken: prev_hash %s, expected %s", e.PrevHash, expectedPrev)}
		}

		content, err := canonicalContent(e)
		if err != nil {
			return verified, &ChainError{Position: e.ID, Reason: "entry not serializable"}
		}
		if got := contentHash(content, e.PrevHash); got != e.EntryHash {
			return verified, &ChainError{Position: e.ID, Reason: "content hash mismatch"}
		}
		if got := l.sign(content, e.EntryHash, e.ID); !hmac.Equal([]byte(got), []byte(e.Signature)) {
			return verified, &ChainError{Position: e.ID, Reason: "HMAC signature mismatch"}
		}

		expectedPrev = e.EntryHash
		expectedID = e.ID + 1
		verified++
	}
	if err := rows.Err(); err != nil {
		return verified, fmt.Errorf("iterate audit chain: %w", err)
	}
	return verified, nil
}

// Head returns the current chain head hash.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headHash
}

// Tail returns the newest entries, most recent first, up to limit.
func (l *Log) Tail(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, ts, session_id, event_type, actor, details, prev_hash, entry_hash, signature
		FROM audit_entries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("read audit tail: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only iteration

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var ts, eventType, details string
	if err := rows.Scan(&e.ID, &ts, &e.SessionID, &eventType, &e.Actor,
		&details, &e.PrevHash, &e.EntryHash, &e.Signature); err != nil {
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse audit timestamp: %w", err)
	}
	e.Timestamp = parsed
	e.EventType = protocol.EventType(eventType)
	if details != "" && details != "{}" {
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("parse audit details: %w", err)
		}
	}
	return &e, nil
}

// canonicalContent serializes all hashed fields in a fixed order. The detail
// payload is marshaled with encoding/json, which sorts map keys, so field
// insertion order never affects the hash.
func canonicalContent(e *Entry) (string, error) {
	details, err := canonicalDetails(e.Details)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ts=%s|session=%s|type=%s|actor=%s|details=%s",
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.SessionID, e.EventType, e.Actor, details), nil
}

func canonicalDetails(details map[string]any) (string, error) {
	if len(details) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func contentHash(content, prevHash string) string {
	sum := sha256.Sum256([]byte(content + "|prev=" + prevHash))
	return hex.EncodeToString(sum[:])
}

// sign computes the HMAC over content, entry hash, and chain position. Binding
// the position prevents a signed entry from being silently relocated.
func (l *Log) sign(content, entryHash string, position int64) string {
	mac := hmac.New(sha256.New, l.key)
	mac.Write([]byte(content))
	mac.Write([]byte("|hash=" + entryHash))
	mac.Write([]byte("|pos=" + strconv.FormatInt(position, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
