package protocol

// SchemaDDL defines the SQLite schema for the warden audit database: a single
// audit_entries table holding the hash-chained governance log. Readers
// (`warden logs`, the dashboard) query the same table.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Hash-chained, HMAC-signed governance log. Append-only: rows are never
-- updated or deleted; verification replays the chain from id 1.
CREATE TABLE IF NOT EXISTS audit_entries (
    id INTEGER PRIMARY KEY,
    ts TEXT NOT NULL,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    actor TEXT NOT NULL,
    details TEXT NOT NULL DEFAULT '{}',
    prev_hash TEXT NOT NULL,
    entry_hash TEXT NOT NULL,
    signature TEXT NOT NULL
);
`
