package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists sessions as JSON under <dir>/<session-id>/session.json.
// Save is atomic (write to a temp file, then rename) so a crashed daemon
// never leaves a truncated record behind.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir. The directory is created on first
// Save, not here.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the per-session directory for the given session id.
func (st *Store) Dir(id string) string {
	return filepath.Join(st.dir, id)
}

// Save writes the session record, creating the per-session directory as
// needed.
func (st *Store) Save(s *Session) error {
	dir := st.Dir(s.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}

	path := filepath.Join(dir, "session.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session %s: %w", s.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename session %s: %w", s.ID, err)
	}
	return nil
}

// Load reads the session record for the given id.
func (st *Store) Load(id string) (*Session, error) {
	path := filepath.Join(st.Dir(id), "session.json")
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from the store dir
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", id, err)
	}
	return &s, nil
}

// List returns every persisted session, newest first by creation time.
// A missing store directory yields an empty slice, not an error.
func (st *Store) List() ([]*Session, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read store dir %s: %w", st.dir, err)
	}

	var sessions []*Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s, err := st.Load(e.Name())
		if err != nil {
			continue // skip directories without a readable session record
		}
		sessions = append(sessions, s)
	}

	for i := 1; i < len(sessions); i++ {
		for j := i; j > 0 && sessions[j].CreatedAt.After(sessions[j-1].CreatedAt); j-- {
			sessions[j], sessions[j-1] = sessions[j-1], sessions[j]
		}
	}
	return sessions, nil
}
