// Package checkpoint implements durable snapshots of session + task-graph
// state (optionally including the sandbox tree) for rollback. Checkpoints are
// write-once: the manager serializes snapshots on create and returns stored
// snapshots on rollback, never mutating live state itself.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"warden/pkg/plan"
	"warden/pkg/session"
)

// Meta describes one checkpoint, persisted alongside its snapshots.
type Meta struct {
	Seq            int       `json:"seq"`
	SessionID      string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
	TaskIndex      int       `json:"task_index"`
	TasksCompleted int       `json:"tasks_completed"`
	Description    string    `json:"description,omitempty"`
	HasSandbox     bool      `json:"has_sandbox"`
}

// Manager creates and reads checkpoints for one session, under
// <sessionDir>/checkpoints/<seq>/.
type Manager struct {
	dir       string // checkpoints root for the session
	sessionID string

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewManager creates a Manager for the given session directory.
func NewManager(sessionDir, sessionID string) *Manager {
	return &Manager{
		dir:       filepath.Join(sessionDir, "checkpoints"),
		sessionID: sessionID,
		nowFunc:   time.Now,
	}
}

// Create allocates the next sequence id and writes the session snapshot, the
// graph snapshot, the metadata, and (when sandboxPath is non-empty) a deep
// copy of the sandbox tree. The session's own checkpoint counter is the
// caller's to increment.
func (m *Manager) Create(sess *session.Session, g *plan.Graph, sandboxPath, description string) (*Meta, error) {
	seq, err := m.nextSeq()
	if err != nil {
		return nil, err
	}

	dir := m.seqDir(seq)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create checkpoint dir %s: %w", dir, err)
	}

	counts := g.Count()
	meta := &Meta{
		Seq:            seq,
		SessionID:      m.sessionID,
		CreatedAt:      m.nowFunc().UTC(),
		TaskIndex:      counts.Completed + counts.Failed + counts.Skipped,
		TasksCompleted: counts.Completed,
		Description:    description,
		HasSandbox:     sandboxPath != "",
	}

	if err := writeJSON(filepath.Join(dir, "session.json"), sess); err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(dir, "graph.json"), g); err != nil {
		return nil, err
	}
	if sandboxPath != "" {
		if err := copyTree(sandboxPath, filepath.Join(dir, "sandbox")); err != nil {
			return nil, fmt.Errorf("snapshot sandbox tree: %w", err)
		}
	}
	if err := writeJSON(filepath.Join(dir, "meta.json"), meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Rollback returns the snapshots stored at seq. The caller applies them; the
// manager never touches live state.
func (m *Manager) Rollback(seq int) (*session.Session, *plan.Graph, *Meta, error) {
	dir := m.seqDir(seq)

	var meta Meta
	if err := readJSON(filepath.Join(dir, "meta.json"), &meta); err != nil {
		return nil, nil, nil, fmt.Errorf("checkpoint %d not found: %w", seq, err)
	}
	var sess session.Session
	if err := readJSON(filepath.Join(dir, "session.json"), &sess); err != nil {
		return nil, nil, nil, err
	}
	var g plan.Graph
	if err := readJSON(filepath.Join(dir, "graph.json"), &g); err != nil {
		return nil, nil, nil, err
	}
	return &sess, &g, &meta, nil
}

// SandboxPath returns the stored sandbox tree for seq, or "" when the
// checkpoint was taken without one.
func (m *Manager) SandboxPath(seq int) string {
	p := filepath.Join(m.seqDir(seq), "sandbox")
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// List returns checkpoint metadata in ascending sequence order.
func (m *Manager) List() ([]Meta, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoints dir %s: %w", m.dir, err)
	}

	var metas []Meta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var meta Meta
		if err := readJSON(filepath.Join(m.dir, e.Name(), "meta.json"), &meta); err != nil {
			continue // half-written checkpoint from a crash; pruning removes it
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Seq < metas[j].Seq })
	return metas, nil
}

// Latest returns the newest checkpoint metadata, or nil when none exist.
func (m *Manager) Latest() (*Meta, error) {
	metas, err := m.List()
	if err != nil || len(metas) == 0 {
		return nil, err
	}
	return &metas[len(metas)-1], nil
}

func (m *Manager) seqDir(seq int) string {
	return filepath.Join(m.dir, strconv.Itoa(seq))
}

func (m *Manager) nextSeq() (int, error) {
	metas, err := m.List()
	if err != nil {
		return 0, err
	}
	if len(metas) == 0 {
		return 1, nil
	}
	return metas[len(metas)-1].Seq + 1, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from the manager dir
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// copyTree deep-copies the directory tree at src into dst, preserving file
// modes. Symlinks are skipped: sandbox trees are plain working copies.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o700)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src) //nolint:gosec // walking a caller-supplied tree
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck // read-only file

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode) //nolint:gosec // destination under checkpoint dir
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
