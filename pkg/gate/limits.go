package gate

import (
	"fmt"
	"sync"
)

// Hard ceilings for write limits. No configuration may exceed these; they
// exist so a compromised or careless policy file cannot disable the check.
const (
	HardMaxFilesCreated  = 1000
	HardMaxFilesModified = 2000
	HardMaxBytesWritten  = 256 << 20
)

// WriteLimits are the effective write-volume ceilings, clamped at
// construction.
type WriteLimits struct {
	MaxFilesCreated  int
	MaxFilesModified int
	MaxBytesWritten  int64
}

// NewWriteLimits clamps the requested ceilings to the hard maxima.
// Non-positive requests fall back to the hard ceiling.
func NewWriteLimits(created, modified int, bytes int64) WriteLimits {
	l := WriteLimits{
		MaxFilesCreated:  created,
		MaxFilesModified: modified,
		MaxBytesWritten:  bytes,
	}
	if l.MaxFilesCreated <= 0 || l.MaxFilesCreated > HardMaxFilesCreated {
		l.MaxFilesCreated = HardMaxFilesCreated
	}
	if l.MaxFilesModified <= 0 || l.MaxFilesModified > HardMaxFilesModified {
		l.MaxFilesModified = HardMaxFilesModified
	}
	if l.MaxBytesWritten <= 0 || l.MaxBytesWritten > HardMaxBytesWritten {
		l.MaxBytesWritten = HardMaxBytesWritten
	}
	return l
}

// WriteTracker accumulates per-session write counters: distinct files
// created, distinct files modified, cumulative bytes written.
type WriteTracker struct {
	mu       sync.Mutex
	created  map[string]bool
	modified map[string]bool
	bytes    int64
}

// NewWriteTracker creates an empty tracker.
func NewWriteTracker() *WriteTracker {
	return &WriteTracker{
		created:  make(map[string]bool),
		modified: make(map[string]bool),
	}
}

// RecordCreate notes a newly created file and the bytes written to it.
func (w *WriteTracker) RecordCreate(path string, bytes int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.created[path] = true
	if bytes > 0 {
		w.bytes += bytes
	}
}

// RecordModify notes a modified file and the bytes written. A file recorded
// as created stays in the created set; modification of it is not
// double-counted.
func (w *WriteTracker) RecordModify(path string, bytes int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.created[path] {
		w.modified[path] = true
	}
	if bytes > 0 {
		w.bytes += bytes
	}
}

// FilesCreated returns the number of distinct files created.
func (w *WriteTracker) FilesCreated() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.created)
}

// FilesModified returns the number of distinct files modified.
func (w *WriteTracker) FilesModified() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.modified)
}

// BytesWritten returns the cumulative bytes written.
func (w *WriteTracker) BytesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytes
}

// Exceeds compares the counters against the limits and returns a
// human-readable description of the first exceeded ceiling, or "".
func (w *WriteTracker) Exceeds(l WriteLimits) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.created) > l.MaxFilesCreated {
		return fmt.Sprintf("%d files created exceeds limit %d", len(w.created), l.MaxFilesCreated)
	}
	if len(w.modified) > l.MaxFilesModified {
		return fmt.Sprintf("%d files modified exceeds limit %d", len(w.modified), l.MaxFilesModified)
	}
	if w.bytes > l.MaxBytesWritten {
		return fmt.Sprintf("%d bytes written exceeds limit %d", w.bytes, l.MaxBytesWritten)
	}
	return ""
}
