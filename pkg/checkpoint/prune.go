package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PruneResult reports what a pruning pass removed.
type PruneResult struct {
	Removed    int
	BytesFreed int64
}

// Prune removes the oldest checkpoints beyond maxCount, then any remaining
// checkpoint older than maxAge. Either ceiling may be zero to disable it.
// Checkpoints are never mutated — pruning is whole-directory removal only.
func (m *Manager) Prune(maxCount int, maxAge time.Duration) (*PruneResult, error) {
	metas, err := m.List()
	if err != nil {
		return nil, err
	}

	res := &PruneResult{}
	survivors := metas

	// Count ceiling first: drop from the oldest end.
	if maxCount > 0 && len(survivors) > maxCount {
		for _, meta := range survivors[:len(survivors)-maxCount] {
			if err := m.remove(meta.Seq, res); err != nil {
				return res, err
			}
		}
		survivors = survivors[len(survivors)-maxCount:]
	}

	// Then the age ceiling over whatever remains.
	if maxAge > 0 {
		cutoff := m.nowFunc().Add(-maxAge)
		for _, meta := range survivors {
			if meta.CreatedAt.Before(cutoff) {
				if err := m.remove(meta.Seq, res); err != nil {
					return res, err
				}
			}
		}
	}
	return res, nil
}

func (m *Manager) remove(seq int, res *PruneResult) error {
	dir := m.seqDir(seq)
	size := treeSize(dir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove checkpoint %d: %w", seq, err)
	}
	res.Removed++
	res.BytesFreed += size
	return nil
}

func treeSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // best-effort accounting
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
