// Package promote implements the governed merge of sandbox output into the
// real workspace: a git-based tagged diff/apply with one-step undo. The
// Promoter serializes promotions behind a mutex and never touches the
// workspace without first tagging its current state, so every promotion can
// be reverted with a single reset.
//
// This is a library package consumed by the warden CLI after gate approval.
// Gate evaluation is the caller's responsibility; the Promoter assumes it
// already happened.
package promote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"warden/pkg/protocol"

	"github.com/google/uuid"
)

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// DiffResult describes the changes the sandbox holds over the workspace.
type DiffResult struct {
	Added    []string
	Modified []string
	Deleted  []string

	Additions int // added lines across all files
	Deletions int // deleted lines across all files
}

// Total returns the number of files the diff touches.
func (d *DiffResult) Total() int {
	return len(d.Added) + len(d.Modified) + len(d.Deleted)
}

// Result holds the outcome of a successful promotion.
type Result struct {
	FilesPromoted int
	PreTag        string
	PostTag       string
	CommitSHA     string
}

// Promoter applies sandbox changes to the workspace. Only one promotion runs
// at a time (mutex-protected).
type Promoter struct {
	mu  sync.Mutex
	git GitRunner

	// tagSuffix allows tests to pin the generated tag names.
	tagSuffix func() string
}

// NewPromoter creates a Promoter with the given GitRunner.
func NewPromoter(git GitRunner) *Promoter {
	return &Promoter{
		git:       git,
		tagSuffix: func() string { return uuid.NewString()[:8] },
	}
}

// Diff compares the tracked workspace tree against the sandbox tree and
// returns per-file change classification plus line addition/deletion counts.
// Paths under .git are never part of a promotion.
func (p *Promoter) Diff(ctx context.Context, workspace, sandbox string) (*DiffResult, error) {
	// --no-index exits 1 when the trees differ; only treat empty output as
	// a real failure.
	status, stderr, err := p.git.Run(ctx, workspace,
		"diff", "--no-index", "--name-status", "--", workspace, sandbox)
	if err != nil && strings.TrimSpace(status) == "" {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("diff cancelled: %w", ctx.Err())
		}
		if strings.TrimSpace(stderr) != "" {
			return nil, fmt.Errorf("diff workspace vs sandbox: %s", strings.TrimSpace(stderr))
		}
		// Identical trees: git exits 0 with no output.
	}

	d := parseNameStatus(status, workspace, sandbox)

	numstat, _, err := p.git.Run(ctx, workspace,
		"diff", "--no-index", "--numstat", "--", workspace, sandbox)
	if err == nil || strings.TrimSpace(numstat) != "" {
		d.Additions, d.Deletions = parseNumstat(numstat)
	}
	return d, nil
}

// Promote tags the workspace's current state, applies the sandbox diff,
// commits, and tags the result. Zero detected changes is a *NoChangesError,
// never a silent success.
func (p *Promoter) Promote(ctx context.Context, workspace, sandbox, sessionID string) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, err := p.Diff(ctx, workspace, sandbox)
	if err != nil {
		return nil, err
	}
	if d.Total() == 0 {
		return nil, &protocol.NoChangesError{Sandbox: sandbox}
	}

	suffix := p.tagSuffix()
	preTag := "warden-pre-" + suffix
	postTag := "warden-post-" + suffix

	// Tag the pre-promote state first so a failed apply is always revertable.
	if _, stderr, err := p.git.Run(ctx, workspace, "tag", preTag); err != nil {
		return nil, fmt.Errorf("tag pre-promote state: %w (%s)", err, strings.TrimSpace(stderr))
	}

	if err := p.applyDiff(workspace, sandbox, d); err != nil {
		return nil, fmt.Errorf("apply sandbox diff (workspace tagged %s for recovery): %w", preTag, err)
	}

	if _, _, err := p.git.Run(ctx, workspace, "add", "-A"); err != nil {
		return nil, fmt.Errorf("stage promoted files: %w", err)
	}
	msg := fmt.Sprintf("warden: promote session %s (%d files)", sessionID, d.Total())
	if _, stderr, err := p.git.Run(ctx, workspace, "commit", "-m", msg); err != nil {
		return nil, fmt.Errorf("commit promotion: %w (%s)", err, strings.TrimSpace(stderr))
	}
	if _, _, err := p.git.Run(ctx, workspace, "tag", postTag); err != nil {
		return nil, fmt.Errorf("tag post-promote state: %w", err)
	}

	sha, _, err := p.git.Run(ctx, workspace, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("rev-parse HEAD: %w", err)
	}

	return &Result{
		FilesPromoted: d.Total(),
		PreTag:        preTag,
		PostTag:       postTag,
		CommitSHA:     strings.TrimSpace(sha),
	}, nil
}

// Undo reverts the workspace to the given pre-promote tag.
func (p *Promoter) Undo(ctx context.Context, workspace, preTag string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Verify the tag exists before resetting anything.
	if _, stderr, err := p.git.Run(ctx, workspace, "rev-parse", "--verify", preTag); err != nil {
		return fmt.Errorf("pre-promote tag %s not found: %w (%s)", preTag, err, strings.TrimSpace(stderr))
	}
	if _, stderr, err := p.git.Run(ctx, workspace, "reset", "--hard", preTag); err != nil {
		return fmt.Errorf("reset to %s: %w (%s)", preTag, err, strings.TrimSpace(stderr))
	}
	return nil
}

// applyDiff copies added and modified files from the sandbox into the
// workspace and removes deleted ones.
func (p *Promoter) applyDiff(workspace, sandbox string, d *DiffResult) error {
	for _, rel := range append(append([]string{}, d.Added...), d.Modified...) {
		src := filepath.Join(sandbox, rel)
		dst := filepath.Join(workspace, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", rel, err)
		}
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("copy %s: %w", rel, err)
		}
	}
	for _, rel := range d.Deleted {
		if err := os.Remove(filepath.Join(workspace, rel)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", rel, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // paths derive from the parsed diff
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck // read-only file

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode()) //nolint:gosec // destination inside workspace
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// parseNameStatus turns `git diff --no-index --name-status` output into a
// DiffResult with paths relative to their tree roots. Additions carry
// sandbox-prefixed paths, deletions workspace-prefixed ones; modifications
// may print either or both.
func parseNameStatus(out, workspace, sandbox string) *DiffResult {
	d := &DiffResult{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		status := fields[0]
		rel := relToRoot(fields[len(fields)-1], workspace, sandbox)
		if rel == "" || isGitPath(rel) {
			continue
		}
		switch status[0] {
		case 'A':
			d.Added = append(d.Added, rel)
		case 'D':
			d.Deleted = append(d.Deleted, rel)
		case 'M':
			d.Modified = append(d.Modified, rel)
		}
	}
	return d
}

// parseNumstat sums the addition and deletion columns, skipping binary
// entries ("-").
func parseNumstat(out string) (additions, deletions int) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if isGitPath(fields[len(fields)-1]) {
			continue
		}
		if a, err := strconv.Atoi(fields[0]); err == nil {
			additions += a
		}
		if d, err := strconv.Atoi(fields[1]); err == nil {
			deletions += d
		}
	}
	return additions, deletions
}

// relToRoot strips whichever tree prefix the path carries.
func relToRoot(path, workspace, sandbox string) string {
	for _, root := range []string{sandbox, workspace} {
		clean := strings.TrimSuffix(root, "/") + "/"
		if strings.HasPrefix(path, clean) {
			return strings.TrimPrefix(path, clean)
		}
		// git may print paths like "b/<sandbox>/file" in some modes; also
		// try the root without a leading slash.
		trimmed := strings.TrimPrefix(clean, "/")
		if idx := strings.Index(path, trimmed); idx >= 0 {
			return path[idx+len(trimmed):]
		}
	}
	return path
}

func isGitPath(rel string) bool {
	return rel == ".git" || strings.HasPrefix(rel, ".git/") || strings.Contains(rel, "/.git/")
}
