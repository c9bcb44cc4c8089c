package gate

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Finding is one potential secret located in the sandbox.
type Finding struct {
	Path    string // relative to the scanned root
	Line    int
	Pattern string // name of the matching pattern
}

// secretPattern pairs a pattern name with its compiled expression.
type secretPattern struct {
	name string
	re   *regexp.Regexp
}

// secretPatterns covers the common credential shapes: cloud access keys,
// hosted-service tokens, private-key headers, connection strings with
// embedded passwords, and generic secret/password assignments.
var secretPatterns = []secretPattern{
	{"aws_access_key", regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{"slack_token", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
	{"google_api_key", regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`)},
	{"private_key_header", regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH |DSA |PGP )?PRIVATE KEY`)},
	{"connection_string", regexp.MustCompile(`\b(?:postgres|postgresql|mysql|mongodb(?:\+srv)?|redis|amqp)://[^\s:@]+:[^\s@]+@`)},
	{"bearer_token", regexp.MustCompile(`(?i)\bauthorization:\s*bearer\s+[A-Za-z0-9._-]{20,}`)},
	{"generic_assignment", regexp.MustCompile(`(?i)\b(?:secret|password|passwd|api[_-]?key|auth[_-]?token)\b\s*[:=]\s*['"][^'"]{8,}['"]`)},
}

// Allowlist suppresses findings by file glob or literal line substring.
// It is user-managed and loaded from YAML.
type Allowlist struct {
	Globs      []string `yaml:"globs"`
	Substrings []string `yaml:"substrings"`
}

// LoadAllowlist reads the allowlist YAML. A missing file yields an empty
// allowlist, not an error.
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path) //nolint:gosec // allowlist path comes from the state dir
	if err != nil {
		if os.IsNotExist(err) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("read secret allowlist %s: %w", path, err)
	}
	var a Allowlist
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse secret allowlist %s: %w", path, err)
	}
	return &a, nil
}

// Save writes the allowlist as YAML.
func (a *Allowlist) Save(path string) error {
	data, err := yaml.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal secret allowlist: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write secret allowlist %s: %w", path, err)
	}
	return nil
}

// suppresses reports whether the allowlist suppresses a finding at relPath
// on the given line content.
func (a *Allowlist) suppresses(relPath, line string) bool {
	if a == nil {
		return false
	}
	for _, g := range a.Globs {
		if ok, _ := filepath.Match(g, relPath); ok {
			return true
		}
		// Also match against the basename so "*.pem" covers nested files.
		if ok, _ := filepath.Match(g, filepath.Base(relPath)); ok {
			return true
		}
	}
	for _, s := range a.Substrings {
		if s != "" && strings.Contains(line, s) {
			return true
		}
	}
	return false
}

// maxScanFileSize caps per-file scanning; larger files are treated as
// artifacts, not source.
const maxScanFileSize = 4 << 20

// ScanTree scans every non-binary file under root for secret patterns.
// Findings suppressed by the allowlist are dropped; any remaining finding
// blocks promotion.
func ScanTree(ctx context.Context, root string, allow *Allowlist) ([]Finding, error) {
	var findings []Finding

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxScanFileSize {
			return nil //nolint:nilerr // oversized or vanished files are skipped, not fatal
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		found, err := scanFile(path, rel, allow)
		if err != nil {
			return err
		}
		findings = append(findings, found...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return findings, nil
}

func scanFile(path, rel string, allow *Allowlist) ([]Finding, error) {
	f, err := os.Open(path) //nolint:gosec // walking the sandbox tree
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck // read-only file

	// Sniff the first block for null bytes: binary files are not scanned.
	head := make([]byte, 8000)
	n, _ := f.Read(head)
	if bytes.IndexByte(head[:n], 0) >= 0 {
		return nil, nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}

	var findings []Finding
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		for _, p := range secretPatterns {
			if !p.re.MatchString(line) {
				continue
			}
			if allow.suppresses(rel, line) {
				continue
			}
			findings = append(findings, Finding{Path: rel, Line: lineNo, Pattern: p.name})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", rel, err)
	}
	return findings, nil
}
