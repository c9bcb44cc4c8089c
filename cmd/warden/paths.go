package main

import (
	"fmt"
	"os"
	"path/filepath"

	"warden/pkg/protocol"
)

// Paths holds all resolved warden state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	WardenHome    string // ~/.warden or WARDEN_HOME
	AuditDBPath   string // audit.db or WARDEN_DB_PATH
	RolePath      string // role.toml or WARDEN_ROLE_PATH
	AllowlistPath string // secret_allowlist.yaml or WARDEN_ALLOWLIST_PATH
	SessionsDir   string // sessions/ or WARDEN_SESSIONS_DIR
	SandboxDir    string // sandbox/ (respects WARDEN_HOME)
}

// ResolvePaths returns all warden paths, respecting env var overrides.
// Environment variables:
//   - WARDEN_HOME: base directory for all warden state (default: ~/.warden)
//   - WARDEN_DB_PATH: audit database (default: $WARDEN_HOME/audit.db)
//   - WARDEN_ROLE_PATH: role policy (default: $WARDEN_HOME/role.toml)
//   - WARDEN_ALLOWLIST_PATH: secret allowlist (default: $WARDEN_HOME/secret_allowlist.yaml)
//   - WARDEN_SESSIONS_DIR: session records (default: $WARDEN_HOME/sessions)
//
// If WARDEN_HOME is set, it becomes the base for all default paths. Specific
// env vars override both the default and the WARDEN_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveWardenHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		WardenHome:    home,
		AuditDBPath:   resolvePathWithEnv("WARDEN_DB_PATH", home, "audit.db"),
		RolePath:      resolvePathWithEnv("WARDEN_ROLE_PATH", home, "role.toml"),
		AllowlistPath: resolvePathWithEnv("WARDEN_ALLOWLIST_PATH", home, "secret_allowlist.yaml"),
		SessionsDir:   resolvePathWithEnv("WARDEN_SESSIONS_DIR", home, "sessions"),
		SandboxDir:    filepath.Join(home, "sandbox"),
	}, nil
}

// resolveWardenHome returns the warden home directory from WARDEN_HOME or
// ~/.warden.
func resolveWardenHome() (string, error) {
	if v := os.Getenv("WARDEN_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.WardenDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins
// base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}

// bootstrapDirs creates the warden state directory layout with 0700
// permissions. Idempotent.
func (p *Paths) bootstrapDirs() error {
	for _, d := range []string{p.WardenHome, p.SessionsDir, p.SandboxDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("create warden dir %s: %w", d, err)
		}
	}
	return nil
}
