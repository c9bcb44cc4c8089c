// Package role loads and validates role policy: the per-role budgets,
// allowed action types, write-volume limits, loop thresholds, and
// re-authentication settings that govern an autonomous session. Policy lives
// in a TOML file owned by the operator; the core only consumes it.
package role

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// AuthMethod selects how promotion re-authentication is performed.
type AuthMethod string

// Auth method constants.
const (
	AuthPIN  AuthMethod = "pin"
	AuthTOTP AuthMethod = "totp"
)

// Auth holds re-authentication settings for a role.
type Auth struct {
	Method       AuthMethod `toml:"method"`
	PINHash      string     `toml:"pin_hash,omitempty"`     // hex SHA-256 of the PIN
	TOTPSecret   string     `toml:"totp_secret,omitempty"`  // base32 shared secret
	LockoutAfter int        `toml:"lockout_after"`          // failed PIN attempts before lockout
}

// Budget holds the session cost and duration ceilings.
type Budget struct {
	MaxCostUSD       float64 `toml:"max_cost_usd"`
	MaxDurationHours float64 `toml:"max_duration_hours"`
}

// Limits holds the requested write-volume ceilings. The gate clamps them to
// hard maxima at construction; values here are requests, not guarantees.
type Limits struct {
	MaxFilesCreated  int   `toml:"max_files_created"`
	MaxFilesModified int   `toml:"max_files_modified"`
	MaxBytesWritten  int64 `toml:"max_bytes_written"`
}

// Loop holds the execution-loop thresholds, exposed as configuration with
// the reference defaults.
type Loop struct {
	CheckpointInterval   int     `toml:"checkpoint_interval"`
	FailureStreakLimit   int     `toml:"failure_streak_limit"`
	ConfidenceWindow     int     `toml:"confidence_window"`
	ConfidenceFloor      float64 `toml:"confidence_floor"`
	MinConfidenceSamples int     `toml:"min_confidence_samples"`
}

// Role is one role's policy.
type Role struct {
	Name           string   `toml:"name"`
	AllowedActions []string `toml:"allowed_actions"` // empty = unrestricted
	ReviewWaived   bool     `toml:"review_waived"`

	Auth   Auth   `toml:"auth"`
	Budget Budget `toml:"budget"`
	Limits Limits `toml:"limits"`
	Loop   Loop   `toml:"loop"`
}

// Default returns the built-in role used when no policy file exists.
func Default() *Role {
	return &Role{
		Name: "builder",
		Auth: Auth{Method: AuthPIN, LockoutAfter: 3},
		Budget: Budget{
			MaxCostUSD:       25,
			MaxDurationHours: 4,
		},
		Limits: Limits{
			MaxFilesCreated:  200,
			MaxFilesModified: 500,
			MaxBytesWritten:  50 << 20,
		},
		Loop: Loop{
			CheckpointInterval:   3,
			FailureStreakLimit:   5,
			ConfidenceWindow:     5,
			ConfidenceFloor:      0.4,
			MinConfidenceSamples: 3,
		},
	}
}

// Load reads a role policy from a TOML file and validates it. Missing loop
// and lockout values fall back to the defaults.
func Load(path string) (*Role, error) {
	data, err := os.ReadFile(path) //nolint:gosec // policy path comes from the state dir
	if err != nil {
		return nil, fmt.Errorf("read role policy %s: %w", path, err)
	}

	r := Default()
	if err := toml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parse role policy %s: %w", path, err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("role policy %s: %w", path, err)
	}
	return r, nil
}

// Save writes the role policy as TOML.
func (r *Role) Save(path string) error {
	data, err := toml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal role policy: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write role policy %s: %w", path, err)
	}
	return nil
}

// Validate checks the policy for internally inconsistent settings.
func (r *Role) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("role name is required")
	}
	switch r.Auth.Method {
	case AuthPIN:
		if !r.ReviewWaived && r.Auth.PINHash == "" {
			return fmt.Errorf("role %q uses PIN auth but has no pin_hash", r.Name)
		}
	case AuthTOTP:
		if !r.ReviewWaived && r.Auth.TOTPSecret == "" {
			return fmt.Errorf("role %q uses TOTP auth but has no totp_secret", r.Name)
		}
	default:
		return fmt.Errorf("role %q has unknown auth method %q", r.Name, r.Auth.Method)
	}
	if r.Auth.LockoutAfter <= 0 {
		r.Auth.LockoutAfter = 3
	}
	if r.Loop.FailureStreakLimit <= 0 {
		r.Loop.FailureStreakLimit = 5
	}
	if r.Loop.ConfidenceFloor < 0 || r.Loop.ConfidenceFloor > 1 {
		return fmt.Errorf("role %q confidence_floor %v outside [0,1]", r.Name, r.Loop.ConfidenceFloor)
	}
	return nil
}
