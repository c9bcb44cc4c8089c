// Package gate implements the mandatory pre-promotion checkpoint: secret
// scanning, write-volume limits, role-scope validation, and operator
// re-authentication. All four checks run independently; approval requires
// every one to pass, and every evaluation is reported check-by-check —
// never as a bare boolean. Gate failures are never auto-retried.
package gate

import (
	"context"
	"fmt"
	"strings"

	"warden/pkg/role"
)

// Check names, reported in Decision.Passed/Failed.
const (
	CheckSecretScan  = "secret_scan"
	CheckWriteLimits = "write_limits"
	CheckRoleScope   = "role_scope"
	CheckAuth        = "auth"
)

// Decision is the outcome of one gate evaluation. Ephemeral: returned to the
// caller and written to the audit log.
type Decision struct {
	Approved bool
	Passed   []string
	Failed   []string
	Details  map[string]string
}

// Request carries everything a gate evaluation inspects.
type Request struct {
	SessionID   string
	Role        *role.Role
	SandboxPath string
	Tracker     *WriteTracker
	Performed   []string // action types actually executed during the session

	// Credential supplies the PIN or TOTP code for the auth check. Ignored
	// when the role waives review.
	Credential string
}

// Gate evaluates promotion requests against role policy.
type Gate struct {
	limits    WriteLimits
	allowlist *Allowlist
	pins      *PINVerifier
	totpNow   func() int64 // unix seconds; tests override
}

// New creates a Gate for the given role policy and secret allowlist.
// The role's requested write limits are clamped to the hard ceilings here.
func New(r *role.Role, allowlist *Allowlist) *Gate {
	return &Gate{
		limits:    NewWriteLimits(r.Limits.MaxFilesCreated, r.Limits.MaxFilesModified, r.Limits.MaxBytesWritten),
		allowlist: allowlist,
		pins:      NewPINVerifier(r.Auth.PINHash, r.Auth.LockoutAfter),
	}
}

// UseAuthStateFile persists the PIN failure counter at path so lockout
// carries across separately constructed gates. Without it the counter resets
// with every gate, and single-attempt callers could retry forever.
func (g *Gate) UseAuthStateFile(path string) {
	g.pins.UseStateFile(path)
}

// Evaluate runs all four checks. Every check always runs, even after an
// earlier one fails, so the decision lists the complete picture.
func (g *Gate) Evaluate(ctx context.Context, req *Request) *Decision {
	d := &Decision{Details: make(map[string]string)}

	record := func(name string, ok bool, detail string) {
		if ok {
			d.Passed = append(d.Passed, name)
		} else {
			d.Failed = append(d.Failed, name)
		}
		d.Details[name] = detail
	}

	// 1. Secret scan over the sandbox tree.
	findings, err := ScanTree(ctx, req.SandboxPath, g.allowlist)
	switch {
	case err != nil:
		record(CheckSecretScan, false, fmt.Sprintf("scan failed: %v", err))
	case len(findings) > 0:
		record(CheckSecretScan, false, describeFindings(findings))
	default:
		record(CheckSecretScan, true, "no secrets detected")
	}

	// 2. Write-volume limits.
	if req.Tracker == nil {
		record(CheckWriteLimits, false, "no write tracker for session")
	} else if exceeded := req.Tracker.Exceeds(g.limits); exceeded != "" {
		record(CheckWriteLimits, false, exceeded)
	} else {
		record(CheckWriteLimits, true, fmt.Sprintf("%d created, %d modified, %d bytes within limits",
			req.Tracker.FilesCreated(), req.Tracker.FilesModified(), req.Tracker.BytesWritten()))
	}

	// 3. Role scope over the actions actually performed.
	if violations := CheckScope(req.Performed, req.Role.AllowedActions); len(violations) > 0 {
		record(CheckRoleScope, false, "out-of-scope actions: "+strings.Join(violations, ", "))
	} else {
		record(CheckRoleScope, true, "all performed actions within role scope")
	}

	// 4. Re-authentication.
	ok, detail := g.authenticate(req)
	record(CheckAuth, ok, detail)

	d.Approved = len(d.Failed) == 0
	return d
}

func (g *Gate) authenticate(req *Request) (bool, string) {
	if req.Role.ReviewWaived {
		return true, "review waived by role policy"
	}
	switch req.Role.Auth.Method {
	case role.AuthPIN:
		return g.pins.Verify(req.Credential)
	case role.AuthTOTP:
		now := g.totpNow
		if now == nil {
			return VerifyTOTP(req.Role.Auth.TOTPSecret, req.Credential)
		}
		return verifyTOTPAt(req.Role.Auth.TOTPSecret, req.Credential, now())
	default:
		return false, fmt.Sprintf("unknown auth method %q", req.Role.Auth.Method)
	}
}

func describeFindings(findings []Finding) string {
	shown := findings
	if len(shown) > 3 {
		shown = shown[:3]
	}
	parts := make([]string, 0, len(shown))
	for _, f := range shown {
		parts = append(parts, fmt.Sprintf("%s:%d (%s)", f.Path, f.Line, f.Pattern))
	}
	suffix := ""
	if len(findings) > len(shown) {
		suffix = fmt.Sprintf(" and %d more", len(findings)-len(shown))
	}
	return fmt.Sprintf("%d potential secrets: %s%s", len(findings), strings.Join(parts, ", "), suffix)
}
