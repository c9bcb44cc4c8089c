// Package recovery diagnoses session failures and picks a recovery action:
// retry for transient errors, rollback to a checkpoint for permanent ones,
// resume for stale sessions with a checkpoint, abort when nothing can help.
package recovery

import (
	"fmt"
	"strings"
	"time"

	"warden/pkg/protocol"
	"warden/pkg/session"
)

// Action is the outcome of a failure diagnosis.
type Action string

// Recovery action constants.
const (
	ActionNone     Action = "none"
	ActionRetry    Action = "retry"
	ActionRollback Action = "rollback"
	ActionResume   Action = "resume"
	ActionAbort    Action = "abort"
)

// Diagnosis is an ephemeral recovery decision.
type Diagnosis struct {
	Action     Action
	Reason     string
	RetryCount int
}

// DefaultStaleThreshold is how long a running session may go without a
// heartbeat before it is considered stale.
const DefaultStaleThreshold = 5 * time.Minute

// retryablePatterns classifies errors as transient by substring match.
var retryablePatterns = []string{
	"timeout",
	"timed out",
	"connection",
	"rate_limit",
	"rate limit",
	"transient",
	"temporarily unavailable",
	"503",
	"429",
}

// Manager diagnoses failed or stale sessions.
type Manager struct {
	staleThreshold time.Duration
	retry          *RetryPolicy

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewManager creates a Manager. A zero staleThreshold uses
// DefaultStaleThreshold; a nil policy uses DefaultRetryPolicy.
func NewManager(staleThreshold time.Duration, policy *RetryPolicy) *Manager {
	if staleThreshold == 0 {
		staleThreshold = DefaultStaleThreshold
	}
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	return &Manager{staleThreshold: staleThreshold, retry: policy, nowFunc: time.Now}
}

// IsSessionStale reports whether s is running and its heartbeat age exceeds
// the stale threshold. Terminal and paused sessions are never stale.
func (m *Manager) IsSessionStale(s *session.Session) bool {
	if s.Status != protocol.SessionRunning {
		return false
	}
	return s.HeartbeatAge(m.nowFunc()) > m.staleThreshold
}

// Retryable reports whether the error message matches a known transient
// pattern. Matching is case-insensitive substring search.
func Retryable(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	for _, p := range retryablePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Diagnose evaluates the recovery rules in order and returns the first that
// applies:
//
//  1. stale session with at least one checkpoint  -> resume
//  2. stale session without a checkpoint          -> abort
//  3. retryable error within the retry budget     -> retry
//  4. permanent error with a checkpoint available -> rollback
//  5. permanent error without a checkpoint        -> abort
//  6. otherwise                                   -> none
//
// retryKey identifies the failing operation for per-key attempt accounting.
func (m *Manager) Diagnose(s *session.Session, lastError, retryKey string) Diagnosis {
	attempts := m.retry.Attempts(retryKey)

	if m.IsSessionStale(s) {
		age := s.HeartbeatAge(m.nowFunc()).Round(time.Second)
		if s.CheckpointCount >= 1 {
			return Diagnosis{
				Action:     ActionResume,
				Reason:     fmt.Sprintf("heartbeat stale for %s, checkpoint available", age),
				RetryCount: attempts,
			}
		}
		return Diagnosis{
			Action:     ActionAbort,
			Reason:     fmt.Sprintf("heartbeat stale for %s, no checkpoint to resume from", age),
			RetryCount: attempts,
		}
	}

	if lastError == "" {
		return Diagnosis{Action: ActionNone, Reason: "no error to recover from", RetryCount: attempts}
	}

	if Retryable(lastError) {
		if m.retry.Exhausted(retryKey) {
			// Past the attempt cap the error is treated as permanent.
			if s.CheckpointCount >= 1 {
				return Diagnosis{
					Action:     ActionRollback,
					Reason:     fmt.Sprintf("retry budget exhausted after %d attempts", attempts),
					RetryCount: attempts,
				}
			}
			return Diagnosis{
				Action:     ActionAbort,
				Reason:     fmt.Sprintf("retry budget exhausted after %d attempts, no checkpoint", attempts),
				RetryCount: attempts,
			}
		}
		return Diagnosis{
			Action:     ActionRetry,
			Reason:     fmt.Sprintf("transient error: %s", lastError),
			RetryCount: attempts,
		}
	}

	if s.CheckpointCount >= 1 {
		return Diagnosis{
			Action:     ActionRollback,
			Reason:     fmt.Sprintf("permanent error with checkpoint available: %s", lastError),
			RetryCount: attempts,
		}
	}
	return Diagnosis{
		Action:     ActionAbort,
		Reason:     fmt.Sprintf("permanent error, no checkpoint: %s", lastError),
		RetryCount: attempts,
	}
}
