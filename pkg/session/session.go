// Package session implements the lifecycle record for one autonomous run:
// a state machine over created/running/paused/terminal states, heartbeat-based
// elapsed-time accrual, budget stop conditions, and per-session JSON
// persistence. The daemon is the sole writer of a session for its lifetime.
package session

import (
	"time"

	"warden/pkg/protocol"

	"github.com/google/uuid"
)

// Progress holds task-progress counters for a session.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Session is the lifecycle record for one autonomous run.
type Session struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Goal      string `json:"goal"`
	Workspace string `json:"workspace"`

	Status protocol.SessionStatus `json:"status"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	ElapsedSeconds float64 `json:"elapsed_seconds"`
	CostUSD        float64 `json:"cost_usd"`

	MaxCostUSD       float64 `json:"max_cost_usd"`
	MaxDurationHours float64 `json:"max_duration_hours"`

	CheckpointCount int      `json:"checkpoint_count"`
	LastError       string   `json:"last_error,omitempty"`
	Progress        Progress `json:"progress"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Budget holds the cost and duration ceilings for a new session.
type Budget struct {
	MaxCostUSD       float64
	MaxDurationHours float64
}

// New creates a session in the created state with a fresh id.
func New(role, goal, workspace string, budget Budget) *Session {
	return &Session{
		ID:               uuid.NewString(),
		Role:             role,
		Goal:             goal,
		Workspace:        workspace,
		Status:           protocol.SessionCreated,
		CreatedAt:        time.Now().UTC(),
		MaxCostUSD:       budget.MaxCostUSD,
		MaxDurationHours: budget.MaxDurationHours,
	}
}

// allowedTransitions is the full session state machine. Any (from, to) pair
// absent from this table is an invalid transition.
var allowedTransitions = map[protocol.SessionStatus][]protocol.SessionStatus{
	protocol.SessionCreated: {protocol.SessionRunning, protocol.SessionCancelled},
	protocol.SessionRunning: {
		protocol.SessionPaused, protocol.SessionCompleted,
		protocol.SessionFailed, protocol.SessionCancelled,
	},
	protocol.SessionPaused: {protocol.SessionRunning, protocol.SessionCancelled},
}

// Transition moves the session to the target state, enforcing the allowed
// transition table. The first entry into running stamps StartedAt; entry into
// any terminal state stamps CompletedAt. On an invalid transition the status
// is left unchanged and a *protocol.InvalidTransitionError is returned.
func (s *Session) Transition(to protocol.SessionStatus) error {
	return s.transitionAt(to, time.Now().UTC())
}

func (s *Session) transitionAt(to protocol.SessionStatus, now time.Time) error {
	allowed := false
	for _, t := range allowedTransitions[s.Status] {
		if t == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return &protocol.InvalidTransitionError{SessionID: s.ID, From: s.Status, To: to}
	}

	if to == protocol.SessionRunning && s.StartedAt == nil {
		stamp := now
		s.StartedAt = &stamp
	}
	if to.Terminal() {
		stamp := now
		s.CompletedAt = &stamp
	}
	s.Status = to
	return nil
}

// Heartbeat refreshes the liveness timestamp and accrues elapsed time by the
// wall-clock delta since the previous heartbeat. It is the sole mechanism
// accruing ElapsedSeconds, so paused sessions never accrue time. Valid only
// while running.
func (s *Session) Heartbeat(now time.Time) error {
	if s.Status != protocol.SessionRunning {
		return &protocol.InvalidTransitionError{SessionID: s.ID, From: s.Status, To: protocol.SessionRunning}
	}
	if s.LastHeartbeat != nil {
		if delta := now.Sub(*s.LastHeartbeat).Seconds(); delta > 0 {
			s.ElapsedSeconds += delta
		}
	}
	stamp := now
	s.LastHeartbeat = &stamp
	return nil
}

// AddCost accrues execution cost. Negative amounts are ignored so the
// accumulated cost stays monotonically non-decreasing.
func (s *Session) AddCost(usd float64) {
	if usd > 0 {
		s.CostUSD += usd
	}
}

// RecordError stores the most recent error message on the session.
func (s *Session) RecordError(msg string) {
	s.LastError = msg
}

// StopCheck is a pure stop-condition check. It returns a stop reason and true
// when the session has hit its duration ceiling, its cost ceiling, or the
// graph has tasks and none remain pending.
func (s *Session) StopCheck() (protocol.StopReason, bool) {
	if s.MaxDurationHours > 0 && s.ElapsedSeconds/3600 >= s.MaxDurationHours {
		return protocol.StopMaxDuration, true
	}
	if s.MaxCostUSD > 0 && s.CostUSD >= s.MaxCostUSD {
		return protocol.StopMaxCost, true
	}
	if s.Progress.Total > 0 {
		done := s.Progress.Completed + s.Progress.Failed + s.Progress.Skipped
		if done >= s.Progress.Total {
			return protocol.StopGoalComplete, true
		}
	}
	return "", false
}

// HeartbeatAge returns the time since the last heartbeat, or the time since
// creation if no heartbeat was ever recorded.
func (s *Session) HeartbeatAge(now time.Time) time.Duration {
	if s.LastHeartbeat == nil {
		return now.Sub(s.CreatedAt)
	}
	return now.Sub(*s.LastHeartbeat)
}
