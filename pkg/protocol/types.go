// Package protocol defines the shared vocabulary of the warden runtime:
// session and task lifecycle states, stop reasons, control directives,
// audit event types, and the SQLite schema for the audit stream.
package protocol

// SessionStatus represents the lifecycle state of an autonomous session.
type SessionStatus string

// Session lifecycle constants.
const (
	SessionCreated   SessionStatus = "created"
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether s is a terminal state (no further transitions).
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus represents the state of a single task in a goal graph.
type TaskStatus string

// Task status constants.
const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// ActionType tags a task with the kind of operation it performs. The set of
// valid values is policy-defined (role allow-list), not fixed here — the type
// stays an open string validated at the planning boundary.
type ActionType string

// StopReason identifies why the execution loop stopped. Exactly one reason is
// reported per stop, enabling deterministic "why did it stop" assertions.
type StopReason string

// Stop reason constants.
const (
	StopGoalComplete       StopReason = "goal_complete"
	StopMaxDuration        StopReason = "max_duration"
	StopMaxCost            StopReason = "max_cost"
	StopErrorThreshold     StopReason = "error_threshold"
	StopConfidenceCollapse StopReason = "confidence_collapse"
	StopDeadlock           StopReason = "deadlock"
	StopManual             StopReason = "manual_stop"
)

// Directive represents an operator instruction delivered through the control
// mailbox. The daemon polls the mailbox once per loop iteration; directives
// are advisory and take effect only at iteration boundaries, never mid-task.
type Directive string

// Directive constants.
const (
	DirectivePause  Directive = "pause"  // Pause the session at the next iteration boundary.
	DirectiveResume Directive = "resume" // Resume a paused session.
	DirectiveCancel Directive = "cancel" // Cancel the session (terminal).
)

// Valid reports whether d is one of the known directive values.
func (d Directive) Valid() bool {
	switch d {
	case DirectivePause, DirectiveResume, DirectiveCancel:
		return true
	default:
		return false
	}
}

// EventType classifies an audit entry.
type EventType string

// Audit event type constants.
const (
	EventSessionCreated   EventType = "session_created"
	EventSessionStarted   EventType = "session_started"
	EventSessionPaused    EventType = "session_paused"
	EventSessionResumed   EventType = "session_resumed"
	EventSessionCompleted EventType = "session_completed"
	EventSessionFailed    EventType = "session_failed"
	EventSessionCancelled EventType = "session_cancelled"
	EventPlanCreated      EventType = "plan_created"
	EventPlanRevised      EventType = "plan_revised"
	EventTaskCompleted    EventType = "task_completed"
	EventTaskFailed       EventType = "task_failed"
	EventCheckpointTaken  EventType = "checkpoint_taken"
	EventRollback         EventType = "rollback"
	EventRecovery         EventType = "recovery"
	EventGateEvaluated    EventType = "gate_evaluated"
	EventPromoted         EventType = "promoted"
	EventPromoteUndone    EventType = "promote_undone"
)

// WardenDir is the name of the warden state directory under $HOME.
const WardenDir = ".warden"
