package protocol

import "fmt"

// InvalidTransitionError represents a session state change outside the
// allowed transition table. It enables typed discrimination via errors.As;
// callers must treat it as a hard error, never swallow it.
type InvalidTransitionError struct {
	SessionID string
	From      SessionStatus
	To        SessionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s (session %s)",
		e.From, e.To, e.SessionID)
}

// DeadlockError is returned by the execution loop when pending tasks remain
// but none are ready and none are running — the dependency graph can make no
// further progress.
type DeadlockError struct {
	Pending []string // ids of tasks that can never become ready
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("task graph deadlocked: %d pending tasks with unsatisfiable dependencies", len(e.Pending))
}

// NoChangesError is returned by promotion when the sandbox and the workspace
// are identical. A zero-change promote is a no-op failure, never a silent
// success.
type NoChangesError struct {
	Sandbox string
}

func (e *NoChangesError) Error() string {
	return fmt.Sprintf("no changes to promote from sandbox %s", e.Sandbox)
}
