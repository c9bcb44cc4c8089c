package session //nolint:testpackage // internal test needs access to unexported helpers

import (
	"errors"
	"testing"
	"time"

	"warden/pkg/protocol"
)

func newTestSession() *Session {
	return New("builder", "add pagination to the API", "/tmp/repo", Budget{
		MaxCostUSD:       10,
		MaxDurationHours: 2,
	})
}

func TestNew_StartsCreated(t *testing.T) {
	s := newTestSession()
	if s.Status != protocol.SessionCreated {
		t.Fatalf("status = %q, want created", s.Status)
	}
	if s.ID == "" {
		t.Fatal("expected non-empty session id")
	}
	if s.StartedAt != nil || s.CompletedAt != nil {
		t.Fatal("fresh session must not have start/completion timestamps")
	}
}

func TestTransition_AllowedTable(t *testing.T) {
	tests := []struct {
		name string
		path []protocol.SessionStatus
	}{
		{"run_complete", []protocol.SessionStatus{protocol.SessionRunning, protocol.SessionCompleted}},
		{"run_fail", []protocol.SessionStatus{protocol.SessionRunning, protocol.SessionFailed}},
		{"run_cancel", []protocol.SessionStatus{protocol.SessionRunning, protocol.SessionCancelled}},
		{"pause_resume", []protocol.SessionStatus{
			protocol.SessionRunning, protocol.SessionPaused,
			protocol.SessionRunning, protocol.SessionCompleted,
		}},
		{"cancel_from_created", []protocol.SessionStatus{protocol.SessionCancelled}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession()
			for _, next := range tt.path {
				if err := s.Transition(next); err != nil {
					t.Fatalf("transition to %q: %v", next, err)
				}
			}
		})
	}
}

func TestTransition_InvalidLeavesStatusUnchanged(t *testing.T) {
	all := []protocol.SessionStatus{
		protocol.SessionCreated, protocol.SessionRunning, protocol.SessionPaused,
		protocol.SessionCompleted, protocol.SessionFailed, protocol.SessionCancelled,
	}

	// Exhaustively try every (state, target) pair outside the allowed table.
	for _, from := range all {
		for _, to := range all {
			s := newTestSession()
			s.Status = from

			if isAllowed(from, to) {
				continue
			}
			err := s.Transition(to)
			if err == nil {
				t.Fatalf("transition %s -> %s: expected error", from, to)
			}
			var invalid *protocol.InvalidTransitionError
			if !errors.As(err, &invalid) {
				t.Fatalf("transition %s -> %s: got %T, want InvalidTransitionError", from, to, err)
			}
			if s.Status != from {
				t.Fatalf("transition %s -> %s: status mutated to %s on error", from, to, s.Status)
			}
		}
	}
}

func isAllowed(from, to protocol.SessionStatus) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func TestTransition_StampsTimes(t *testing.T) {
	s := newTestSession()
	if err := s.Transition(protocol.SessionRunning); err != nil {
		t.Fatal(err)
	}
	if s.StartedAt == nil {
		t.Fatal("entering running must stamp StartedAt")
	}
	first := *s.StartedAt

	// Pausing and resuming must not re-stamp the start time.
	if err := s.Transition(protocol.SessionPaused); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(protocol.SessionRunning); err != nil {
		t.Fatal(err)
	}
	if !s.StartedAt.Equal(first) {
		t.Fatal("StartedAt must only be stamped on first entry into running")
	}

	if err := s.Transition(protocol.SessionCompleted); err != nil {
		t.Fatal(err)
	}
	if s.CompletedAt == nil {
		t.Fatal("entering a terminal state must stamp CompletedAt")
	}
}

func TestHeartbeat_AccruesElapsedOnlyWhileRunning(t *testing.T) {
	s := newTestSession()
	if err := s.Transition(protocol.SessionRunning); err != nil {
		t.Fatal(err)
	}

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Heartbeat(t0); err != nil {
		t.Fatal(err)
	}
	if s.ElapsedSeconds != 0 {
		t.Fatalf("first heartbeat accrued %v seconds, want 0", s.ElapsedSeconds)
	}

	prev := 0.0
	for i := 1; i <= 5; i++ {
		if err := s.Heartbeat(t0.Add(time.Duration(i*10) * time.Second)); err != nil {
			t.Fatal(err)
		}
		if s.ElapsedSeconds < prev {
			t.Fatalf("elapsed decreased: %v -> %v", prev, s.ElapsedSeconds)
		}
		prev = s.ElapsedSeconds
	}
	if s.ElapsedSeconds != 50 {
		t.Fatalf("elapsed = %v, want 50", s.ElapsedSeconds)
	}

	// Paused sessions reject heartbeats and never accrue time.
	if err := s.Transition(protocol.SessionPaused); err != nil {
		t.Fatal(err)
	}
	if err := s.Heartbeat(t0.Add(time.Hour)); err == nil {
		t.Fatal("heartbeat while paused must fail")
	}
	if s.ElapsedSeconds != 50 {
		t.Fatalf("paused heartbeat changed elapsed to %v", s.ElapsedSeconds)
	}
}

func TestAddCost_MonotonicNonDecreasing(t *testing.T) {
	s := newTestSession()
	s.AddCost(1.5)
	s.AddCost(-3)
	s.AddCost(0.5)
	if s.CostUSD != 2.0 {
		t.Fatalf("cost = %v, want 2.0", s.CostUSD)
	}
}

func TestStopCheck(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Session)
		reason  protocol.StopReason
		stopped bool
	}{
		{"fresh", func(_ *Session) {}, "", false},
		{"duration", func(s *Session) { s.ElapsedSeconds = 2 * 3600 }, protocol.StopMaxDuration, true},
		{"cost", func(s *Session) { s.CostUSD = 10 }, protocol.StopMaxCost, true},
		{"goal_complete", func(s *Session) {
			s.Progress = Progress{Total: 3, Completed: 2, Skipped: 1}
		}, protocol.StopGoalComplete, true},
		{"tasks_remaining", func(s *Session) {
			s.Progress = Progress{Total: 3, Completed: 2}
		}, "", false},
		{"empty_graph_never_complete", func(s *Session) {
			s.Progress = Progress{}
		}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession()
			tt.mutate(s)
			reason, stopped := s.StopCheck()
			if stopped != tt.stopped || reason != tt.reason {
				t.Fatalf("StopCheck() = (%q, %v), want (%q, %v)", reason, stopped, tt.reason, tt.stopped)
			}
		})
	}
}

func TestHeartbeatAge(t *testing.T) {
	s := newTestSession()
	now := s.CreatedAt.Add(time.Minute)
	if age := s.HeartbeatAge(now); age != time.Minute {
		t.Fatalf("age without heartbeat = %v, want 1m", age)
	}

	if err := s.Transition(protocol.SessionRunning); err != nil {
		t.Fatal(err)
	}
	hb := s.CreatedAt.Add(30 * time.Second)
	if err := s.Heartbeat(hb); err != nil {
		t.Fatal(err)
	}
	if age := s.HeartbeatAge(now); age != 30*time.Second {
		t.Fatalf("age = %v, want 30s", age)
	}
}
