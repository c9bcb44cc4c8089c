package recovery //nolint:testpackage // internal test needs access to unexported fields

import (
	"testing"
	"time"

	"warden/pkg/protocol"
	"warden/pkg/session"
)

func runningSession(t *testing.T) *session.Session {
	t.Helper()
	s := session.New("builder", "goal", "/tmp/repo", session.Budget{})
	if err := s.Transition(protocol.SessionRunning); err != nil {
		t.Fatal(err)
	}
	return s
}

func managerAt(now time.Time) *Manager {
	m := NewManager(time.Minute, nil)
	m.nowFunc = func() time.Time { return now }
	return m
}

func TestIsSessionStale(t *testing.T) {
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	s := runningSession(t)
	if err := s.Heartbeat(base); err != nil {
		t.Fatal(err)
	}

	if managerAt(base.Add(30 * time.Second)).IsSessionStale(s) {
		t.Fatal("fresh heartbeat reported stale")
	}
	if !managerAt(base.Add(10 * time.Minute)).IsSessionStale(s) {
		t.Fatal("heartbeat 10x past threshold not reported stale")
	}

	// Terminal and paused sessions are never stale.
	if err := s.Transition(protocol.SessionPaused); err != nil {
		t.Fatal(err)
	}
	if managerAt(base.Add(10 * time.Minute)).IsSessionStale(s) {
		t.Fatal("paused session reported stale")
	}
}

func TestDiagnose_StaleWithCheckpointResumes(t *testing.T) {
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	s := runningSession(t)
	if err := s.Heartbeat(base); err != nil {
		t.Fatal(err)
	}
	s.CheckpointCount = 1

	d := managerAt(base.Add(10 * time.Minute)).Diagnose(s, "", "op")
	if d.Action != ActionResume {
		t.Fatalf("action = %q, want resume (%s)", d.Action, d.Reason)
	}
}

func TestDiagnose_StaleWithoutCheckpointAborts(t *testing.T) {
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	s := runningSession(t)
	if err := s.Heartbeat(base); err != nil {
		t.Fatal(err)
	}

	d := managerAt(base.Add(10 * time.Minute)).Diagnose(s, "", "op")
	if d.Action != ActionAbort {
		t.Fatalf("action = %q, want abort", d.Action)
	}
}

func TestDiagnose_ErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         string
		checkpoints int
		want        Action
	}{
		{"timeout_retries", "request timeout after 30s", 0, ActionRetry},
		{"connection_retries", "connection refused", 1, ActionRetry},
		{"rate_limit_retries", "429 rate_limit exceeded", 0, ActionRetry},
		{"permanent_with_checkpoint_rolls_back", "syntax error in patch", 2, ActionRollback},
		{"permanent_without_checkpoint_aborts", "syntax error in patch", 0, ActionAbort},
		{"no_error_none", "", 1, ActionNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := runningSession(t)
			if err := s.Heartbeat(time.Now().UTC()); err != nil {
				t.Fatal(err)
			}
			s.CheckpointCount = tt.checkpoints

			m := NewManager(time.Hour, nil)
			d := m.Diagnose(s, tt.err, "op")
			if d.Action != tt.want {
				t.Fatalf("action = %q, want %q (%s)", d.Action, tt.want, d.Reason)
			}
			if d.Reason == "" && tt.err != "" {
				t.Fatal("diagnosis must carry a human-readable reason")
			}
		})
	}
}

func TestDiagnose_ExhaustedRetryBecomesPermanent(t *testing.T) {
	s := runningSession(t)
	if err := s.Heartbeat(time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	s.CheckpointCount = 1

	policy := NewRetryPolicy(time.Millisecond, 2, 2)
	m := NewManager(time.Hour, policy)

	// Burn the retry budget for this key.
	for {
		if _, ok := policy.Next("op"); !ok {
			break
		}
	}

	d := m.Diagnose(s, "connection reset", "op")
	if d.Action != ActionRollback {
		t.Fatalf("action = %q, want rollback once retries are exhausted", d.Action)
	}
	if d.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", d.RetryCount)
	}
}

func TestRetryPolicy_ExponentialDelays(t *testing.T) {
	p := NewRetryPolicy(time.Second, 2, 3)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, expect := range want {
		delay, ok := p.Next("k")
		if !ok {
			t.Fatalf("attempt %d unexpectedly refused", i)
		}
		if delay != expect {
			t.Fatalf("attempt %d delay = %v, want %v", i, delay, expect)
		}
	}

	if _, ok := p.Next("k"); ok {
		t.Fatal("4th attempt must be refused at cap 3")
	}

	// Other keys have independent budgets.
	if _, ok := p.Next("other"); !ok {
		t.Fatal("independent key refused")
	}

	p.Reset("k")
	if delay, ok := p.Next("k"); !ok || delay != time.Second {
		t.Fatalf("after reset: delay=%v ok=%v, want 1s true", delay, ok)
	}
}

func TestRetryable(t *testing.T) {
	for _, msg := range []string{"Read TIMEOUT", "connection dropped", "upstream 503", "transient glitch"} {
		if !Retryable(msg) {
			t.Fatalf("%q should classify as retryable", msg)
		}
	}
	for _, msg := range []string{"permission denied", "invalid patch", ""} {
		if Retryable(msg) {
			t.Fatalf("%q should not classify as retryable", msg)
		}
	}
}
