package main

import (
	"bytes"
	"strings"
	"testing"

	"warden/pkg/control"
)

// runStatus executes "warden status" against the given WARDEN_HOME.
func runStatus(t *testing.T, home string) string {
	t.Helper()
	t.Setenv("WARDEN_HOME", home)

	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"status"})

	if err := root.Execute(); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	return buf.String()
}

func TestStatus_StoppedWithoutSession(t *testing.T) {
	out := runStatus(t, t.TempDir())

	if !strings.Contains(out, "daemon: stopped") {
		t.Errorf("expected stopped daemon, got:\n%s", out)
	}
	if !strings.Contains(out, "session: none") {
		t.Errorf("expected no session, got:\n%s", out)
	}
}

func TestStatus_ShowsPublishedRecord(t *testing.T) {
	home := t.TempDir()
	ctrl := control.NewController(home)
	if err := ctrl.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := ctrl.WriteStatus(&control.Status{
		Running:        false,
		SessionID:      "sess-42",
		Role:           "default",
		Goal:           "migrate the config loader",
		State:          "paused",
		TasksTotal:     8,
		TasksCompleted: 5,
		TasksFailed:    1,
		UpdatedAt:      "2026-08-28T10:00:00Z",
	}); err != nil {
		t.Fatalf("write status: %v", err)
	}

	out := runStatus(t, home)

	if !strings.Contains(out, "sess-42 (paused)") {
		t.Errorf("expected session line, got:\n%s", out)
	}
	if !strings.Contains(out, "migrate the config loader") {
		t.Errorf("expected goal line, got:\n%s", out)
	}
	if !strings.Contains(out, "5/8 completed, 1 failed") {
		t.Errorf("expected task counters, got:\n%s", out)
	}
}
