package main

import (
	"bytes"
	"strings"
	"testing"

	"warden/pkg/control"
	"warden/pkg/protocol"
)

// runDirective executes a directive subcommand against a fresh WARDEN_HOME
// and returns the controller for inspecting the mailbox.
func runDirective(t *testing.T, name string) (*control.Controller, string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("WARDEN_HOME", home)

	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{name})

	if err := root.Execute(); err != nil {
		t.Fatalf("%s failed: %v", name, err)
	}
	return control.NewController(home), buf.String()
}

func TestPause_QueuesDirective(t *testing.T) {
	ctrl, out := runDirective(t, "pause")

	cmd, err := ctrl.Poll()
	if err != nil {
		t.Fatalf("poll mailbox: %v", err)
	}
	if cmd == nil {
		t.Fatal("expected a queued command, mailbox is empty")
	}
	if cmd.Directive != protocol.DirectivePause {
		t.Errorf("directive = %q, want %q", cmd.Directive, protocol.DirectivePause)
	}
	if !strings.Contains(out, "pause directive queued") {
		t.Errorf("expected confirmation in output, got:\n%s", out)
	}
}

func TestCancel_QueuesDirective(t *testing.T) {
	ctrl, _ := runDirective(t, "cancel")

	cmd, err := ctrl.Poll()
	if err != nil {
		t.Fatalf("poll mailbox: %v", err)
	}
	if cmd == nil {
		t.Fatal("expected a queued command, mailbox is empty")
	}
	if cmd.Directive != protocol.DirectiveCancel {
		t.Errorf("directive = %q, want %q", cmd.Directive, protocol.DirectiveCancel)
	}
}
