package loop //nolint:testpackage // internal test needs access to unexported helpers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"warden/pkg/plan"
	"warden/pkg/protocol"
	"warden/pkg/session"
)

// scriptExecutor serves canned results per task id, falling back to a default.
type scriptExecutor struct {
	results  map[string]*Result
	fallback *Result
	executed []string
}

func (e *scriptExecutor) Execute(_ context.Context, task plan.Task) (*Result, error) {
	e.executed = append(e.executed, task.ID)
	if r, ok := e.results[task.ID]; ok {
		return r, nil
	}
	if e.fallback != nil {
		return e.fallback, nil
	}
	return &Result{Success: true, Confidence: 0.9}, nil
}

// queueDirectives replays a fixed directive sequence, one per poll.
type queueDirectives struct {
	queue []protocol.Directive
}

func (q *queueDirectives) Poll() (protocol.Directive, bool, error) {
	if len(q.queue) == 0 {
		return "", false, nil
	}
	d := q.queue[0]
	q.queue = q.queue[1:]
	return d, true, nil
}

func newSession() *session.Session {
	return session.New("builder", "ship it", "/tmp/ws", session.Budget{})
}

func linearGraph(n int) *plan.Graph {
	tasks := make([]plan.Task, n)
	for i := range tasks {
		tasks[i] = plan.Task{ID: fmt.Sprintf("t%d", i+1), Title: fmt.Sprintf("step %d", i+1), Action: "edit_code"}
		if i > 0 {
			tasks[i].DependsOn = []string{fmt.Sprintf("t%d", i)}
		}
	}
	return plan.NewGraph(tasks)
}

func independentGraph(n int) *plan.Graph {
	tasks := make([]plan.Task, n)
	for i := range tasks {
		tasks[i] = plan.Task{ID: fmt.Sprintf("t%d", i+1), Title: "step", Action: "edit_code"}
	}
	return plan.NewGraph(tasks)
}

func newRunner(s *session.Session, g *plan.Graph, exec Executor) *Runner {
	r := NewRunner(s, g, exec)
	// Deterministic clock: each call advances one second.
	var tick int
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	r.nowFunc = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return r
}

func TestRun_LinearGraphCompletes(t *testing.T) {
	s := newSession()
	g := linearGraph(3)
	r := newRunner(s, g, &scriptExecutor{})

	out, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if out.Reason != protocol.StopGoalComplete {
		t.Fatalf("reason = %s, want goal_complete", out.Reason)
	}
	if out.TasksRun != 3 || out.TasksCompleted != 3 || out.TasksFailed != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	if s.Status != protocol.SessionCompleted {
		t.Fatalf("session status = %s, want completed", s.Status)
	}
	if s.StartedAt == nil || s.CompletedAt == nil {
		t.Fatal("lifecycle timestamps not stamped")
	}
	if s.Progress.Completed != 3 || s.Progress.Total != 3 {
		t.Fatalf("progress = %+v", s.Progress)
	}
}

func TestRun_DependenciesRespected(t *testing.T) {
	s := newSession()
	g := linearGraph(3)
	exec := &scriptExecutor{}
	r := newRunner(s, g, exec)

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{"t1", "t2", "t3"}
	for i, id := range want {
		if exec.executed[i] != id {
			t.Fatalf("execution order = %v, want %v", exec.executed, want)
		}
	}
}

func TestRun_FailureStreakStopsWithErrorThreshold(t *testing.T) {
	s := newSession()
	g := independentGraph(6)
	exec := &scriptExecutor{fallback: &Result{Success: false, Error: "agent crashed"}}
	r := newRunner(s, g, exec)
	r.Config.FailureStreakLimit = 5

	out, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if out.Reason != protocol.StopErrorThreshold {
		t.Fatalf("reason = %s, want error_threshold", out.Reason)
	}
	if out.TasksRun != 5 {
		t.Fatalf("ran %d tasks, want exactly the streak limit", out.TasksRun)
	}
	if s.Status != protocol.SessionFailed {
		t.Fatalf("session status = %s, want failed", s.Status)
	}
	if s.LastError == "" {
		t.Fatal("failure reason not recorded on session")
	}
}

func TestRun_SuccessResetsFailureStreak(t *testing.T) {
	s := newSession()
	g := independentGraph(5)
	exec := &scriptExecutor{
		results: map[string]*Result{
			"t1": {Success: false, Error: "flake"},
			"t2": {Success: false, Error: "flake"},
			"t3": {Success: true, Confidence: 0.9},
			"t4": {Success: false, Error: "flake"},
			"t5": {Success: true, Confidence: 0.9},
		},
	}
	r := newRunner(s, g, exec)
	r.Config.FailureStreakLimit = 3

	out, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Reason != protocol.StopGoalComplete {
		t.Fatalf("reason = %s; intermittent failures below the streak limit must not stop the loop", out.Reason)
	}
	if out.TasksCompleted != 2 || out.TasksFailed != 3 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestRun_ConfidenceCollapse(t *testing.T) {
	s := newSession()
	g := independentGraph(6)
	exec := &scriptExecutor{fallback: &Result{Success: true, Confidence: 0.2}}
	r := newRunner(s, g, exec)
	r.Config.MinConfidenceSamples = 3
	r.Config.ConfidenceFloor = 0.4

	out, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Reason != protocol.StopConfidenceCollapse {
		t.Fatalf("reason = %s, want confidence_collapse", out.Reason)
	}
	if out.TasksRun != 3 {
		t.Fatalf("ran %d tasks, want stop at the minimum sample count", out.TasksRun)
	}
	if s.Status != protocol.SessionFailed {
		t.Fatalf("session status = %s", s.Status)
	}
}

func TestRun_ConfidenceNeedsMinimumSamples(t *testing.T) {
	s := newSession()
	g := independentGraph(2)
	// Two low-confidence tasks: below the floor but under the sample minimum.
	exec := &scriptExecutor{fallback: &Result{Success: true, Confidence: 0.1}}
	r := newRunner(s, g, exec)
	r.Config.MinConfidenceSamples = 3

	out, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Reason != protocol.StopGoalComplete {
		t.Fatalf("reason = %s; collapse must not fire below the sample minimum", out.Reason)
	}
}

func TestRun_DeadlockDetected(t *testing.T) {
	s := newSession()
	g := linearGraph(3)
	exec := &scriptExecutor{
		results:  map[string]*Result{"t1": {Success: false, Error: "boom"}},
		fallback: &Result{Success: true, Confidence: 0.9},
	}
	r := newRunner(s, g, exec)
	r.Config.FailureStreakLimit = 5

	out, err := r.Run(context.Background())
	var dErr *protocol.DeadlockError
	if !errors.As(err, &dErr) {
		t.Fatalf("err = %v, want *protocol.DeadlockError", err)
	}
	if out.Reason != protocol.StopDeadlock {
		t.Fatalf("reason = %s, want deadlock", out.Reason)
	}
	// t2 and t3 can never become ready behind the failed t1.
	if len(dErr.Pending) != 2 {
		t.Fatalf("pending = %v, want [t2 t3]", dErr.Pending)
	}
	if s.Status != protocol.SessionFailed {
		t.Fatalf("session status = %s", s.Status)
	}
}

func TestRun_PauseDirectiveStopsAtBoundary(t *testing.T) {
	s := newSession()
	g := linearGraph(3)
	r := newRunner(s, g, &scriptExecutor{})
	r.Directives = &queueDirectives{queue: []protocol.Directive{protocol.DirectivePause}}

	out, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Reason != protocol.StopManual {
		t.Fatalf("reason = %s, want manual_stop", out.Reason)
	}
	if s.Status != protocol.SessionPaused {
		t.Fatalf("session status = %s, want paused", s.Status)
	}
	// Directive arrived before any task ran.
	if out.TasksRun != 0 {
		t.Fatalf("ran %d tasks after pause", out.TasksRun)
	}
}

func TestRun_ResumeAfterPauseFinishesGraph(t *testing.T) {
	s := newSession()
	g := linearGraph(3)
	exec := &scriptExecutor{}

	r := newRunner(s, g, exec)
	r.Directives = &queueDirectives{queue: []protocol.Directive{
		protocol.DirectiveResume, // ignored while running
		protocol.DirectivePause,  // after t1
	}}
	out, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Reason != protocol.StopManual || out.TasksRun != 1 {
		t.Fatalf("outcome = %+v, want pause after one task", out)
	}

	// Second run resumes the paused session and drains the rest.
	r2 := newRunner(s, g, exec)
	out, err = r2.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Reason != protocol.StopGoalComplete {
		t.Fatalf("reason = %s after resume", out.Reason)
	}
	if s.Status != protocol.SessionCompleted {
		t.Fatalf("session status = %s", s.Status)
	}
}

// failingDirectives errors on every poll.
type failingDirectives struct{}

func (failingDirectives) Poll() (protocol.Directive, bool, error) {
	return "", false, errors.New("mailbox unreadable")
}

func TestRun_DirectivePollFailureDoesNotStopLoop(t *testing.T) {
	s := newSession()
	g := linearGraph(2)
	r := newRunner(s, g, &scriptExecutor{})
	r.Directives = failingDirectives{}

	out, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Reason != protocol.StopGoalComplete {
		t.Fatalf("reason = %s; a broken mailbox must not stop the run", out.Reason)
	}
	if out.TasksRun != 2 {
		t.Fatalf("ran %d tasks, want the whole graph", out.TasksRun)
	}
	if !strings.Contains(s.LastError, "directive poll") {
		t.Fatalf("poll failure not recorded: %q", s.LastError)
	}
}

func TestRun_CancelDirectiveIsTerminal(t *testing.T) {
	s := newSession()
	g := linearGraph(2)
	r := newRunner(s, g, &scriptExecutor{})
	r.Directives = &queueDirectives{queue: []protocol.Directive{protocol.DirectiveCancel}}

	out, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Reason != protocol.StopManual {
		t.Fatalf("reason = %s", out.Reason)
	}
	if s.Status != protocol.SessionCancelled {
		t.Fatalf("session status = %s, want cancelled", s.Status)
	}
}

func TestRun_CostCeilingStopsLoop(t *testing.T) {
	s := newSession()
	s.MaxCostUSD = 2.5
	g := independentGraph(10)
	exec := &scriptExecutor{fallback: &Result{Success: true, Confidence: 0.9, CostUSD: 1.0}}
	r := newRunner(s, g, exec)

	out, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Reason != protocol.StopMaxCost {
		t.Fatalf("reason = %s, want max_cost", out.Reason)
	}
	if out.TasksRun != 3 {
		t.Fatalf("ran %d tasks, want 3 before the $2.50 ceiling", out.TasksRun)
	}
	if s.Status != protocol.SessionFailed {
		t.Fatalf("session status = %s; budget stop is not goal completion", s.Status)
	}
}

func TestRun_CheckpointCadence(t *testing.T) {
	s := newSession()
	g := independentGraph(7)
	r := newRunner(s, g, &scriptExecutor{})
	r.Config.CheckpointInterval = 3

	var checkpoints []int
	r.Hooks.Checkpoint = func(completed int) error {
		checkpoints = append(checkpoints, completed)
		return nil
	}

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Checkpoints after tasks 3 and 6; the tail of 1 gets no checkpoint.
	if len(checkpoints) != 2 || checkpoints[0] != 3 || checkpoints[1] != 6 {
		t.Fatalf("checkpoints = %v, want [3 6]", checkpoints)
	}
	if s.CheckpointCount != 2 {
		t.Fatalf("session checkpoint count = %d", s.CheckpointCount)
	}
}

func TestRun_CheckpointFailureFailsSession(t *testing.T) {
	s := newSession()
	g := independentGraph(3)
	r := newRunner(s, g, &scriptExecutor{})
	r.Config.CheckpointInterval = 1
	r.Hooks.Checkpoint = func(int) error { return errors.New("disk full") }

	_, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("checkpoint failure must surface")
	}
	if s.Status != protocol.SessionFailed {
		t.Fatalf("session status = %s", s.Status)
	}
}

func TestRun_ContextCancelPausesSession(t *testing.T) {
	s := newSession()
	g := linearGraph(3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newRunner(s, g, &scriptExecutor{})
	out, err := r.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if out.Reason != protocol.StopManual {
		t.Fatalf("reason = %s", out.Reason)
	}
	if s.Status != protocol.SessionPaused {
		t.Fatalf("session status = %s, want paused for later resume", s.Status)
	}
}

func TestRun_TerminalSessionRefused(t *testing.T) {
	s := newSession()
	if err := s.Transition(protocol.SessionCancelled); err != nil {
		t.Fatal(err)
	}
	r := newRunner(s, linearGraph(1), &scriptExecutor{})
	if _, err := r.Run(context.Background()); err == nil {
		t.Fatal("terminal session accepted")
	}
}

func TestRun_HeartbeatAccruesElapsed(t *testing.T) {
	s := newSession()
	g := linearGraph(2)
	r := newRunner(s, g, &scriptExecutor{})

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.ElapsedSeconds <= 0 {
		t.Fatalf("elapsed = %f, want accrual through heartbeats", s.ElapsedSeconds)
	}
	if s.LastHeartbeat == nil {
		t.Fatal("no heartbeat recorded")
	}
}
