// Package loop implements the autonomous execution loop: it drains a task
// graph through an Executor one ready task per iteration, accrues cost and
// heartbeat time on the session, honors operator directives at iteration
// boundaries, and stops with exactly one StopReason. The loop mutates the
// session and graph it is given; persistence and audit are the caller's
// concern, wired in through Hooks.
package loop

import (
	"context"
	"fmt"
	"time"

	"warden/pkg/plan"
	"warden/pkg/protocol"
	"warden/pkg/session"
)

// Result is the outcome of executing a single task.
type Result struct {
	Success    bool
	Output     string
	Error      string
	Confidence float64 // in [0,1]
	CostUSD    float64
}

// Executor runs one task to completion. Implementations must honor ctx
// cancellation.
type Executor interface {
	Execute(ctx context.Context, task plan.Task) (*Result, error)
}

// DirectiveSource delivers operator directives. ok is false when no directive
// is waiting.
type DirectiveSource interface {
	Poll() (d protocol.Directive, ok bool, err error)
}

// Hooks are optional callbacks the loop invokes at well-defined points. Nil
// fields are skipped.
type Hooks struct {
	// Checkpoint is called after every CheckpointInterval successful tasks
	// with the number of tasks completed so far. An error fails the session:
	// running on without a recovery point would make rollback impossible.
	Checkpoint func(tasksCompleted int) error

	// OnTask is called after each task execution, before stop conditions are
	// evaluated.
	OnTask func(task *plan.Task, res *Result)

	// Persist is called at the end of every iteration so the caller can
	// save session and graph state. Errors are reported through the
	// session's LastError but do not stop the loop.
	Persist func() error
}

// Config holds the loop's stop thresholds. Zero values take defaults; a
// CheckpointInterval of zero or less means a checkpoint after every
// successful task.
type Config struct {
	CheckpointInterval   int
	FailureStreakLimit   int
	ConfidenceWindow     int
	ConfidenceFloor      float64
	MinConfidenceSamples int
}

// Default thresholds.
const (
	DefaultFailureStreakLimit   = 5
	DefaultConfidenceWindow     = 5
	DefaultConfidenceFloor      = 0.4
	DefaultMinConfidenceSamples = 3
	DefaultCheckpointInterval   = 3
)

func (c Config) withDefaults() Config {
	if c.FailureStreakLimit <= 0 {
		c.FailureStreakLimit = DefaultFailureStreakLimit
	}
	if c.ConfidenceWindow <= 0 {
		c.ConfidenceWindow = DefaultConfidenceWindow
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = DefaultConfidenceFloor
	}
	if c.MinConfidenceSamples <= 0 {
		c.MinConfidenceSamples = DefaultMinConfidenceSamples
	}
	return c
}

// Outcome reports why the loop stopped and what it got done.
type Outcome struct {
	Reason         protocol.StopReason
	TasksRun       int
	TasksCompleted int
	TasksFailed    int
	CostUSD        float64
	Elapsed        time.Duration
}

// Runner drives one session's task graph to a stop condition.
type Runner struct {
	Session    *session.Session
	Graph      *plan.Graph
	Exec       Executor
	Directives DirectiveSource // may be nil
	Hooks      Hooks
	Config     Config

	nowFunc func() time.Time
}

// NewRunner builds a runner over the given session and graph.
func NewRunner(s *session.Session, g *plan.Graph, exec Executor) *Runner {
	return &Runner{
		Session: s,
		Graph:   g,
		Exec:    exec,
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Run executes ready tasks until a stop condition fires. The session must be
// in created, paused, or running state; created and paused sessions are
// transitioned to running first. Exactly one StopReason is reported per run.
func (r *Runner) Run(ctx context.Context) (*Outcome, error) {
	cfg := r.Config.withDefaults()

	switch r.Session.Status {
	case protocol.SessionCreated, protocol.SessionPaused:
		if err := r.Session.Transition(protocol.SessionRunning); err != nil {
			return nil, err
		}
	case protocol.SessionRunning:
		// Already live (resume after crash recovery).
	default:
		return nil, fmt.Errorf("cannot run session %s in state %s", r.Session.ID, r.Session.Status)
	}

	start := r.nowFunc()
	var (
		tasksRun        int
		failureStreak   int
		sinceCheckpoint int
		confidences     []float64
	)
	r.syncProgress()

	for {
		if ctx.Err() != nil {
			// External shutdown: park the session so it can resume later.
			_ = r.Session.Transition(protocol.SessionPaused)
			return r.outcome(protocol.StopManual, tasksRun, start), ctx.Err()
		}

		if stop, out, err := r.applyDirective(tasksRun, start); stop {
			return out, err
		}

		if err := r.Session.Heartbeat(r.nowFunc()); err != nil {
			return nil, err
		}

		if reason, stop := r.Session.StopCheck(); stop {
			return r.finish(reason, tasksRun, start)
		}

		ready := r.Graph.ReadyTasks()
		if len(ready) == 0 {
			if r.Graph.Count().Pending > 0 {
				return r.deadlock(tasksRun, start)
			}
			return r.finish(protocol.StopGoalComplete, tasksRun, start)
		}

		task := ready[0]
		res := r.executeTask(ctx, task)
		tasksRun++
		r.Session.AddCost(res.CostUSD)
		r.syncProgress()

		if res.Success {
			failureStreak = 0
			sinceCheckpoint++
			// Only completed work carries a meaningful confidence signal;
			// failures are tracked by the streak counter instead.
			confidences = appendWindow(confidences, res.Confidence, cfg.ConfidenceWindow)
		} else {
			failureStreak++
			r.Session.RecordError(res.Error)
		}

		if r.Hooks.OnTask != nil {
			r.Hooks.OnTask(task, res)
		}

		if failureStreak >= cfg.FailureStreakLimit {
			r.Session.RecordError(fmt.Sprintf("%d consecutive task failures (last: %s)", failureStreak, res.Error))
			return r.finish(protocol.StopErrorThreshold, tasksRun, start)
		}
		if len(confidences) >= cfg.MinConfidenceSamples && mean(confidences) < cfg.ConfidenceFloor {
			r.Session.RecordError(fmt.Sprintf("confidence collapsed: trailing mean %.2f below floor %.2f", mean(confidences), cfg.ConfidenceFloor))
			return r.finish(protocol.StopConfidenceCollapse, tasksRun, start)
		}

		if res.Success && (cfg.CheckpointInterval <= 0 || sinceCheckpoint >= cfg.CheckpointInterval) {
			if err := r.checkpoint(); err != nil {
				r.Session.RecordError(fmt.Sprintf("checkpoint failed: %v", err))
				_ = r.Session.Transition(protocol.SessionFailed)
				return r.outcome(protocol.StopErrorThreshold, tasksRun, start), err
			}
			sinceCheckpoint = 0
		}

		r.persist()
	}
}

// applyDirective polls the mailbox once and acts on whatever is waiting.
// Directives take effect only at iteration boundaries.
func (r *Runner) applyDirective(tasksRun int, start time.Time) (bool, *Outcome, error) {
	if r.Directives == nil {
		return false, nil, nil
	}
	d, ok, err := r.Directives.Poll()
	if err != nil {
		// A broken mailbox is recorded on the session, not fatal: directives
		// are advisory and the graph can still drain to a stop condition.
		r.Session.RecordError(fmt.Sprintf("directive poll failed: %v", err))
		return false, nil, nil
	}
	if !ok {
		return false, nil, nil
	}

	switch d {
	case protocol.DirectivePause:
		if err := r.Session.Transition(protocol.SessionPaused); err != nil {
			return true, nil, err
		}
	case protocol.DirectiveCancel:
		if err := r.Session.Transition(protocol.SessionCancelled); err != nil {
			return true, nil, err
		}
	case protocol.DirectiveResume:
		// Already running; nothing to do.
		return false, nil, nil
	default:
		return false, nil, nil
	}
	r.persist()
	return true, r.outcome(protocol.StopManual, tasksRun, start), nil
}

// executeTask runs one task through the Executor, normalizing executor errors
// into a failed Result so stop-condition accounting stays uniform.
func (r *Runner) executeTask(ctx context.Context, task *plan.Task) *Result {
	task.Status = protocol.TaskRunning
	started := r.nowFunc()

	res, err := r.Exec.Execute(ctx, *task)
	if err != nil {
		res = &Result{Success: false, Error: err.Error()}
	}
	if res == nil {
		res = &Result{Success: false, Error: "executor returned no result"}
	}

	task.ActualSeconds = r.nowFunc().Sub(started).Seconds()
	task.Output = res.Output
	task.Error = res.Error
	task.Confidence = res.Confidence
	if res.Success {
		task.Status = protocol.TaskCompleted
	} else {
		task.Status = protocol.TaskFailed
	}
	return res
}

// finish transitions the session to its terminal state for the given reason
// and builds the outcome. Goal completion is the only reason that counts as
// success.
func (r *Runner) finish(reason protocol.StopReason, tasksRun int, start time.Time) (*Outcome, error) {
	target := protocol.SessionFailed
	if reason == protocol.StopGoalComplete {
		target = protocol.SessionCompleted
	}
	if err := r.Session.Transition(target); err != nil {
		return nil, err
	}
	r.persist()
	return r.outcome(reason, tasksRun, start), nil
}

func (r *Runner) deadlock(tasksRun int, start time.Time) (*Outcome, error) {
	var pending []string
	for _, t := range r.Graph.Tasks {
		if t.Status == protocol.TaskPending {
			pending = append(pending, t.ID)
		}
	}
	dErr := &protocol.DeadlockError{Pending: pending}
	r.Session.RecordError(dErr.Error())
	if err := r.Session.Transition(protocol.SessionFailed); err != nil {
		return nil, err
	}
	r.persist()
	return r.outcome(protocol.StopDeadlock, tasksRun, start), dErr
}

func (r *Runner) checkpoint() error {
	if r.Hooks.Checkpoint == nil {
		return nil
	}
	if err := r.Hooks.Checkpoint(r.Graph.Count().Completed); err != nil {
		return err
	}
	r.Session.CheckpointCount++
	return nil
}

func (r *Runner) persist() {
	if r.Hooks.Persist == nil {
		return
	}
	if err := r.Hooks.Persist(); err != nil {
		r.Session.RecordError(fmt.Sprintf("persist failed: %v", err))
	}
}

func (r *Runner) syncProgress() {
	c := r.Graph.Count()
	r.Session.Progress = session.Progress{
		Total:     c.Total,
		Completed: c.Completed,
		Failed:    c.Failed,
		Skipped:   c.Skipped,
	}
}

func (r *Runner) outcome(reason protocol.StopReason, tasksRun int, start time.Time) *Outcome {
	c := r.Graph.Count()
	return &Outcome{
		Reason:         reason,
		TasksRun:       tasksRun,
		TasksCompleted: c.Completed,
		TasksFailed:    c.Failed,
		CostUSD:        r.Session.CostUSD,
		Elapsed:        r.nowFunc().Sub(start),
	}
}

// appendWindow appends v keeping at most size trailing elements.
func appendWindow(window []float64, v float64, size int) []float64 {
	window = append(window, v)
	if len(window) > size {
		window = window[len(window)-size:]
	}
	return window
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
