// Package daemon composes the runtime: it owns exactly one session per run,
// wiring the plan engine, execution loop, checkpoint manager, recovery
// manager, audit chain, and control surface together. The daemon is the
// single writer for session state; the CLI and dashboard only ever read the
// status record and the audit stream.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"warden/pkg/audit"
	"warden/pkg/checkpoint"
	"warden/pkg/control"
	"warden/pkg/loop"
	"warden/pkg/plan"
	"warden/pkg/protocol"
	"warden/pkg/recovery"
	"warden/pkg/role"
	"warden/pkg/session"
)

// BusyError reports that another daemon already holds the control surface.
// One session at a time is a hard rule, not a scheduling preference.
type BusyError struct {
	PID int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("another warden daemon is already running (pid %d)", e.PID)
}

// Daemon drives one autonomous session at a time.
type Daemon struct {
	store    *session.Store
	engine   *plan.Engine
	exec     loop.Executor
	auditLog *audit.Log
	ctrl     *control.Controller
	policy   *role.Role
	recovery *recovery.Manager
	retry    *recovery.RetryPolicy

	// sleepFunc allows tests to skip real backoff waits.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New wires a Daemon from its collaborators. A nil retry policy uses the
// default; the recovery manager is built over the same policy so diagnosis
// and backoff share attempt accounting.
func New(store *session.Store, engine *plan.Engine, exec loop.Executor,
	auditLog *audit.Log, ctrl *control.Controller, policy *role.Role,
	retry *recovery.RetryPolicy) *Daemon {
	if retry == nil {
		retry = recovery.DefaultRetryPolicy()
	}
	return &Daemon{
		store:     store,
		engine:    engine,
		exec:      exec,
		auditLog:  auditLog,
		ctrl:      ctrl,
		policy:    policy,
		recovery:  recovery.NewManager(0, retry),
		retry:     retry,
		sleepFunc: sleepCtx,
	}
}

// Run creates a session for the goal, decomposes it, and drives the loop to
// a stop, applying recovery rounds on error-threshold stops. Refuses to start
// while another daemon process is alive.
func (d *Daemon) Run(ctx context.Context, goal, workspace, sandbox string) (*loop.Outcome, error) {
	status, pid, err := d.ctrl.DaemonStatus()
	if err != nil {
		return nil, fmt.Errorf("check daemon status: %w", err)
	}
	if status == control.StatusRunning && pid != os.Getpid() {
		return nil, &BusyError{PID: pid}
	}

	sess := session.New(d.policy.Name, goal, workspace, session.Budget{
		MaxCostUSD:       d.policy.Budget.MaxCostUSD,
		MaxDurationHours: d.policy.Budget.MaxDurationHours,
	})
	if err := d.store.Save(sess); err != nil {
		return nil, err
	}
	d.auditEvent(ctx, sess.ID, protocol.EventSessionCreated, map[string]any{
		"goal": goal, "role": d.policy.Name, "workspace": workspace,
	})

	g, err := d.engine.Decompose(ctx, goal, workspace)
	if err != nil {
		return nil, d.abortCreated(ctx, sess, fmt.Errorf("planning failed: %w", err))
	}
	if violations := plan.ValidateActions(g, d.policy.AllowedActions); len(violations) > 0 {
		return nil, d.abortCreated(ctx, sess, fmt.Errorf("plan uses actions outside role %q scope: %v", d.policy.Name, violations))
	}
	d.auditEvent(ctx, sess.ID, protocol.EventPlanCreated, map[string]any{
		"tasks": len(g.Tasks),
	})
	if err := d.saveGraph(sess.ID, g); err != nil {
		return nil, err
	}

	d.auditEvent(ctx, sess.ID, protocol.EventSessionStarted, nil)
	return d.drive(ctx, sess, g, sandbox)
}

// Resume re-enters a paused session, or a stale running session via its
// latest checkpoint.
func (d *Daemon) Resume(ctx context.Context, sessionID, sandbox string) (*loop.Outcome, error) {
	sess, err := d.store.Load(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("session %s is %s; terminal sessions cannot resume", sessionID, sess.Status)
	}

	var g *plan.Graph
	cpm := checkpoint.NewManager(d.store.Dir(sessionID), sessionID)

	if sess.Status == protocol.SessionRunning && d.recovery.IsSessionStale(sess) {
		diag := d.recovery.Diagnose(sess, sess.LastError, d.retryKey(sessionID))
		d.auditEvent(ctx, sessionID, protocol.EventRecovery, map[string]any{
			"action": string(diag.Action), "reason": diag.Reason,
		})
		if diag.Action != recovery.ActionResume {
			sess.RecordError(diag.Reason)
			if err := sess.Transition(protocol.SessionFailed); err != nil {
				return nil, err
			}
			_ = d.store.Save(sess)
			d.auditEvent(ctx, sessionID, protocol.EventSessionFailed, map[string]any{"reason": diag.Reason})
			return nil, fmt.Errorf("session %s not resumable: %s", sessionID, diag.Reason)
		}
		latest, err := cpm.Latest()
		if err != nil {
			return nil, err
		}
		if latest == nil {
			return nil, fmt.Errorf("session %s reports %d checkpoints but none are on disk", sessionID, sess.CheckpointCount)
		}
		sess, g, _, err = cpm.Rollback(latest.Seq)
		if err != nil {
			return nil, fmt.Errorf("restore checkpoint %d: %w", latest.Seq, err)
		}
		d.auditEvent(ctx, sessionID, protocol.EventRollback, map[string]any{"checkpoint": latest.Seq})
	} else {
		g, err = d.loadGraph(sessionID)
		if err != nil {
			return nil, err
		}
	}

	d.auditEvent(ctx, sessionID, protocol.EventSessionResumed, nil)
	return d.drive(ctx, sess, g, sandbox)
}

// drive runs the loop, applying recovery rounds while the loop keeps stopping
// on the error threshold, then records the final lifecycle event and status.
func (d *Daemon) drive(ctx context.Context, sess *session.Session, g *plan.Graph, sandbox string) (*loop.Outcome, error) {
	out, err := d.runOnce(ctx, sess, g, sandbox)
	if err != nil {
		d.finalize(ctx, sess)
		return out, err
	}

	for out.Reason == protocol.StopErrorThreshold {
		next, ok, rerr := d.recoverRound(ctx, sess, g, sandbox)
		if rerr != nil {
			d.finalize(ctx, sess)
			return out, rerr
		}
		if !ok {
			break
		}
		sess, g = next.sess, next.graph
		out, err = d.runOnce(ctx, sess, g, sandbox)
		if err != nil {
			break
		}
	}

	d.finalize(ctx, sess)
	return out, err
}

// restored carries the state a recovery round re-enters the loop with.
type restored struct {
	sess  *session.Session
	graph *plan.Graph
}

// recoverRound diagnoses the failed session and, when a checkpoint-backed
// retry or rollback applies, restores the snapshot state. ok is false when
// the diagnosis is abort or nothing can be restored.
func (d *Daemon) recoverRound(ctx context.Context, sess *session.Session, g *plan.Graph, sandbox string) (*restored, bool, error) {
	key := d.retryKey(sess.ID)
	diag := d.recovery.Diagnose(sess, sess.LastError, key)
	d.auditEvent(ctx, sess.ID, protocol.EventRecovery, map[string]any{
		"action": string(diag.Action), "reason": diag.Reason, "attempt": diag.RetryCount,
	})

	if diag.Action != recovery.ActionRetry && diag.Action != recovery.ActionRollback {
		return nil, false, nil
	}

	cpm := checkpoint.NewManager(d.store.Dir(sess.ID), sess.ID)
	latest, err := cpm.Latest()
	if err != nil {
		return nil, false, err
	}
	if latest == nil {
		// Nothing to restore; the session stays failed.
		return nil, false, nil
	}

	delay, ok := d.retry.Next(key)
	if !ok {
		return nil, false, nil
	}
	if diag.Action == recovery.ActionRetry {
		if err := d.sleepFunc(ctx, delay); err != nil {
			return nil, false, err
		}
	}

	snapSess, snapGraph, _, err := cpm.Rollback(latest.Seq)
	if err != nil {
		return nil, false, fmt.Errorf("restore checkpoint %d: %w", latest.Seq, err)
	}
	d.auditEvent(ctx, sess.ID, protocol.EventRollback, map[string]any{"checkpoint": latest.Seq})

	if diag.Action == recovery.ActionRollback {
		// Permanent failure: ask the planner for a fresh route around it.
		if revised, rerr := d.engine.Replan(ctx, snapSess.Goal, snapGraph); rerr == nil {
			snapGraph = revised
			d.auditEvent(ctx, sess.ID, protocol.EventPlanRevised, map[string]any{"tasks": len(revised.Tasks)})
		}
	} else {
		resetFailedTasks(snapGraph)
	}

	if err := d.store.Save(snapSess); err != nil {
		return nil, false, err
	}
	if err := d.saveGraph(snapSess.ID, snapGraph); err != nil {
		return nil, false, err
	}
	return &restored{sess: snapSess, graph: snapGraph}, true, nil
}

// runOnce wires one loop execution over the session with audit, checkpoint,
// and status hooks attached.
func (d *Daemon) runOnce(ctx context.Context, sess *session.Session, g *plan.Graph, sandbox string) (*loop.Outcome, error) {
	cpm := checkpoint.NewManager(d.store.Dir(sess.ID), sess.ID)

	r := loop.NewRunner(sess, g, d.exec)
	r.Directives = mailboxSource{ctrl: d.ctrl}
	r.Config = loop.Config{
		CheckpointInterval:   d.policy.Loop.CheckpointInterval,
		FailureStreakLimit:   d.policy.Loop.FailureStreakLimit,
		ConfidenceWindow:     d.policy.Loop.ConfidenceWindow,
		ConfidenceFloor:      d.policy.Loop.ConfidenceFloor,
		MinConfidenceSamples: d.policy.Loop.MinConfidenceSamples,
	}
	r.Hooks = loop.Hooks{
		Checkpoint: func(completed int) error {
			meta, err := cpm.Create(sess, g, sandbox, fmt.Sprintf("after %d tasks", completed))
			if err != nil {
				return err
			}
			d.auditEvent(ctx, sess.ID, protocol.EventCheckpointTaken, map[string]any{
				"checkpoint": meta.Seq, "tasks_completed": completed,
			})
			return nil
		},
		OnTask: func(task *plan.Task, res *loop.Result) {
			ev := protocol.EventTaskCompleted
			details := map[string]any{"task": task.ID, "title": task.Title}
			if !res.Success {
				ev = protocol.EventTaskFailed
				details["error"] = res.Error
			} else {
				details["confidence"] = res.Confidence
			}
			d.auditEvent(ctx, sess.ID, ev, details)
		},
		Persist: func() error {
			if err := d.store.Save(sess); err != nil {
				return err
			}
			if err := d.saveGraph(sess.ID, g); err != nil {
				return err
			}
			d.publishStatus(sess)
			return nil
		},
	}
	return r.Run(ctx)
}

// finalize records the session's final lifecycle event and status record.
func (d *Daemon) finalize(ctx context.Context, sess *session.Session) {
	_ = d.store.Save(sess)
	d.publishStatus(sess)

	var ev protocol.EventType
	switch sess.Status {
	case protocol.SessionCompleted:
		ev = protocol.EventSessionCompleted
	case protocol.SessionFailed:
		ev = protocol.EventSessionFailed
	case protocol.SessionCancelled:
		ev = protocol.EventSessionCancelled
	case protocol.SessionPaused:
		ev = protocol.EventSessionPaused
	default:
		return
	}
	details := map[string]any{}
	if sess.LastError != "" {
		details["last_error"] = sess.LastError
	}
	d.auditEvent(ctx, sess.ID, ev, details)
}

// abortCreated cancels a session that never started and surfaces cause.
func (d *Daemon) abortCreated(ctx context.Context, sess *session.Session, cause error) error {
	sess.RecordError(cause.Error())
	if err := sess.Transition(protocol.SessionCancelled); err != nil {
		return err
	}
	_ = d.store.Save(sess)
	d.auditEvent(ctx, sess.ID, protocol.EventSessionCancelled, map[string]any{"reason": cause.Error()})
	d.publishStatus(sess)
	return cause
}

// auditEvent appends to the chain best-effort. A full audit write failure
// must not kill a running session; the chain verification command surfaces
// gaps.
func (d *Daemon) auditEvent(ctx context.Context, sessionID string, ev protocol.EventType, details map[string]any) {
	if d.auditLog == nil {
		return
	}
	_ = d.auditLog.Append(ctx, &audit.Entry{
		SessionID: sessionID,
		EventType: ev,
		Actor:     "daemon",
		Details:   details,
	})
}

func (d *Daemon) publishStatus(sess *session.Session) {
	_ = d.ctrl.WriteStatus(&control.Status{
		Running:        !sess.Status.Terminal(),
		PID:            os.Getpid(),
		SessionID:      sess.ID,
		Role:           sess.Role,
		Goal:           sess.Goal,
		State:          string(sess.Status),
		TasksTotal:     sess.Progress.Total,
		TasksCompleted: sess.Progress.Completed,
		TasksFailed:    sess.Progress.Failed,
		UpdatedAt:      time.Now().UTC().Format(time.RFC3339),
	})
}

func (d *Daemon) retryKey(sessionID string) string {
	return "session:" + sessionID
}

// graphPath is the persisted task graph location inside the session dir.
func (d *Daemon) graphPath(sessionID string) string {
	return filepath.Join(d.store.Dir(sessionID), "graph.json")
}

func (d *Daemon) saveGraph(sessionID string, g *plan.Graph) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal graph for %s: %w", sessionID, err)
	}
	path := d.graphPath(sessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write graph for %s: %w", sessionID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename graph for %s: %w", sessionID, err)
	}
	return nil
}

func (d *Daemon) loadGraph(sessionID string) (*plan.Graph, error) {
	data, err := os.ReadFile(d.graphPath(sessionID)) //nolint:gosec // path derives from the store dir
	if err != nil {
		return nil, fmt.Errorf("read graph for %s: %w", sessionID, err)
	}
	var g plan.Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse graph for %s: %w", sessionID, err)
	}
	return &g, nil
}

// mailboxSource adapts the control mailbox to the loop's directive interface.
type mailboxSource struct {
	ctrl *control.Controller
}

func (m mailboxSource) Poll() (protocol.Directive, bool, error) {
	cmd, err := m.ctrl.Poll()
	if err != nil || cmd == nil {
		return "", false, err
	}
	return cmd.Directive, true, nil
}

// resetFailedTasks flips failed tasks back to pending for a retry round.
func resetFailedTasks(g *plan.Graph) {
	for i := range g.Tasks {
		if g.Tasks[i].Status == protocol.TaskFailed {
			g.Tasks[i].Status = protocol.TaskPending
			g.Tasks[i].Error = ""
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
