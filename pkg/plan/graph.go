// Package plan implements the goal engine: the task graph data model with
// structural validation (duplicate ids, dangling dependencies, cycles) and
// the decompose/replan operations backed by an external planning provider.
// An unusable plan is never scheduled — validation runs on every construction
// and every replan.
package plan

import (
	"fmt"
	"strings"
	"time"

	"warden/pkg/protocol"
)

// Task is an atomic unit of work within a goal graph.
type Task struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Action      protocol.ActionType `json:"action"`
	DependsOn   []string            `json:"depends_on,omitempty"`
	Status      protocol.TaskStatus `json:"status"`

	EstimatedMinutes int     `json:"estimated_minutes,omitempty"`
	ActualSeconds    float64 `json:"actual_seconds,omitempty"`

	Output     string  `json:"output,omitempty"`
	Error      string  `json:"error,omitempty"`
	Confidence float64 `json:"confidence,omitempty"` // in [0,1]
}

// Graph is an ordered collection of tasks forming a DAG.
type Graph struct {
	Tasks     []Task    `json:"tasks"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidationError reports every structural problem found in a graph.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task graph: %s", strings.Join(e.Issues, "; "))
}

// NewGraph builds a graph from tasks, stamping the creation time and forcing
// empty statuses to pending. It does NOT validate — call Validate.
func NewGraph(tasks []Task) *Graph {
	g := &Graph{Tasks: tasks, CreatedAt: time.Now().UTC()}
	for i := range g.Tasks {
		if g.Tasks[i].Status == "" {
			g.Tasks[i].Status = protocol.TaskPending
		}
	}
	return g
}

// Validate checks the graph for duplicate ids, dependencies that do not
// resolve within the graph, and cycles. All violations are collected into a
// single *ValidationError so the caller sees the whole picture at once.
func (g *Graph) Validate() error {
	var issues []string

	index := make(map[string]int, len(g.Tasks))
	for i, t := range g.Tasks {
		if t.ID == "" {
			issues = append(issues, fmt.Sprintf("task at position %d has an empty id", i))
			continue
		}
		if _, dup := index[t.ID]; dup {
			issues = append(issues, fmt.Sprintf("duplicate task id %q", t.ID))
			continue
		}
		index[t.ID] = i
	}

	for _, t := range g.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := index[dep]; !ok {
				issues = append(issues, fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep))
			}
		}
	}

	// Only run cycle detection on a structurally resolvable graph.
	if len(issues) == 0 {
		if cycle := g.findCycle(index); cycle != "" {
			issues = append(issues, fmt.Sprintf("dependency cycle involving task %q", cycle))
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// findCycle runs an iterative DFS with an explicit stack (no recursion, so
// pathological graphs cannot blow the call stack). Returns the id of a task
// on a cycle, or "" if the graph is acyclic. O(V+E).
func (g *Graph) findCycle(index map[string]int) string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(g.Tasks))

	type frame struct {
		id   string
		next int // index into DependsOn of the next edge to explore
	}

	for _, root := range g.Tasks {
		if state[root.ID] != unvisited {
			continue
		}
		stack := []frame{{id: root.ID}}
		state[root.ID] = inStack

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := g.Tasks[index[top.id]].DependsOn

			if top.next >= len(deps) {
				state[top.id] = done
				stack = stack[:len(stack)-1]
				continue
			}

			dep := deps[top.next]
			top.next++

			switch state[dep] {
			case inStack:
				return dep // back edge: dep is on the current path
			case unvisited:
				state[dep] = inStack
				stack = append(stack, frame{id: dep})
			}
		}
	}
	return ""
}

// Get returns a pointer to the task with the given id, or nil.
func (g *Graph) Get(id string) *Task {
	for i := range g.Tasks {
		if g.Tasks[i].ID == id {
			return &g.Tasks[i]
		}
	}
	return nil
}

// SetStatus updates the status of the task with the given id.
func (g *Graph) SetStatus(id string, status protocol.TaskStatus) error {
	t := g.Get(id)
	if t == nil {
		return fmt.Errorf("unknown task %q", id)
	}
	t.Status = status
	return nil
}

// ReadyTasks returns pending tasks whose dependencies have all completed, in
// graph order.
func (g *Graph) ReadyTasks() []*Task {
	var ready []*Task
	for i := range g.Tasks {
		t := &g.Tasks[i]
		if t.Status != protocol.TaskPending {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			d := g.Get(dep)
			if d == nil || d.Status != protocol.TaskCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	return ready
}

// Counts holds per-status task tallies.
type Counts struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Skipped   int
}

// Count tallies tasks by status.
func (g *Graph) Count() Counts {
	c := Counts{Total: len(g.Tasks)}
	for _, t := range g.Tasks {
		switch t.Status {
		case protocol.TaskPending:
			c.Pending++
		case protocol.TaskRunning:
			c.Running++
		case protocol.TaskCompleted:
			c.Completed++
		case protocol.TaskFailed:
			c.Failed++
		case protocol.TaskSkipped:
			c.Skipped++
		}
	}
	return c
}

// Partition splits tasks into completed, failed, and remaining (pending,
// running, or skipped) groups. Used by replan to preserve finished work.
func (g *Graph) Partition() (completed, failed, remaining []Task) {
	for _, t := range g.Tasks {
		switch t.Status {
		case protocol.TaskCompleted:
			completed = append(completed, t)
		case protocol.TaskFailed:
			failed = append(failed, t)
		default:
			remaining = append(remaining, t)
		}
	}
	return completed, failed, remaining
}
