package plan

import (
	"context"
	"fmt"

	"warden/pkg/protocol"
)

// Planner is the external goal-decomposition provider, typically backed by a
// language model. Implementations return task records; the engine owns
// validation.
type Planner interface {
	// DecomposeGoal turns a goal plus free-form context into task records.
	DecomposeGoal(ctx context.Context, goal, planContext string) ([]Task, error)

	// Replan proposes new tasks covering the remaining work, given what has
	// already completed and failed.
	Replan(ctx context.Context, goal string, completed, failed, remaining []Task) ([]Task, error)
}

// Engine turns goals into validated task graphs.
type Engine struct {
	planner Planner
}

// NewEngine creates an Engine backed by the given planner.
func NewEngine(p Planner) *Engine {
	return &Engine{planner: p}
}

// Decompose asks the planner to break the goal into tasks, builds a graph,
// and validates it before returning. A structurally invalid plan is a hard
// error — it is never handed to the scheduler.
func (e *Engine) Decompose(ctx context.Context, goal, planContext string) (*Graph, error) {
	tasks, err := e.planner.DecomposeGoal(ctx, goal, planContext)
	if err != nil {
		return nil, fmt.Errorf("decompose goal: %w", err)
	}
	if len(tasks) == 0 {
		return nil, &ValidationError{Issues: []string{"planner returned no tasks"}}
	}

	g := NewGraph(tasks)
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("decompose goal: %w", err)
	}
	return g, nil
}

// Replan asks the planner for new tasks covering the unfinished portion of
// the graph and builds a candidate from the preserved completed tasks plus
// the new ones. If the candidate fails validation the unmodified original
// graph is returned — replanning is fail-safe, never fail-destructive.
func (e *Engine) Replan(ctx context.Context, goal string, g *Graph) (*Graph, error) {
	completed, failed, remaining := g.Partition()

	proposed, err := e.planner.Replan(ctx, goal, completed, failed, remaining)
	if err != nil {
		return g, fmt.Errorf("replan: %w", err)
	}
	if len(proposed) == 0 {
		return g, nil // nothing new to do; keep the original plan
	}

	tasks := make([]Task, 0, len(completed)+len(proposed))
	tasks = append(tasks, completed...)
	for _, t := range proposed {
		t.Status = protocol.TaskPending
		t.Output = ""
		t.Error = ""
		tasks = append(tasks, t)
	}

	candidate := NewGraph(tasks)
	if err := candidate.Validate(); err != nil {
		// Fall back to the original graph rather than schedule a broken plan.
		return g, fmt.Errorf("replan produced invalid graph, keeping original: %w", err)
	}
	return candidate, nil
}

// ValidateActions returns the action types present in the graph that are not
// in the allowed list. An empty allowed list means unrestricted — enforcement
// of the policy itself is a gate concern, this is the planning-boundary check.
func ValidateActions(g *Graph, allowed []string) []protocol.ActionType {
	if len(allowed) == 0 {
		return nil
	}
	permitted := make(map[protocol.ActionType]bool, len(allowed))
	for _, a := range allowed {
		permitted[protocol.ActionType(a)] = true
	}

	seen := make(map[protocol.ActionType]bool)
	var violations []protocol.ActionType
	for _, t := range g.Tasks {
		if t.Action == "" || permitted[t.Action] || seen[t.Action] {
			continue
		}
		seen[t.Action] = true
		violations = append(violations, t.Action)
	}
	return violations
}
