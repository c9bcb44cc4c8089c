package plan

import (
	"encoding/json"
	"fmt"
	"strings"
)

// taskSchemaHint is the JSON shape the planner agent must return.
const taskSchemaHint = `Respond with ONLY a JSON array of task objects:
[{"id": "t1", "title": "...", "description": "...", "action": "edit_code",
  "depends_on": [], "estimated_minutes": 10}]
Rules:
- ids must be unique; depends_on may only reference ids in this array
- the dependency graph must be acyclic
- action is a short snake_case verb phrase (edit_code, write_tests, run_build, ...)`

// decomposePrompt builds the goal-decomposition prompt.
func decomposePrompt(goal, planContext string) string {
	var b strings.Builder
	b.WriteString("Decompose the following engineering goal into a dependency-ordered task list.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	if planContext != "" {
		fmt.Fprintf(&b, "Context: %s\n", planContext)
	}
	b.WriteString("\n")
	b.WriteString(taskSchemaHint)
	return b.String()
}

// replanPrompt builds the revision prompt. Completed work is shown so the
// agent never re-plans it; failed tasks are shown with their errors.
func replanPrompt(goal string, completed, failed, remaining []Task) string {
	var b strings.Builder
	b.WriteString("A task plan for the goal below has partially failed. Propose replacement tasks\n")
	b.WriteString("covering ONLY the unfinished work; completed tasks must not be repeated.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n\n", goal)

	fmt.Fprintf(&b, "Completed (%d):\n%s\n", len(completed), taskSummary(completed))
	fmt.Fprintf(&b, "Failed (%d):\n%s\n", len(failed), taskSummary(failed))
	fmt.Fprintf(&b, "Remaining (%d):\n%s\n", len(remaining), taskSummary(remaining))

	b.WriteString(taskSchemaHint)
	return b.String()
}

func taskSummary(tasks []Task) string {
	if len(tasks) == 0 {
		return "  (none)\n"
	}
	var b strings.Builder
	for _, t := range tasks {
		line := map[string]string{"id": t.ID, "title": t.Title}
		if t.Error != "" {
			line["error"] = t.Error
		}
		enc, _ := json.Marshal(line)
		fmt.Fprintf(&b, "  %s\n", enc)
	}
	return b.String()
}
