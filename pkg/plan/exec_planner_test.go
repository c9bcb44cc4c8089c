package plan //nolint:testpackage // internal test needs access to unexported helpers

import (
	"strings"
	"testing"
)

func TestParseTasks_PlainArray(t *testing.T) {
	out := `[{"id":"t1","title":"scaffold","action":"edit_code"},
	{"id":"t2","title":"tests","action":"write_tests","depends_on":["t1"]}]`

	tasks, err := parseTasks(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 || tasks[0].ID != "t1" || tasks[1].DependsOn[0] != "t1" {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestParseTasks_ToleratesSurroundingProse(t *testing.T) {
	out := "Here is the plan:\n```json\n" +
		`[{"id":"t1","title":"only task","action":"edit_code"}]` +
		"\n```\nLet me know if you want changes."

	tasks, err := parseTasks(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Title != "only task" {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestParseTasks_NoArray(t *testing.T) {
	if _, err := parseTasks("I could not produce a plan."); err == nil {
		t.Fatal("prose without JSON accepted")
	}
}

func TestDecomposePrompt_CarriesGoalAndSchema(t *testing.T) {
	p := decomposePrompt("add rate limiting", "repo: api-gateway")
	for _, want := range []string{"add rate limiting", "repo: api-gateway", "JSON array", "acyclic"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
}

func TestReplanPrompt_ShowsFailureErrors(t *testing.T) {
	failed := []Task{{ID: "t2", Title: "migrate", Error: "connection refused"}}
	p := replanPrompt("goal", nil, failed, nil)
	if !strings.Contains(p, "connection refused") {
		t.Fatalf("prompt must carry failure detail:\n%s", p)
	}
	if !strings.Contains(p, "must not be repeated") {
		t.Fatalf("prompt must forbid re-planning completed work:\n%s", p)
	}
}
