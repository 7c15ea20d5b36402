package cognition

import (
	"strings"
	"testing"

	"flywheel/internal/types"
)

func plannerLoop() *Loop {
	return &Loop{reviewThreshold: 0.7}
}

func resolveAll(string) bool { return true }

func planSignal() types.Signal {
	return types.Signal{
		Priority:      types.PriorityHigh,
		Source:        "ci",
		Pattern:       "critical_error",
		PatternType:   types.PatternFailure,
		Confidence:    0.9,
		Summary:       "panic in the payment handler",
		CorrelationID: "0a1b2c3d-4e5f-4a6b-8c7d-9e0f12345678",
	}
}

func taskByType(g types.TaskGraph, tt types.TaskType) (types.Task, bool) {
	for _, t := range g.Tasks {
		if t.Type == tt {
			return t, true
		}
	}
	return types.Task{}, false
}

func TestBuildGraphCanonicalShape(t *testing.T) {
	l := plannerLoop()
	sig := planSignal()

	g := l.buildGraph(sig, Assessment{Score: 0.5}, strategy{Text: "isolate and fix the panic"})
	if err := g.Validate(resolveAll); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(g.Tasks) != 3 {
		t.Fatalf("len(Tasks) = %d, want code, test and finalize", len(g.Tasks))
	}

	code, _ := taskByType(g, types.TaskCodeGeneration)
	test, _ := taskByType(g, types.TaskTestGeneration)
	final, ok := taskByType(g, types.TaskFinalize)
	if !ok {
		t.Fatal("graph has no finalize task")
	}
	if code.DelegateRole != types.RoleCodeAuthor || test.DelegateRole != types.RoleTestAuthor || final.DelegateRole != types.RoleReleaseIntegrator {
		t.Errorf("roles = %s/%s/%s", code.DelegateRole, test.DelegateRole, final.DelegateRole)
	}
	if len(final.DependsOn) != 2 {
		t.Errorf("finalize deps = %v, want exactly the code and test tasks", final.DependsOn)
	}

	for _, task := range g.Tasks {
		if task.CorrelationID != sig.CorrelationID {
			t.Errorf("task %s correlation = %q, want %q", task.TaskID, task.CorrelationID, sig.CorrelationID)
		}
		if task.Priority != sig.Priority {
			t.Errorf("task %s priority = %v, want %v", task.TaskID, task.Priority, sig.Priority)
		}
		if task.Spec == "" {
			t.Errorf("task %s has an empty spec", task.TaskID)
		}
	}
}

func TestBuildGraphAddsReviewAtThreshold(t *testing.T) {
	l := plannerLoop()
	sig := planSignal()
	st := strategy{Text: "plan"}

	g := l.buildGraph(sig, Assessment{Score: 0.7}, st)
	if err := g.Validate(resolveAll); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(g.Tasks) != 4 {
		t.Fatalf("len(Tasks) at the review threshold = %d, want 4", len(g.Tasks))
	}
	review, ok := taskByType(g, types.TaskReview)
	if !ok {
		t.Fatal("high-complexity graph has no review task")
	}
	if review.DelegateRole != types.RoleQualityGate {
		t.Errorf("review role = %s, want %s", review.DelegateRole, types.RoleQualityGate)
	}
	final, _ := taskByType(g, types.TaskFinalize)
	found := false
	for _, dep := range final.DependsOn {
		if dep == review.TaskID {
			found = true
		}
	}
	if !found {
		t.Errorf("finalize deps %v should include the review task", final.DependsOn)
	}

	g = l.buildGraph(sig, Assessment{Score: 0.69}, st)
	if len(g.Tasks) != 3 {
		t.Errorf("len(Tasks) below the threshold = %d, want 3", len(g.Tasks))
	}
}

func TestGraphLayering(t *testing.T) {
	l := plannerLoop()
	g := l.buildGraph(planSignal(), Assessment{Score: 0.9}, strategy{Text: "plan"})

	groups, err := g.ParallelGroups()
	if err != nil {
		t.Fatalf("ParallelGroups: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("len(groups) = %d, want development then finalize", len(groups))
	}
	if len(groups[0]) != 3 {
		t.Errorf("first layer has %d tasks, want code, test and review in parallel", len(groups[0]))
	}
	if len(groups[1]) != 1 || groups[1][0].Type != types.TaskFinalize {
		t.Errorf("second layer = %v, want only the finalize task", groups[1])
	}
}

func TestTaskIDsStableAcrossRebuilds(t *testing.T) {
	if got := taskID("0a1b2c3d-4e5f-4a6b-8c7d-9e0f12345678", "code"); got != "0a1b2c3d-code" {
		t.Errorf("taskID = %q, want 0a1b2c3d-code", got)
	}
	if got := taskID("abc", "test"); got != "abc-test" {
		t.Errorf("short correlation taskID = %q, want abc-test", got)
	}

	l := plannerLoop()
	sig := planSignal()
	st := strategy{Text: "plan"}
	first := l.buildGraph(sig, Assessment{Score: 0.8}, st)
	second := l.buildGraph(sig, Assessment{Score: 0.8}, st)
	for i := range first.Tasks {
		if first.Tasks[i].TaskID != second.Tasks[i].TaskID {
			t.Errorf("task id changed across rebuilds: %q vs %q", first.Tasks[i].TaskID, second.Tasks[i].TaskID)
		}
	}
}

func TestSpecsAreRoleTailored(t *testing.T) {
	l := plannerLoop()
	sig := planSignal()
	g := l.buildGraph(sig, Assessment{Score: 0.8, Drivers: []string{"race condition"}}, strategy{Text: "serialize the handler"})

	code, _ := taskByType(g, types.TaskCodeGeneration)
	test, _ := taskByType(g, types.TaskTestGeneration)
	review, _ := taskByType(g, types.TaskReview)
	final, _ := taskByType(g, types.TaskFinalize)

	if !strings.Contains(code.Spec, "Implement") || !strings.Contains(code.Spec, sig.Pattern) {
		t.Errorf("code spec should name the work and the pattern:\n%s", code.Spec)
	}
	if !strings.Contains(test.Spec, "fail on the original behavior") {
		t.Errorf("test spec should pin the failure mode:\n%s", test.Spec)
	}
	if !strings.Contains(review.Spec, "race condition") {
		t.Errorf("review spec should carry the complexity drivers:\n%s", review.Spec)
	}
	if !strings.Contains(final.Spec, "Checkpoint") || !strings.Contains(final.Spec, "verification") {
		t.Errorf("finalize spec should demand checkpoint and verification:\n%s", final.Spec)
	}
	if strings.Contains(code.Spec, "Do not modify production code") {
		t.Error("the test-author constraint leaked into the code spec")
	}
}

func TestCanonicalGraphValidatesWithStrictResolver(t *testing.T) {
	l := plannerLoop()
	canonical := map[string]bool{
		types.RoleCodeAuthor:        true,
		types.RoleTestAuthor:        true,
		types.RoleReleaseIntegrator: true,
	}
	g := l.canonicalGraph(planSignal(), strategy{Text: "plan"})
	if err := g.Validate(func(role string) bool { return canonical[role] }); err != nil {
		t.Fatalf("canonical graph must validate with only the canonical roles registered: %v", err)
	}
	if len(g.Tasks) != 3 {
		t.Errorf("canonical graph has %d tasks, want 3", len(g.Tasks))
	}
}
