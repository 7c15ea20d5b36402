package cognition

import (
	"fmt"
	"strings"

	"flywheel/internal/types"
)

// taskID derives a stable task id from the correlation and a stage suffix.
// Stable ids let the action loop deduplicate tasks republished after a
// redelivered signal.
func taskID(correlationID, suffix string) string {
	prefix := correlationID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return prefix + "-" + suffix
}

// buildGraph derives the task graph for a signal: a code task and a test
// task running in parallel, a review task alongside them when complexity
// crosses the review threshold, and a finalize task joining everything.
func (l *Loop) buildGraph(sig types.Signal, a Assessment, st strategy) types.TaskGraph {
	code := types.Task{
		TaskID:        taskID(sig.CorrelationID, "code"),
		CorrelationID: sig.CorrelationID,
		Priority:      sig.Priority,
		Type:          types.TaskCodeGeneration,
		DelegateRole:  types.RoleCodeAuthor,
		Spec:          codeSpec(sig, st),
	}
	test := types.Task{
		TaskID:        taskID(sig.CorrelationID, "test"),
		CorrelationID: sig.CorrelationID,
		Priority:      sig.Priority,
		Type:          types.TaskTestGeneration,
		DelegateRole:  types.RoleTestAuthor,
		Spec:          testSpec(sig, st),
	}

	tasks := []types.Task{code, test}
	finalDeps := []string{code.TaskID, test.TaskID}

	if a.Score >= l.reviewThreshold {
		review := types.Task{
			TaskID:        taskID(sig.CorrelationID, "review"),
			CorrelationID: sig.CorrelationID,
			Priority:      sig.Priority,
			Type:          types.TaskReview,
			DelegateRole:  types.RoleQualityGate,
			Spec:          reviewSpec(sig, a),
		}
		tasks = append(tasks, review)
		finalDeps = append(finalDeps, review.TaskID)
	}

	tasks = append(tasks, types.Task{
		TaskID:        taskID(sig.CorrelationID, "final"),
		CorrelationID: sig.CorrelationID,
		Priority:      sig.Priority,
		Type:          types.TaskFinalize,
		DelegateRole:  types.RoleReleaseIntegrator,
		Spec:          finalizeSpec(sig),
		DependsOn:     finalDeps,
	})

	return types.TaskGraph{
		CorrelationID: sig.CorrelationID,
		Priority:      sig.Priority,
		Tasks:         tasks,
	}
}

// canonicalGraph is the minimal shape every plan can fall back to: one
// code task, one test task, one finalize join.
func (l *Loop) canonicalGraph(sig types.Signal, st strategy) types.TaskGraph {
	code := types.Task{
		TaskID:        taskID(sig.CorrelationID, "code"),
		CorrelationID: sig.CorrelationID,
		Priority:      sig.Priority,
		Type:          types.TaskCodeGeneration,
		DelegateRole:  types.RoleCodeAuthor,
		Spec:          codeSpec(sig, st),
	}
	test := types.Task{
		TaskID:        taskID(sig.CorrelationID, "test"),
		CorrelationID: sig.CorrelationID,
		Priority:      sig.Priority,
		Type:          types.TaskTestGeneration,
		DelegateRole:  types.RoleTestAuthor,
		Spec:          testSpec(sig, st),
	}
	return types.TaskGraph{
		CorrelationID: sig.CorrelationID,
		Priority:      sig.Priority,
		Tasks: []types.Task{code, test, {
			TaskID:        taskID(sig.CorrelationID, "final"),
			CorrelationID: sig.CorrelationID,
			Priority:      sig.Priority,
			Type:          types.TaskFinalize,
			DelegateRole:  types.RoleReleaseIntegrator,
			Spec:          finalizeSpec(sig),
			DependsOn:     []string{code.TaskID, test.TaskID},
		}},
	}
}

// =============================================================================
// ROLE-TAILORED SPECS
// =============================================================================

func codeSpec(sig types.Signal, st strategy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement the change resolving %s pattern %q.\n\n", sig.PatternType, sig.Pattern)
	fmt.Fprintf(&b, "Signal: %s\n\n", sig.Summary)
	fmt.Fprintf(&b, "Strategy:\n%s\n\n", st.Text)
	b.WriteString("Constraints: change only what the strategy requires, keep public behavior stable, and leave test authoring to the test task.")
	return b.String()
}

func testSpec(sig types.Signal, st strategy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write tests pinning the resolution of %s pattern %q.\n\n", sig.PatternType, sig.Pattern)
	fmt.Fprintf(&b, "Signal: %s\n\n", sig.Summary)
	fmt.Fprintf(&b, "Strategy:\n%s\n\n", st.Text)
	b.WriteString("Constraints: tests must fail on the original behavior and pass on the fixed behavior. Do not modify production code.")
	return b.String()
}

func reviewSpec(sig types.Signal, a Assessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the planned change for %s pattern %q (complexity %.2f).\n\n", sig.PatternType, sig.Pattern, a.Score)
	fmt.Fprintf(&b, "Signal: %s\n\n", sig.Summary)
	if len(a.Drivers) > 0 {
		fmt.Fprintf(&b, "Focus areas: %s\n\n", strings.Join(a.Drivers, ", "))
	}
	b.WriteString("Check correctness, scope creep, and missing edge cases. Reject work that does not match the signal.")
	return b.String()
}

func finalizeSpec(sig types.Signal) string {
	return fmt.Sprintf("Merge the completed work for %s pattern %q. "+
		"Checkpoint the workspace first, run the full verification suite, and keep the merge only when every check passes.",
		sig.PatternType, sig.Pattern)
}
