// Package delegate maps task roles to the workers that perform them.
//
// The action loop never knows how a task gets done: it resolves the
// task's role against a Registry and invokes whatever Delegate is
// registered there. Two adapters ship in-tree: ExecDelegate hands the
// task to an external command over JSON pipes, InferenceDelegate asks
// the inference backend directly. Worker internals stay out of scope.
package delegate

import (
	"context"
	"errors"

	"flywheel/internal/types"
)

// ErrUnknownRole is returned when a task references a role no delegate
// is registered for.
var ErrUnknownRole = errors.New("unknown delegate role")

// Report is the outcome of one delegate invocation. Err carries the
// failure cause when Success is false; a delegate always returns a
// report, never a bare error.
type Report struct {
	Success   bool
	Summary   string
	CostUnits float64
	Err       error
}

// failure builds a failed report from an error.
func failure(err error) Report {
	return Report{Success: false, Err: err}
}

// Delegate performs one task. Implementations must honor ctx: the
// caller sets the per-task timeout and an expired context is a failure
// outcome, not a hang.
type Delegate interface {
	Invoke(ctx context.Context, task types.Task) Report
}
