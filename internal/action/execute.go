package action

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"flywheel/internal/artifact"
	"flywheel/internal/logging"
	"flywheel/internal/types"
)

// executeGraph runs a validated graph layer by layer and returns the
// terminal report. Any delegate failure halts the remaining layers, so
// the merge is only ever attempted on a fully successful development
// stage.
func (l *Loop) executeGraph(ctx context.Context, graph types.TaskGraph, finalize types.Task) types.ExecutionReport {
	report := types.ExecutionReport{
		TaskID:        finalize.TaskID,
		CorrelationID: graph.CorrelationID,
	}
	finish := func(status types.ReportStatus, details string) types.ExecutionReport {
		report.Status = status
		report.Details = details
		report.Timestamp = time.Now().UTC()
		return report
	}

	groups, err := graph.ParallelGroups()
	if err != nil {
		return finish(types.ReportFailure, "graph layering failed: "+err.Error())
	}
	l.writePlan(graph, groups)
	logging.Action("Executing graph %s: %d tasks in %d groups", graph.CorrelationID, len(graph.Tasks), len(groups))

	for _, layer := range groups {
		var dev []types.Task
		var fin *types.Task
		for i := range layer {
			if layer[i].Type == types.TaskFinalize {
				fin = &layer[i]
				continue
			}
			dev = append(dev, layer[i])
		}

		if len(dev) > 0 {
			reports := l.runLayer(ctx, dev)
			report.DelegateReports = append(report.DelegateReports, reports...)
			for _, dr := range reports {
				if !dr.Success {
					logging.ActionError("Delegate %s (%s) failed, halting graph %s: %s",
						dr.TaskID, dr.Role, graph.CorrelationID, failureText(dr))
					return finish(types.ReportFailure,
						fmt.Sprintf("delegate %s failed: %s; remaining work halted", dr.TaskID, failureText(dr)))
				}
			}
		}

		// The merge is terminal: nothing in a graph runs after it.
		if fin != nil {
			status, details := l.finalizeAndVerify(ctx, &report, *fin)
			return finish(status, details)
		}
	}
	return finish(types.ReportFailure, "graph completed without reaching the finalize task")
}

// runLayer invokes every task in one parallel group, bounded by
// maxParallel, and returns all their reports. A failing sibling does not
// cancel the others; halting applies to later layers.
func (l *Loop) runLayer(ctx context.Context, layer []types.Task) []types.DelegateReport {
	reports := make([]types.DelegateReport, len(layer))
	var g errgroup.Group
	g.SetLimit(l.maxParallel)
	for i, task := range layer {
		g.Go(func() error {
			reports[i] = l.invokeTask(ctx, task)
			return nil
		})
	}
	g.Wait()
	return reports
}

// invokeTask resolves and runs one delegate under the per-task timeout.
// The report-always contract holds even when no delegate resolves; an
// expired timeout surfaces as a failed report, identical to any other
// delegate failure.
func (l *Loop) invokeTask(ctx context.Context, task types.Task) types.DelegateReport {
	report := types.DelegateReport{TaskID: task.TaskID, Role: task.DelegateRole}

	d, err := l.delegates.Resolve(task.DelegateRole)
	if err != nil {
		report.Error = err.Error()
		return report
	}

	if l.delegateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.delegateTimeout)
		defer cancel()
	}

	logging.ActionDebug("Invoking %s for task %s", task.DelegateRole, task.TaskID)
	start := time.Now()
	res := d.Invoke(ctx, task)
	report.Duration = time.Since(start)
	report.Success = res.Success
	report.Summary = res.Summary
	report.CostUnits = res.CostUnits
	if res.Err != nil {
		report.Error = res.Err.Error()
	}
	return report
}

// finalizeAndVerify merges behind a pre-merge checkpoint and accepts the
// result only on a fully passing verification run. Every failure path
// rolls the workspace back so integration is never left broken.
func (l *Loop) finalizeAndVerify(ctx context.Context, report *types.ExecutionReport, finalize types.Task) (types.ReportStatus, string) {
	ref := ""
	if l.checkpoint != nil {
		var err error
		ref, err = l.checkpoint.Create(ctx)
		if err != nil {
			logging.ActionError("Pre-merge checkpoint failed for %s, merge not attempted: %v", finalize.CorrelationID, err)
			return types.ReportFailure, "pre-merge checkpoint failed: " + err.Error()
		}
	}

	merge := l.invokeTask(ctx, finalize)
	report.DelegateReports = append(report.DelegateReports, merge)
	if !merge.Success {
		l.rollback(ctx, ref, finalize.CorrelationID)
		return types.ReportFailure, fmt.Sprintf("merge delegate %s failed: %s", finalize.TaskID, failureText(merge))
	}

	result, err := l.gate.Run(ctx)
	if err != nil {
		l.rollback(ctx, ref, finalize.CorrelationID)
		return types.ReportFailure, "verification could not run: " + err.Error()
	}
	report.Verification = &result
	if !result.Success() {
		l.rollback(ctx, ref, finalize.CorrelationID)
		return types.ReportFailure, fmt.Sprintf("verification rejected the merge: %d of %d tests failing, rolled back to pre-merge checkpoint",
			result.FailedCount, result.Total)
	}

	if ref != "" {
		if err := l.checkpoint.Release(ctx, ref); err != nil {
			logging.ActionWarn("Failed to release checkpoint %s: %v", ref, err)
		}
	}
	return types.ReportSuccess, fmt.Sprintf("merged and verified: %d of %d tests passing", result.PassedCount, result.Total)
}

// rollback restores the pre-merge checkpoint. With checkpointing off
// there is nothing to restore.
func (l *Loop) rollback(ctx context.Context, ref, correlation string) {
	if ref == "" {
		return
	}
	if err := l.checkpoint.Restore(ctx, ref); err != nil {
		logging.ActionError("Rollback of %s failed, workspace may be inconsistent: %v", correlation, err)
		return
	}
	logging.Action("Rolled back %s to the pre-merge checkpoint", correlation)
}

// failureText picks the most useful description out of a failed report.
func failureText(dr types.DelegateReport) string {
	if dr.Error != "" {
		return dr.Error
	}
	if dr.Summary != "" {
		return dr.Summary
	}
	return "no details reported"
}

// writePlan externalizes the execution plan before any delegate runs.
// Best effort: the audit trail must not stop the work.
func (l *Loop) writePlan(graph types.TaskGraph, groups [][]types.Task) {
	if _, err := l.artifacts.WriteAudit(artifact.KindExecutionPlan, graph.CorrelationID, "plan", planArtifact(graph, groups)); err != nil {
		logging.ActionWarn("Failed to externalize execution plan for %s: %v", graph.CorrelationID, err)
	}
}

func planArtifact(graph types.TaskGraph, groups [][]types.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Execution plan: %s\n\n", graph.CorrelationID)
	fmt.Fprintf(&b, "- Priority: %s\n", graph.Priority)
	fmt.Fprintf(&b, "- Tasks: %d in %d parallel groups\n\n", len(graph.Tasks), len(groups))
	for i, layer := range groups {
		fmt.Fprintf(&b, "## Group %d\n\n", i+1)
		for _, t := range layer {
			fmt.Fprintf(&b, "- %s (%s, role %s)", t.TaskID, t.Type, t.DelegateRole)
			if len(t.DependsOn) > 0 {
				fmt.Fprintf(&b, " after %s", strings.Join(t.DependsOn, ", "))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}
