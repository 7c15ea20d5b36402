package perception

import (
	"context"
	"fmt"
	"strings"

	"flywheel/internal/bus"
	"flywheel/internal/logging"
	"flywheel/internal/types"
)

// handleOutcome closes the loop on one execution report. The outcome is
// attributed to the pattern whose signal started the execution, then the
// report re-enters the classification path as fresh telemetry so failed
// work can surface its own follow-up detection.
func (l *Loop) handleOutcome(ctx context.Context, sub *bus.Subscription, msg bus.Message) error {
	var report types.ExecutionReport
	if err := msg.Decode(&report); err != nil {
		logging.PerceptionError("Dropping undecodable outcome message %s: %v", msg.ID, err)
		return l.ack(ctx, sub, msg.ID)
	}

	succeeded := report.Status == types.ReportSuccess
	l.learnOutcome(ctx, report, succeeded)

	if err := l.processEvent(ctx, outcomeEvent(report), ""); err != nil {
		return err
	}
	return l.ack(ctx, sub, msg.ID)
}

// learnOutcome finds the signal that shares the report's correlation id
// on the bus audit trail and records the outcome against its stored
// pattern. Best effort: a missed attribution is logged, never fatal.
func (l *Loop) learnOutcome(ctx context.Context, report types.ExecutionReport, succeeded bool) {
	if report.CorrelationID == "" {
		logging.PerceptionDebug("Outcome for task %s has no correlation id, nothing to attribute", report.TaskID)
		return
	}
	msgs, err := l.bus.ByCorrelation(ctx, report.CorrelationID)
	if err != nil {
		logging.PerceptionWarn("Cannot load correlation %s for outcome attribution: %v", report.CorrelationID, err)
		return
	}
	for _, m := range msgs {
		if m.Queue != bus.QueueSignals || m.Type != bus.MsgSignal {
			continue
		}
		var sig types.Signal
		if err := m.Decode(&sig); err != nil {
			logging.PerceptionDebug("Skipping undecodable signal %s during attribution: %v", m.ID, err)
			continue
		}
		p, err := l.store.FindByName(ctx, sig.PatternType, sig.Pattern)
		if err != nil {
			logging.PerceptionWarn("No stored pattern %s/%s to attribute outcome to: %v", sig.PatternType, sig.Pattern, err)
			continue
		}
		if err := l.store.RecordOutcome(ctx, p.ID, succeeded); err != nil {
			logging.PerceptionWarn("Failed to record %s outcome for pattern %d: %v", report.Status, p.ID, err)
			continue
		}
		logging.Perception("Attributed %s outcome to pattern %s/%s", report.Status, sig.PatternType, sig.Pattern)
	}
}

// outcomeEvent recasts an execution report as telemetry. The prior
// correlation id moves into metadata so any follow-up detection starts a
// new chain instead of growing the finished one.
func outcomeEvent(report types.ExecutionReport) types.TelemetryEvent {
	var b strings.Builder
	fmt.Fprintf(&b, "Execution %s for task %s.", report.Status, report.TaskID)
	if report.Details != "" {
		fmt.Fprintf(&b, " %s", report.Details)
	}
	for _, dr := range report.DelegateReports {
		if dr.Success {
			continue
		}
		reason := dr.Error
		if reason == "" {
			reason = dr.Summary
		}
		fmt.Fprintf(&b, " Delegate %s failed: %s.", dr.Role, reason)
	}
	if v := report.Verification; v != nil && !v.Success() {
		fmt.Fprintf(&b, " Verification failed: %d of %d tests failing.", v.FailedCount, v.Total)
	}

	meta := map[string]string{"status": string(report.Status)}
	if report.CorrelationID != "" {
		meta["prior_correlation"] = report.CorrelationID
	}
	if report.TaskID != "" {
		meta["task_id"] = report.TaskID
	}

	return types.TelemetryEvent{
		Source:    "outcome_stream",
		Text:      b.String(),
		Metadata:  meta,
		Timestamp: report.Timestamp,
		SourceID:  report.TaskID,
	}
}
