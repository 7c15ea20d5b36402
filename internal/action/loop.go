// Package action executes task graphs. The loop triggers on the arrival
// of a graph's finalize task, reassembles the full graph from the bus's
// correlation trail, runs the development layers in parallel, merges
// through the release integrator behind a pre-merge checkpoint, and
// accepts the result only when the full verification gate passes with
// zero failures. Every graph produces exactly one execution report on
// the outcome stream, success or failure.
package action

import (
	"context"
	"time"

	"flywheel/internal/artifact"
	"flywheel/internal/bus"
	"flywheel/internal/config"
	"flywheel/internal/delegate"
	"flywheel/internal/logging"
	"flywheel/internal/loop"
	"flywheel/internal/types"
)

const (
	subscriberName = "action"

	// busAttempts bounds retries of publish and ack calls within one cycle.
	busAttempts = 3
)

// Verifier runs the absolute verification gate. *verify.Gate satisfies
// this; tests inject fakes.
type Verifier interface {
	Run(ctx context.Context) (types.VerificationResult, error)
}

// Checkpointer snapshots the workspace around the merge. *verify.Checkpointer
// satisfies this; a nil Checkpointer disables checkpointing.
type Checkpointer interface {
	Create(ctx context.Context) (string, error)
	Restore(ctx context.Context, ref string) error
	Release(ctx context.Context, ref string) error
}

// Deps are the collaborators the action loop orchestrates.
type Deps struct {
	Bus        *bus.Bus
	Artifacts  artifact.Store
	Delegates  *delegate.Registry
	Gate       Verifier
	Checkpoint Checkpointer
}

// Loop is the action stage. Construct with New and drive with Run.
type Loop struct {
	bus        *bus.Bus
	artifacts  artifact.Store
	delegates  *delegate.Registry
	gate       Verifier
	checkpoint Checkpointer

	delegateTimeout time.Duration
	maxParallel     int
}

// New builds an action loop. maxParallel below one is treated as one.
func New(deps Deps, cfg config.ActionConfig, delegateTimeout time.Duration) *Loop {
	maxParallel := cfg.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Loop{
		bus:             deps.Bus,
		artifacts:       deps.Artifacts,
		delegates:       deps.Delegates,
		gate:            deps.Gate,
		checkpoint:      deps.Checkpoint,
		delegateTimeout: delegateTimeout,
		maxParallel:     maxParallel,
	}
}

// Run consumes the execution queue until ctx is cancelled. A single
// consumer executes one graph at a time: graphs already parallelize
// internally, and serializing them keeps the workspace merges ordered.
func (l *Loop) Run(ctx context.Context) error {
	tasks := l.bus.Subscribe(bus.QueueExecution, subscriberName)

	r := &loop.Runner{
		Name:     "action/execution",
		Category: logging.CategoryAction,
		Step:     l.step(tasks),
	}
	return r.Run(ctx)
}

// step pulls one task message and hands it to handleTask. A handler
// error releases the message so a later cycle can retry it.
func (l *Loop) step(sub *bus.Subscription) loop.Step {
	return func(ctx context.Context) error {
		msg, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := l.handleTask(ctx, sub, msg); err != nil {
			sub.Release(msg.ID)
			return err
		}
		return nil
	}
}

// handleTask routes one execution-queue message. Development-stage tasks
// are held unacked until their graph completes; the finalize task
// triggers execution of the whole graph. Cognition publishes finalize
// last, so every sibling is durably on the bus by the time it arrives.
func (l *Loop) handleTask(ctx context.Context, sub *bus.Subscription, msg bus.Message) error {
	if msg.Type != bus.MsgTask {
		logging.ActionWarn("Dropping foreign message type %q on %s", msg.Type, msg.Queue)
		return l.ack(ctx, sub, msg.ID)
	}
	var task types.Task
	if err := msg.Decode(&task); err != nil {
		logging.ActionError("Dropping undecodable task message %s: %v", msg.ID, err)
		return l.ack(ctx, sub, msg.ID)
	}

	if task.Type != types.TaskFinalize {
		logging.ActionDebug("Holding task %s (%s) until its graph completes", task.TaskID, task.Type)
		return nil
	}
	return l.executeCorrelation(ctx, sub, task)
}

// executeCorrelation runs one complete graph cycle: reassemble, execute,
// report, ack, reset.
func (l *Loop) executeCorrelation(ctx context.Context, sub *bus.Subscription, finalize types.Task) error {
	graph, msgIDs, err := l.reassemble(ctx, finalize)
	if err != nil {
		return err
	}

	var report types.ExecutionReport
	if err := graph.Validate(l.delegates.Has); err != nil {
		logging.ActionError("Reassembled graph %s is invalid: %v", finalize.CorrelationID, err)
		report = types.ExecutionReport{
			Status:        types.ReportFailure,
			TaskID:        finalize.TaskID,
			CorrelationID: finalize.CorrelationID,
			Details:       "graph reassembly failed: " + err.Error(),
			Timestamp:     time.Now().UTC(),
		}
	} else {
		report = l.executeGraph(ctx, graph, finalize)
	}

	if err := l.publishReport(ctx, graph.Priority, report); err != nil {
		return err
	}
	if err := l.ackAll(ctx, sub, msgIDs); err != nil {
		return err
	}

	// The execution-plan artifact persists; the scratch space does not
	// outlive the graph.
	if err := l.artifacts.ClearScratch(finalize.CorrelationID); err != nil {
		logging.ActionDebug("Failed to clear scratch for %s: %v", finalize.CorrelationID, err)
	}

	logging.Action("Graph %s finished: %s (%d delegate reports)",
		graph.CorrelationID, report.Status, len(report.DelegateReports))
	return nil
}

// reassemble rebuilds the task graph from the correlation's bus trail.
// Replanned signals republish identical task ids, so duplicates collapse
// to the first occurrence.
func (l *Loop) reassemble(ctx context.Context, finalize types.Task) (types.TaskGraph, []string, error) {
	msgs, err := l.bus.ByCorrelation(ctx, finalize.CorrelationID)
	if err != nil {
		return types.TaskGraph{}, nil, err
	}

	graph := types.TaskGraph{
		CorrelationID: finalize.CorrelationID,
		Priority:      finalize.Priority,
	}
	seen := make(map[string]bool)
	var msgIDs []string
	for _, m := range msgs {
		if m.Queue != bus.QueueExecution || m.Type != bus.MsgTask {
			continue
		}
		msgIDs = append(msgIDs, m.ID)
		var task types.Task
		if err := m.Decode(&task); err != nil {
			logging.ActionWarn("Skipping undecodable task in correlation %s: %v", finalize.CorrelationID, err)
			continue
		}
		if seen[task.TaskID] {
			continue
		}
		seen[task.TaskID] = true
		graph.Tasks = append(graph.Tasks, task)
	}
	return graph, msgIDs, nil
}

// publishReport puts the terminal report on the outcome stream.
func (l *Loop) publishReport(ctx context.Context, priority types.Priority, report types.ExecutionReport) error {
	msg, err := bus.NewMessage(bus.QueueOutcomes, bus.MsgReport, priority, report.CorrelationID, report)
	if err != nil {
		return err
	}
	return loop.Retry(ctx, "publish execution report", busAttempts, func() error {
		_, pubErr := l.bus.Publish(ctx, msg)
		return pubErr
	})
}

// ackAll acknowledges every task message of a completed graph, held
// siblings and duplicates included.
func (l *Loop) ackAll(ctx context.Context, sub *bus.Subscription, msgIDs []string) error {
	for _, id := range msgIDs {
		if err := l.ack(ctx, sub, id); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) ack(ctx context.Context, sub *bus.Subscription, messageID string) error {
	return loop.Retry(ctx, "ack task", busAttempts, func() error {
		return sub.Ack(ctx, messageID)
	})
}
