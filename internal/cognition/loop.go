// Package cognition turns validated signals into executable task graphs.
// Each cycle pulls one signal, assesses its complexity, gathers stored
// precedent, formulates a strategy through the model router, and derives
// a task graph that always pairs code work with test work and joins on a
// single finalize task. Strategies, specifications and design decisions
// are externalized as audit artifacts before the plan ships.
package cognition

import (
	"context"
	"time"

	"flywheel/internal/artifact"
	"flywheel/internal/bus"
	"flywheel/internal/config"
	"flywheel/internal/inference"
	"flywheel/internal/logging"
	"flywheel/internal/loop"
	"flywheel/internal/router"
	"flywheel/internal/store"
	"flywheel/internal/types"
)

const (
	subscriberName = "cognition"

	// busAttempts bounds retries of publish and ack calls within one cycle.
	busAttempts = 3

	scratchNotesFile = "working_notes.md"

	defaultInferenceTimeout = 120 * time.Second
)

// Deps are the collaborators the cognition loop plans with.
type Deps struct {
	Bus       *bus.Bus
	Store     *store.Store
	Artifacts artifact.Store
	Router    *router.Router
	Backend   inference.Backend

	// Resolve reports whether a delegate role is registered. Plans whose
	// roles do not resolve are rebuilt in the canonical shape.
	Resolve types.RoleResolver
}

// Loop is the cognition stage. Construct with New and drive with Run.
type Loop struct {
	bus       *bus.Bus
	store     *store.Store
	artifacts artifact.Store
	router    *router.Router
	backend   inference.Backend
	resolve   types.RoleResolver

	contextPatterns  int
	reviewThreshold  float64
	inferenceTimeout time.Duration
}

// New builds a cognition loop. A non-positive inference timeout falls
// back to the package default.
func New(deps Deps, cfg config.CognitionConfig, inferenceTimeout time.Duration) *Loop {
	if inferenceTimeout <= 0 {
		inferenceTimeout = defaultInferenceTimeout
	}
	return &Loop{
		bus:              deps.Bus,
		store:            deps.Store,
		artifacts:        deps.Artifacts,
		router:           deps.Router,
		backend:          deps.Backend,
		resolve:          deps.Resolve,
		contextPatterns:  cfg.ContextPatterns,
		reviewThreshold:  cfg.ReviewThreshold,
		inferenceTimeout: inferenceTimeout,
	}
}

// Run consumes the signal queue until ctx is cancelled. Cognition runs a
// single consumer: plans are cheap to derive and serializing them keeps
// the ledger's spend ordering meaningful.
func (l *Loop) Run(ctx context.Context) error {
	signals := l.bus.Subscribe(bus.QueueSignals, subscriberName)

	r := &loop.Runner{
		Name:     "cognition/signals",
		Category: logging.CategoryCognition,
		Step:     l.step(signals),
	}
	return r.Run(ctx)
}

// step pulls one signal and hands it to handleSignal. A handler error
// releases the message so a later cycle can retry it.
func (l *Loop) step(sub *bus.Subscription) loop.Step {
	return func(ctx context.Context) error {
		msg, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := l.handleSignal(ctx, sub, msg); err != nil {
			sub.Release(msg.ID)
			return err
		}
		return nil
	}
}

// handleSignal runs one full planning cycle. Drop cases (undecodable or
// invalid signals, plans that cannot be repaired) complete the cycle so
// the message gets acked; only publish failures surface as errors and
// trigger redelivery.
func (l *Loop) handleSignal(ctx context.Context, sub *bus.Subscription, msg bus.Message) error {
	var sig types.Signal
	if err := msg.Decode(&sig); err != nil {
		logging.CognitionError("Dropping undecodable signal message %s: %v", msg.ID, err)
		return l.ack(ctx, sub, msg.ID)
	}
	if err := sig.Validate(); err != nil {
		logging.CognitionError("Dropping invalid signal %s: %v", msg.ID, err)
		return l.ack(ctx, sub, msg.ID)
	}

	logging.Cognition("Planning %s signal %s/%s confidence=%.2f correlation=%s",
		sig.Priority, sig.PatternType, sig.Pattern, sig.Confidence, sig.CorrelationID)

	evidence, err := l.store.EvidenceCount(ctx, sig.PatternType, sig.Pattern)
	if err != nil {
		logging.CognitionDebug("Evidence lookup failed for %s/%s: %v", sig.PatternType, sig.Pattern, err)
		evidence = 0
	}
	a := Assess(sig, evidence)
	pc := l.gatherContext(ctx, sig)

	l.writeScratch(sig, a, pc)
	if a.Score >= l.reviewThreshold {
		l.writeAudit(artifact.KindSpecification, sig, specificationArtifact(sig, a, pc))
	}
	if a.Architectural {
		l.writeAudit(artifact.KindDecision, sig, decisionArtifact(sig, a))
	}

	st := l.formulateStrategy(ctx, sig, a, pc)
	l.writeAudit(artifact.KindStrategy, sig, strategyArtifact(sig, a, st, pc))

	graph := l.buildGraph(sig, a, st)
	if err := graph.Validate(l.resolve); err != nil {
		logging.CognitionWarn("Derived plan for %s is invalid, rebuilding in canonical shape: %v", sig.CorrelationID, err)
		graph = l.canonicalGraph(sig, st)
		if err := graph.Validate(l.resolve); err != nil {
			logging.CognitionError("Canonical plan for %s is invalid, dropping signal: %v", sig.CorrelationID, err)
			l.clearScratch(sig.CorrelationID)
			return l.ack(ctx, sub, msg.ID)
		}
	}

	if err := l.publishGraph(ctx, graph); err != nil {
		return err
	}
	if err := l.ack(ctx, sub, msg.ID); err != nil {
		return err
	}

	// Audit artifacts persist; the working notes do not outlive the plan.
	l.clearScratch(sig.CorrelationID)

	logging.Cognition("Published plan %s: %d tasks, complexity=%.2f, strategy=%s",
		graph.CorrelationID, len(graph.Tasks), a.Score, st.Source)
	return nil
}

// publishGraph puts every task on the execution queue, finalize last.
// The action loop triggers on finalize arrival, so ordering guarantees
// the rest of the graph is already queued when it does. A failure midway
// returns an error; task ids are stable, so the retried cycle republishes
// duplicates the action loop can recognize.
func (l *Loop) publishGraph(ctx context.Context, graph types.TaskGraph) error {
	finalize := graph.FinalizeTask()
	for i := range graph.Tasks {
		t := &graph.Tasks[i]
		if finalize != nil && t.TaskID == finalize.TaskID {
			continue
		}
		if err := l.publishTask(ctx, *t); err != nil {
			return err
		}
	}
	if finalize != nil {
		return l.publishTask(ctx, *finalize)
	}
	return nil
}

func (l *Loop) publishTask(ctx context.Context, t types.Task) error {
	msg, err := bus.NewMessage(bus.QueueExecution, bus.MsgTask, t.Priority, t.CorrelationID, t)
	if err != nil {
		return err
	}
	return loop.Retry(ctx, "publish task "+t.TaskID, busAttempts, func() error {
		_, pubErr := l.bus.Publish(ctx, msg)
		return pubErr
	})
}

// writeAudit externalizes an audit artifact. Best effort: a full disk
// must not stop planning, so failures are logged and the cycle goes on.
func (l *Loop) writeAudit(kind artifact.Kind, sig types.Signal, content string) {
	if _, err := l.artifacts.WriteAudit(kind, sig.CorrelationID, sig.Pattern, content); err != nil {
		logging.CognitionWarn("Failed to externalize %s artifact for %s: %v", kind, sig.CorrelationID, err)
	}
}

// writeScratch records the in-progress reasoning for a correlation so a
// crash mid-plan leaves an inspectable trail.
func (l *Loop) writeScratch(sig types.Signal, a Assessment, pc planContext) {
	notes := workingNotes(sig, a, pc)
	if _, err := l.artifacts.WriteScratch(sig.CorrelationID, scratchNotesFile, notes); err != nil {
		logging.CognitionDebug("Failed to write working notes for %s: %v", sig.CorrelationID, err)
	}
}

func (l *Loop) clearScratch(correlationID string) {
	if err := l.artifacts.ClearScratch(correlationID); err != nil {
		logging.CognitionDebug("Failed to clear scratch for %s: %v", correlationID, err)
	}
}

func (l *Loop) ack(ctx context.Context, sub *bus.Subscription, messageID string) error {
	return loop.Retry(ctx, "ack signal", busAttempts, func() error {
		return sub.Ack(ctx, messageID)
	})
}
