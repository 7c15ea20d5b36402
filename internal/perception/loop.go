// Package perception turns raw telemetry into validated signals. Each
// cycle pulls one event, classifies it against the pattern tables,
// enriches the top detection into a Signal, publishes it on the signal
// queue, and records every detection as a pattern sighting. The loop
// carries no state between cycles, so any number of instances can run
// against the same bus and store.
//
// The outcome stream is a third input: execution reports are attributed
// back to the pattern that started them and then re-enter the same
// classification path as fresh telemetry, closing the improvement loop.
package perception

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"flywheel/internal/bus"
	"flywheel/internal/config"
	"flywheel/internal/detect"
	"flywheel/internal/logging"
	"flywheel/internal/loop"
	"flywheel/internal/store"
	"flywheel/internal/types"
)

const (
	// subscriberName is shared by every perception consumer so instances
	// compete for messages instead of each receiving a broadcast copy.
	subscriberName = "perception"

	// busAttempts bounds retries of publish and ack calls within one cycle.
	busAttempts = 3

	// summaryMaxLen caps the signal summary length in runes.
	summaryMaxLen = 200
)

// Loop is the perception stage. Construct with New and drive with Run.
type Loop struct {
	bus      *bus.Bus
	store    *store.Store
	detector *detect.Detector

	instances  int
	enrichTopK int
}

// New builds a perception loop over the given bus and store.
func New(b *bus.Bus, st *store.Store, det *detect.Detector, cfg config.PerceptionConfig) *Loop {
	instances := cfg.Instances
	if instances < 1 {
		instances = 1
	}
	return &Loop{
		bus:        b,
		store:      st,
		detector:   det,
		instances:  instances,
		enrichTopK: cfg.EnrichTopK,
	}
}

// Run consumes the input streams until ctx is cancelled. Telemetry and
// context consumers scale with the configured instance count; outcome
// feedback runs as a single consumer.
func (l *Loop) Run(ctx context.Context) error {
	telemetry := l.bus.Subscribe(bus.QueueTelemetry, subscriberName)
	contexts := l.bus.Subscribe(bus.QueueContext, subscriberName)
	outcomes := l.bus.Subscribe(bus.QueueOutcomes, subscriberName)

	logging.Perception("Perception starting with %d instance(s)", l.instances)

	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= l.instances; i++ {
		tr := &loop.Runner{
			Name:     fmt.Sprintf("perception/telemetry-%d", i),
			Category: logging.CategoryPerception,
			Step:     l.consume(telemetry, l.handleEvent),
		}
		g.Go(func() error { return tr.Run(ctx) })

		cr := &loop.Runner{
			Name:     fmt.Sprintf("perception/context-%d", i),
			Category: logging.CategoryPerception,
			Step:     l.consume(contexts, l.handleEvent),
		}
		g.Go(func() error { return cr.Run(ctx) })
	}
	or := &loop.Runner{
		Name:     "perception/outcomes",
		Category: logging.CategoryPerception,
		Step:     l.consume(outcomes, l.handleOutcome),
	}
	g.Go(func() error { return or.Run(ctx) })

	return g.Wait()
}

// consume pulls one message and hands it to handle. A handler error
// releases the message so a later cycle can retry it; the runner backs
// off in between.
func (l *Loop) consume(sub *bus.Subscription, handle func(context.Context, *bus.Subscription, bus.Message) error) loop.Step {
	return func(ctx context.Context) error {
		msg, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := handle(ctx, sub, msg); err != nil {
			sub.Release(msg.ID)
			return err
		}
		return nil
	}
}

// handleEvent runs one full perception cycle for a telemetry or context
// message. Undecodable messages are dropped with an error log rather
// than redelivered forever.
func (l *Loop) handleEvent(ctx context.Context, sub *bus.Subscription, msg bus.Message) error {
	var event types.TelemetryEvent
	if err := msg.Decode(&event); err != nil {
		logging.PerceptionError("Dropping undecodable message %s from %s: %v", msg.ID, msg.Queue, err)
		return l.ack(ctx, sub, msg.ID)
	}
	if err := l.processEvent(ctx, event, msg.CorrelationID); err != nil {
		return err
	}
	return l.ack(ctx, sub, msg.ID)
}

// processEvent is the classify, enrich, self-verify, publish, persist
// core shared by the event and outcome paths. It returns an error only
// when the signal could not be published; every drop case completes the
// cycle so the input message gets acked.
func (l *Loop) processEvent(ctx context.Context, event types.TelemetryEvent, fallbackCorrelation string) error {
	detections := l.detector.Classify(event.Text, event.Metadata, l.evidence(ctx))
	if len(detections) == 0 {
		// Below-threshold classification is the one permitted no-op.
		logging.PerceptionDebug("Nothing detected in event from %q", event.Source)
		return nil
	}

	top := detections[0]
	sig := buildSignal(event, top, fallbackCorrelation)
	sig.Normalize()
	if err := sig.Validate(); err != nil {
		logging.PerceptionError("Detection produced an unpublishable signal, dropping: %v", err)
		return nil
	}
	l.attachRelated(ctx, &sig)

	msg, err := bus.NewMessage(bus.QueueSignals, bus.MsgSignal, sig.Priority, sig.CorrelationID, sig)
	if err != nil {
		logging.PerceptionError("Cannot encode signal %s/%s, dropping: %v", sig.PatternType, sig.Pattern, err)
		return nil
	}
	err = loop.Retry(ctx, "publish signal", busAttempts, func() error {
		_, pubErr := l.bus.Publish(ctx, msg)
		return pubErr
	})
	if err != nil {
		return err
	}

	for _, det := range detections {
		// The signal is already on the bus; replaying the event now would
		// duplicate it. A failed write here loses one sighting, logged.
		if _, err := l.store.StorePattern(ctx, det.PatternType, det.PatternName, event.Text, det.Confidence, event.Metadata); err != nil {
			logging.PerceptionError("Failed to persist sighting of %s/%s: %v", det.PatternType, det.PatternName, err)
		}
	}

	logging.Perception("Published %s signal %s/%s confidence=%.2f correlation=%s",
		sig.Priority, sig.PatternType, sig.Pattern, sig.Confidence, sig.CorrelationID)
	return nil
}

// evidence adapts the store's sighting counter to the detector's lookup
// shape. Lookup failures count as no history.
func (l *Loop) evidence(ctx context.Context) detect.EvidenceFunc {
	return func(patternType types.PatternType, name string) int {
		n, err := l.store.EvidenceCount(ctx, patternType, name)
		if err != nil {
			logging.PerceptionDebug("Evidence lookup failed for %s/%s: %v", patternType, name, err)
			return 0
		}
		return n
	}
}

// attachRelated annotates the signal with the names of the closest stored
// patterns so cognition sees precedent without its own lookup. Best
// effort: search failures leave the signal as it is.
func (l *Loop) attachRelated(ctx context.Context, sig *types.Signal) {
	if l.enrichTopK <= 0 {
		return
	}
	related, err := l.store.SearchPatterns(ctx, sig.Pattern+" "+sig.Summary, sig.PatternType, 0, l.enrichTopK)
	if err != nil {
		logging.PerceptionDebug("Related-pattern lookup failed for %s: %v", sig.Pattern, err)
		return
	}
	names := make([]string, 0, len(related))
	for _, p := range related {
		if p.Name == sig.Pattern {
			continue
		}
		names = append(names, p.Name)
	}
	if len(names) > 0 {
		sig.Data["related_patterns"] = strings.Join(names, ",")
	}
}

// buildSignal enriches the top detection into a signal. The event's own
// correlation id wins; the carrying message's id is the fallback, and
// Normalize generates one when both are absent.
func buildSignal(event types.TelemetryEvent, det detect.Detection, fallbackCorrelation string) types.Signal {
	data := make(map[string]string, len(event.Metadata)+2)
	for k, v := range event.Metadata {
		data[k] = v
	}
	if len(det.Matched) > 0 {
		data["matched_keywords"] = strings.Join(det.Matched, ",")
	}
	if det.Evidence > 0 {
		data["evidence_count"] = strconv.Itoa(det.Evidence)
	}

	correlation := event.CorrelationID
	if correlation == "" {
		correlation = fallbackCorrelation
	}

	return types.Signal{
		Priority:      det.Priority,
		Source:        event.Source,
		Pattern:       det.PatternName,
		PatternType:   det.PatternType,
		Confidence:    det.Confidence,
		Data:          data,
		Summary:       summarize(event.Text),
		Timestamp:     event.Timestamp,
		SourceID:      event.SourceID,
		CorrelationID: correlation,
	}
}

// summarize reduces event text to its first line, capped at
// summaryMaxLen runes.
func summarize(text string) string {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	runes := []rune(line)
	if len(runes) > summaryMaxLen {
		return string(runes[:summaryMaxLen-3]) + "..."
	}
	return line
}

// ack acknowledges with bounded retries so a flaky bus does not strand a
// processed message in flight.
func (l *Loop) ack(ctx context.Context, sub *bus.Subscription, messageID string) error {
	return loop.Retry(ctx, "ack message", busAttempts, func() error {
		return sub.Ack(ctx, messageID)
	})
}
