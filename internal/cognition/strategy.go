package cognition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"flywheel/internal/artifact"
	"flywheel/internal/inference"
	"flywheel/internal/logging"
	"flywheel/internal/router"
	"flywheel/internal/store"
	"flywheel/internal/types"
)

const (
	// agentName is the ledger agent for planning-time inference.
	agentName = "cognition"

	strategyMaxTokens = 1024

	// decisionContextN bounds how many prior design decisions feed a plan.
	decisionContextN = 3
)

const strategySystemPrompt = "You plan engineering work for an autonomous improvement pipeline. " +
	"Given a detected pattern and its history, produce a short, concrete strategy: " +
	"objective, approach, and the risks to guard against. Plain prose, no preamble."

// strategy is the formulated plan text plus its provenance.
type strategy struct {
	Text   string
	Source string // "inference" or "template"
	Tier   router.Tier
	Model  string
}

// planContext is the historical context gathered for one signal.
type planContext struct {
	precedents []store.Pattern
	decisions  []artifact.Artifact
}

// gatherContext pulls stored precedent and recent design decisions. Both
// lookups are best effort; planning proceeds with whatever came back.
func (l *Loop) gatherContext(ctx context.Context, sig types.Signal) planContext {
	var pc planContext

	precedents, err := l.store.SearchPatterns(ctx, sig.Pattern+" "+sig.Summary, "", 0, l.contextPatterns)
	if err != nil {
		logging.CognitionDebug("Precedent search failed for %s: %v", sig.Pattern, err)
	} else {
		pc.precedents = precedents
	}

	decisions, err := l.artifacts.Recent(artifact.KindDecision, decisionContextN)
	if err != nil {
		logging.CognitionDebug("Decision lookup failed: %v", err)
	} else {
		pc.decisions = decisions
	}
	return pc
}

// formulateStrategy produces the strategy text. The router picks the tier
// (critical work always gets the top tier); the inference backend writes
// the text and the call is billed to the ledger. Any routing or
// generation failure degrades to the deterministic template.
func (l *Loop) formulateStrategy(ctx context.Context, sig types.Signal, a Assessment, pc planContext) strategy {
	tier, err := l.router.SelectTier(agentName, sig.Priority, a.Score)
	if err != nil {
		if errors.Is(err, router.ErrBudgetExhausted) {
			logging.CognitionError("Budget exhausted, planning %s/%s from the template: %v", sig.PatternType, sig.Pattern, err)
		} else {
			logging.CognitionWarn("Tier selection failed, planning from the template: %v", err)
		}
		return templateStrategy(sig, a, pc)
	}

	model := l.router.ModelFor(tier)
	tctx, cancel := context.WithTimeout(ctx, l.inferenceTimeout)
	defer cancel()
	resp, err := l.backend.Generate(tctx, inference.Request{
		Model:     model,
		System:    strategySystemPrompt,
		Prompt:    strategyPrompt(sig, a, pc),
		MaxTokens: strategyMaxTokens,
	})
	if err != nil {
		logging.CognitionWarn("Strategy inference failed on %s, falling back to template: %v", model, err)
		return templateStrategy(sig, a, pc)
	}

	l.router.Ledger().Record(router.CostRecord{
		Timestamp:     time.Now(),
		Agent:         agentName,
		Tier:          tier.String(),
		Model:         model,
		Cost:          l.router.CostFor(tier),
		InputUnits:    resp.InputUnits,
		OutputUnits:   resp.OutputUnits,
		CorrelationID: sig.CorrelationID,
	})
	return strategy{Text: strings.TrimSpace(resp.Text), Source: "inference", Tier: tier, Model: model}
}

// strategyPrompt assembles the planning prompt from the signal and its
// gathered context.
func strategyPrompt(sig types.Signal, a Assessment, pc planContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pattern %s/%s (priority %s, confidence %.2f, complexity %.2f): %s\n",
		sig.PatternType, sig.Pattern, sig.Priority, sig.Confidence, a.Score, sig.Summary)
	if len(a.Drivers) > 0 {
		fmt.Fprintf(&b, "Complexity drivers: %s\n", strings.Join(a.Drivers, ", "))
	}
	for _, p := range pc.precedents {
		fmt.Fprintf(&b, "Precedent %s/%s: seen %d times, success rate %.2f\n",
			p.Type, p.Name, p.EvidenceCount, p.SuccessRate())
	}
	for _, d := range pc.decisions {
		fmt.Fprintf(&b, "Prior decision %s\n", d.Name)
	}
	return b.String()
}

// templateStrategy is the deterministic fallback used when no backend is
// reachable or the budget gate refuses paid work.
func templateStrategy(sig types.Signal, a Assessment, pc planContext) strategy {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: resolve %s pattern %q. %s\n", sig.PatternType, sig.Pattern, sig.Summary)

	switch sig.PatternType {
	case types.PatternFailure:
		b.WriteString("Approach: reproduce the failure, isolate the cause, apply the smallest fix, and guard it with a regression test.\n")
	case types.PatternOpportunity:
		b.WriteString("Approach: apply the improvement behind the existing test suite, keeping behavior identical.\n")
	default:
		b.WriteString("Approach: implement the request and document the new behavior in tests.\n")
	}

	if a.Architectural {
		b.WriteString("Risk: structural change; record the decision and keep the change reversible.\n")
	}
	for _, p := range pc.precedents {
		if p.TimesSeen > 0 && p.Name != sig.Pattern {
			fmt.Fprintf(&b, "Precedent: %s resolved successfully %.0f%% of the time.\n", p.Name, p.SuccessRate()*100)
		}
	}
	return strategy{Text: strings.TrimSpace(b.String()), Source: "template"}
}

// =============================================================================
// AUDIT ARTIFACTS
// =============================================================================

func strategyArtifact(sig types.Signal, a Assessment, st strategy, pc planContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Strategy: %s\n\n", sig.Pattern)
	fmt.Fprintf(&b, "- Correlation: %s\n", sig.CorrelationID)
	fmt.Fprintf(&b, "- Pattern: %s/%s (confidence %.2f)\n", sig.PatternType, sig.Pattern, sig.Confidence)
	fmt.Fprintf(&b, "- Priority: %s\n", sig.Priority)
	fmt.Fprintf(&b, "- Complexity: %.2f\n", a.Score)
	fmt.Fprintf(&b, "- Source: %s", st.Source)
	if st.Model != "" {
		fmt.Fprintf(&b, " (%s, tier %s)", st.Model, st.Tier)
	}
	b.WriteString("\n\n## Signal\n\n")
	fmt.Fprintf(&b, "%s\n\n", sig.Summary)
	b.WriteString("## Strategy\n\n")
	fmt.Fprintf(&b, "%s\n", st.Text)
	if len(pc.precedents) > 0 {
		b.WriteString("\n## Precedent\n\n")
		for _, p := range pc.precedents {
			fmt.Fprintf(&b, "- %s/%s: seen %d, success rate %.2f\n", p.Type, p.Name, p.EvidenceCount, p.SuccessRate())
		}
	}
	return b.String()
}

func specificationArtifact(sig types.Signal, a Assessment, pc planContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Specification: %s\n\n", sig.Pattern)
	fmt.Fprintf(&b, "High-complexity work (%.2f) planned from correlation %s.\n\n", a.Score, sig.CorrelationID)
	b.WriteString("## Problem\n\n")
	fmt.Fprintf(&b, "%s/%s: %s\n\n", sig.PatternType, sig.Pattern, sig.Summary)
	b.WriteString("## Requirements\n\n")
	b.WriteString("- The change resolves the detected pattern without regressing the existing suite.\n")
	b.WriteString("- Every code change ships with tests pinning the new behavior.\n")
	b.WriteString("- Verification must pass with zero failures before the merge is kept.\n")
	if len(a.Drivers) > 0 {
		fmt.Fprintf(&b, "\n## Complexity drivers\n\n%s\n", strings.Join(a.Drivers, ", "))
	}
	if len(pc.decisions) > 0 {
		b.WriteString("\n## Prior decisions considered\n\n")
		for _, d := range pc.decisions {
			fmt.Fprintf(&b, "- %s\n", d.Name)
		}
	}
	return b.String()
}

func decisionArtifact(sig types.Signal, a Assessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Design decision: %s\n\n", sig.Pattern)
	fmt.Fprintf(&b, "Architectural signal from correlation %s (complexity %.2f).\n\n", sig.CorrelationID, a.Score)
	b.WriteString("## Context\n\n")
	fmt.Fprintf(&b, "%s\n\n", sig.Summary)
	b.WriteString("## Decision\n\n")
	b.WriteString("Proceed with the planned change; keep it reversible by checkpointing before the merge and rolling back on verification failure.\n")
	if len(a.Drivers) > 0 {
		fmt.Fprintf(&b, "\n## Triggers\n\n%s\n", strings.Join(a.Drivers, ", "))
	}
	return b.String()
}

// workingNotes is the scratch trail written while a plan is in flight and
// removed once the plan is on the queue.
func workingNotes(sig types.Signal, a Assessment, pc planContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Working notes: %s\n\n", sig.CorrelationID)
	fmt.Fprintf(&b, "Signal %s/%s at priority %s, confidence %.2f.\n", sig.PatternType, sig.Pattern, sig.Priority, sig.Confidence)
	fmt.Fprintf(&b, "Complexity %.2f, architectural=%t.\n", a.Score, a.Architectural)
	if len(a.Drivers) > 0 {
		fmt.Fprintf(&b, "Drivers: %s\n", strings.Join(a.Drivers, ", "))
	}
	fmt.Fprintf(&b, "Precedents gathered: %d. Decisions consulted: %d.\n", len(pc.precedents), len(pc.decisions))
	return b.String()
}
