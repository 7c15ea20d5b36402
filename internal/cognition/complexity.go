package cognition

import (
	"sort"
	"strings"

	"flywheel/internal/types"
)

const (
	// architecturalFloor is the minimum complexity for signals that touch
	// structural concerns. Underestimating them is what the floor prevents.
	architecturalFloor = 0.7

	// Evidence raises complexity in small steps: a pattern that keeps
	// coming back has resisted simple fixes.
	evidenceStep     = 0.03
	maxEvidenceBoost = 0.15
)

// architecturalKeywords mark work that changes structure rather than
// behavior. Any match sets the floor.
var architecturalKeywords = []string{
	"architecture",
	"redesign",
	"migration",
	"schema change",
	"api change",
	"breaking change",
	"backward compat",
	"concurrency",
	"race condition",
	"distributed",
	"protocol",
	"cross-cutting",
}

// scopeKeywords widen the estimated blast radius without forcing the
// architectural floor.
var scopeKeywords = map[string]float64{
	"system-wide": 0.10,
	"rewrite":     0.15,
	"refactor":    0.10,
	"security":    0.10,
	"data loss":   0.15,
	"corruption":  0.15,
	"deadlock":    0.10,
	"memory leak": 0.10,
	"multiple":    0.05,
	"everywhere":  0.05,
}

// typeBaseComplexity reflects how much reasoning each category tends to
// need before any signal-specific evidence is considered.
var typeBaseComplexity = map[types.PatternType]float64{
	types.PatternFailure:     0.5,
	types.PatternOpportunity: 0.4,
	types.PatternUserIntent:  0.3,
}

// Assessment is the complexity estimate for one signal.
type Assessment struct {
	// Score in [0,1] drives tier selection and the review/specification
	// thresholds.
	Score float64

	// Architectural marks signals whose resolution changes structure; they
	// get a design-decision artifact.
	Architectural bool

	// Drivers lists the matched keywords, for the audit trail.
	Drivers []string
}

// Assess scores how much reasoning capability a signal needs. Pure: the
// same signal and evidence count always produce the same assessment.
func Assess(sig types.Signal, evidence int) Assessment {
	score := typeBaseComplexity[sig.PatternType]
	text := strings.ToLower(sig.Pattern + " " + sig.Summary)

	var drivers []string
	for kw, w := range scopeKeywords {
		if strings.Contains(text, kw) {
			score += w
			drivers = append(drivers, kw)
		}
	}

	architectural := false
	for _, kw := range architecturalKeywords {
		if strings.Contains(text, kw) {
			architectural = true
			drivers = append(drivers, kw)
		}
	}

	boost := float64(evidence) * evidenceStep
	if boost > maxEvidenceBoost {
		boost = maxEvidenceBoost
	}
	score += boost

	if architectural && score < architecturalFloor {
		score = architecturalFloor
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}

	sort.Strings(drivers)
	return Assessment{Score: score, Architectural: architectural, Drivers: drivers}
}
