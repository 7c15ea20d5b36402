// Package detect classifies raw event text into named behavioral
// patterns. Classification is a pure function over fixed keyword tables:
// no state is read or written beyond the injected evidence lookup, so a
// single Detector is safe for concurrent use by every perception
// instance.
package detect

import (
	"sort"
	"strings"

	"flywheel/internal/config"
	"flywheel/internal/logging"
	"flywheel/internal/types"
)

// EvidenceFunc reports how many times a pattern has been seen before.
// Detectors use it for the adaptive threshold and the priority override.
// A nil EvidenceFunc means no history is available.
type EvidenceFunc func(patternType types.PatternType, patternName string) int

// Detection is one classified pattern occurrence.
type Detection struct {
	PatternType types.PatternType `json:"pattern_type"`
	PatternName string            `json:"pattern_name"`
	Confidence  float64           `json:"confidence"`
	Priority    types.Priority    `json:"priority"`
	Matched     []string          `json:"matched"`
	Evidence    int               `json:"evidence"`
}

// Detector applies the keyword tables with configured thresholds.
type Detector struct {
	threshold           float64
	adaptiveThreshold   float64
	adaptiveMinEvidence int
	highEvidenceCount   int
}

// New builds a detector from configuration.
func New(cfg config.DetectorConfig) *Detector {
	return &Detector{
		threshold:           cfg.Threshold,
		adaptiveThreshold:   cfg.AdaptiveThreshold,
		adaptiveMinEvidence: cfg.AdaptiveMinEvidence,
		highEvidenceCount:   cfg.HighEvidenceCount,
	}
}

// Classify scans eventText against every sub-pattern table and returns
// all detections at or above their effective threshold, highest
// confidence first. A sub-pattern is considered only when at least one of
// its keywords matches; confidence is base + matched weights + metadata
// boost, clamped to 1.0.
//
// Recurring failures react faster: a failure sub-pattern with evidence of
// at least adaptiveMinEvidence prior sightings uses the lower adaptive
// threshold. Patterns with very high evidence get a one-level priority
// bump.
func (d *Detector) Classify(eventText string, metadata map[string]string, evidence EvidenceFunc) []Detection {
	if strings.TrimSpace(eventText) == "" {
		return nil
	}
	lower := strings.ToLower(eventText)

	var detections []Detection
	for _, cat := range categoryTables {
		boost := metadataBoost(cat.patternType, metadata)
		for _, sp := range cat.patterns {
			matched, weight := matchKeywords(lower, sp.keywords)
			if len(matched) == 0 {
				continue
			}
			confidence := cat.base + weight + boost
			if confidence > 1.0 {
				confidence = 1.0
			}

			ev := 0
			if evidence != nil {
				ev = evidence(cat.patternType, sp.name)
			}
			if confidence < d.effectiveThreshold(cat.patternType, ev) {
				logging.DetectDebug("Discarding %s/%s at %.2f, below threshold", cat.patternType, sp.name, confidence)
				continue
			}

			detections = append(detections, Detection{
				PatternType: cat.patternType,
				PatternName: sp.name,
				Confidence:  confidence,
				Priority:    d.priorityFor(cat.patternType, ev),
				Matched:     matched,
				Evidence:    ev,
			})
		}
	}

	sort.SliceStable(detections, func(i, j int) bool {
		if detections[i].Confidence != detections[j].Confidence {
			return detections[i].Confidence > detections[j].Confidence
		}
		if detections[i].Priority != detections[j].Priority {
			return detections[i].Priority > detections[j].Priority
		}
		return detections[i].PatternName < detections[j].PatternName
	})

	if len(detections) > 0 {
		logging.Detect("Classified %d pattern(s), top %s/%s at %.2f",
			len(detections), detections[0].PatternType, detections[0].PatternName, detections[0].Confidence)
	}
	return detections
}

// effectiveThreshold lowers the bar for failure sub-patterns that keep
// recurring. Other categories always use the default threshold.
func (d *Detector) effectiveThreshold(patternType types.PatternType, evidence int) float64 {
	if patternType == types.PatternFailure && evidence >= d.adaptiveMinEvidence {
		return d.adaptiveThreshold
	}
	return d.threshold
}

// priorityFor maps a category to its bus priority, bumping one level when
// the evidence count is very high.
func (d *Detector) priorityFor(patternType types.PatternType, evidence int) types.Priority {
	var p types.Priority
	switch patternType {
	case types.PatternFailure:
		p = types.PriorityCritical
	case types.PatternOpportunity:
		p = types.PriorityHigh
	default:
		p = types.PriorityNormal
	}
	if d.highEvidenceCount > 0 && evidence >= d.highEvidenceCount {
		p = p.Bump()
	}
	return p
}

// matchKeywords returns the keywords present in the lowercased text and
// the sum of their weights. Matched keywords come back sorted so output
// is deterministic.
func matchKeywords(lower string, keywords map[string]float64) ([]string, float64) {
	var matched []string
	total := 0.0
	for kw, w := range keywords {
		if strings.Contains(lower, kw) {
			matched = append(matched, kw)
			total += w
		}
	}
	sort.Strings(matched)
	return matched, total
}
