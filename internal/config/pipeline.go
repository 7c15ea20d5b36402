package config

import "fmt"

// DetectorConfig configures pattern classification thresholds.
type DetectorConfig struct {
	// Minimum confidence for a detection to become a signal
	Threshold float64 `yaml:"threshold"`

	// Lowered threshold for sub-patterns with an established track record
	AdaptiveThreshold float64 `yaml:"adaptive_threshold"`

	// Evidence count at which the adaptive threshold applies
	AdaptiveMinEvidence int `yaml:"adaptive_min_evidence"`

	// Evidence count at which a signal's priority is bumped one level
	HighEvidenceCount int `yaml:"high_evidence_count"`
}

func (d *DetectorConfig) validate() error {
	if d.Threshold <= 0 || d.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0,1], got %.2f", d.Threshold)
	}
	if d.AdaptiveThreshold <= 0 || d.AdaptiveThreshold > d.Threshold {
		return fmt.Errorf("adaptive_threshold must be in (0,%.2f], got %.2f", d.Threshold, d.AdaptiveThreshold)
	}
	if d.AdaptiveMinEvidence < 1 {
		return fmt.Errorf("adaptive_min_evidence must be at least 1, got %d", d.AdaptiveMinEvidence)
	}
	return nil
}

// PerceptionConfig tunes the perception loop.
type PerceptionConfig struct {
	// Number of concurrent perception instances
	Instances int `yaml:"instances"`

	// How many related patterns to attach when enriching a signal
	EnrichTopK int `yaml:"enrich_top_k"`
}

// CognitionConfig tunes the cognition loop.
type CognitionConfig struct {
	// How many stored patterns to gather as planning context
	ContextPatterns int `yaml:"context_patterns"`

	// Complexity at or above this adds a review task to the graph
	ReviewThreshold float64 `yaml:"review_threshold"`
}

// ActionConfig tunes the action loop and verification gate.
type ActionConfig struct {
	// Per-task delegate timeout
	DelegateTimeout string `yaml:"delegate_timeout"`

	// Upper bound on concurrently running delegates within a group
	MaxParallel int `yaml:"max_parallel"`

	// Command run by the verification gate
	VerifyCommand string `yaml:"verify_command"`

	// Verification gate timeout
	VerifyTimeout string `yaml:"verify_timeout"`

	// Create checkpoints before execution so failures can roll back
	Checkpoints bool `yaml:"checkpoints"`

	// External worker commands keyed by delegate role. Roles without an
	// entry run through the inference backend.
	Workers map[string]string `yaml:"workers,omitempty"`
}

// IngestConfig configures the telemetry inbox bridge.
type IngestConfig struct {
	// Inbox directory; empty means <data_dir>/inbox
	InboxDir string `yaml:"inbox_dir"`

	// Settle window after a file write before the file is ingested
	Debounce string `yaml:"debounce"`
}
