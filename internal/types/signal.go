package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TelemetryEvent is the raw input consumed by the perception loop. Producers
// (log shippers, the inbox watcher, the CLI inject command, the outcome
// feedback path) publish it onto the telemetry or context streams.
type TelemetryEvent struct {
	Source        string            `json:"source"`
	Text          string            `json:"text"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp,omitempty"`
	SourceID      string            `json:"source_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// Signal is the enriched, schema-validated output of classification,
// published on the signal queue for the cognition loop. It exists only as a
// bus payload; the underlying Pattern is what persists.
type Signal struct {
	Priority      Priority          `json:"priority"`
	Source        string            `json:"source"`
	Pattern       string            `json:"pattern"`
	PatternType   PatternType       `json:"pattern_type"`
	Confidence    float64           `json:"confidence"`
	Data          map[string]string `json:"data,omitempty"`
	Summary       string            `json:"summary"`
	Timestamp     time.Time         `json:"timestamp"`
	SourceID      string            `json:"source_id"`
	CorrelationID string            `json:"correlation_id"`
}

// Validate checks the signal against its schema. A signal that fails
// validation must never be published.
func (s *Signal) Validate() error {
	if s.Pattern == "" {
		return fmt.Errorf("signal missing pattern name")
	}
	if !s.PatternType.Valid() {
		return fmt.Errorf("signal has unknown pattern type %q", s.PatternType)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal confidence %.3f outside [0,1]", s.Confidence)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("signal missing timestamp")
	}
	if s.CorrelationID == "" {
		return fmt.Errorf("signal missing correlation id")
	}
	if s.Source == "" {
		return fmt.Errorf("signal missing source")
	}
	return nil
}

// Normalize fills the defaults that Validate would reject but that are safe
// to repair: zero timestamp, missing correlation id, missing source, and
// confidence outside [0,1]. Structural problems (no pattern name, unknown
// pattern type) are not repairable.
func (s *Signal) Normalize() {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	if s.CorrelationID == "" {
		s.CorrelationID = uuid.NewString()
	}
	if s.Source == "" {
		s.Source = "unknown"
	}
	if s.Confidence < 0 {
		s.Confidence = 0
	}
	if s.Confidence > 1 {
		s.Confidence = 1
	}
}
