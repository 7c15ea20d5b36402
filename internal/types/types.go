// Package types provides shared type definitions used across flywheel packages.
// This package exists to break import cycles between the loops and the
// infrastructure they share. Types in this package should be foundational
// data structures with no complex dependencies.
package types

import "strings"

// =============================================================================
// PATTERN CATEGORIES
// =============================================================================

// PatternType is the top-level classification category for a detected pattern.
type PatternType string

const (
	PatternFailure     PatternType = "failure"     // broken behavior observed in telemetry
	PatternOpportunity PatternType = "opportunity" // improvement worth doing, nothing broken
	PatternUserIntent  PatternType = "user_intent" // explicit request from a human source
)

// Valid reports whether t is one of the known pattern categories.
func (t PatternType) Valid() bool {
	switch t {
	case PatternFailure, PatternOpportunity, PatternUserIntent:
		return true
	}
	return false
}

// =============================================================================
// PRIORITIES
// =============================================================================

// Priority orders work on the bus. Higher values are delivered first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 10
	PriorityHigh     Priority = 20
	PriorityCritical Priority = 30
)

// String returns the lowercase name used in logs and CLI output.
func (p Priority) String() string {
	switch {
	case p >= PriorityCritical:
		return "critical"
	case p >= PriorityHigh:
		return "high"
	case p >= PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// Bump raises the priority by one level, capped at critical.
func (p Priority) Bump() Priority {
	switch {
	case p >= PriorityHigh:
		return PriorityCritical
	case p >= PriorityNormal:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// ParsePriority converts a priority name to its value. Unknown names map to
// PriorityNormal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// =============================================================================
// TASK TYPES AND DELEGATE ROLES
// =============================================================================

// TaskType identifies the development stage a task belongs to.
type TaskType string

const (
	TaskCodeGeneration TaskType = "code_generation"
	TaskTestGeneration TaskType = "test_generation"
	TaskToolAuthoring  TaskType = "tool_authoring"
	TaskReview         TaskType = "review"
	TaskFinalize       TaskType = "finalize" // merge/finalize join node
)

// Delegate role names. Every task references one of these and the delegate
// registry maps them to implementations.
const (
	RoleCodeAuthor        = "code_author"
	RoleTestAuthor        = "test_author"
	RoleToolAuthor        = "tool_author"
	RoleQualityGate       = "quality_gate"
	RoleReleaseIntegrator = "release_integrator"
	RoleSummarizer        = "summarizer"
)

// AllRoles lists the built-in delegate roster.
var AllRoles = []string{
	RoleCodeAuthor,
	RoleTestAuthor,
	RoleToolAuthor,
	RoleQualityGate,
	RoleReleaseIntegrator,
	RoleSummarizer,
}
