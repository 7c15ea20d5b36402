// Package router selects a reasoning tier for each piece of work and
// enforces the cost budget. Tier selection is a pure function of role,
// priority and complexity; the Router wraps it with the budget gate and
// the spend ledger.
package router

import "flywheel/internal/types"

// Tier is a capability class, ordered cheapest to most capable.
type Tier int

const (
	TierHighSpeed Tier = iota
	TierBalanced
	TierHighReasoning
)

// DefaultEscalation is the complexity above which HIGH priority work
// escalates to the top tier.
const DefaultEscalation = 0.7

func (t Tier) String() string {
	switch t {
	case TierHighSpeed:
		return "high_speed"
	case TierBalanced:
		return "balanced"
	case TierHighReasoning:
		return "high_reasoning"
	default:
		return "unknown"
	}
}

// ParseTier converts a tier name to its value.
func ParseTier(s string) (Tier, bool) {
	switch s {
	case "high_speed":
		return TierHighSpeed, true
	case "balanced":
		return TierBalanced, true
	case "high_reasoning":
		return TierHighReasoning, true
	}
	return 0, false
}

// roleDefaultTiers maps delegate roles to the tier they get when neither
// priority nor complexity forces an escalation. Roles absent from the map
// default to TierBalanced.
var roleDefaultTiers = map[string]Tier{
	"summarizer":   TierHighSpeed,
	"quality_gate": TierHighSpeed,
}

// RouteTier deterministically picks a tier. CRITICAL work always gets the
// top tier; HIGH priority work escalates when complexity exceeds
// DefaultEscalation; everything else uses the role default.
func RouteTier(role string, priority types.Priority, complexity float64) Tier {
	return routeTier(role, priority, complexity, DefaultEscalation)
}

func routeTier(role string, priority types.Priority, complexity float64, escalation float64) Tier {
	if priority >= types.PriorityCritical {
		return TierHighReasoning
	}
	if priority >= types.PriorityHigh && complexity > escalation {
		return TierHighReasoning
	}
	if tier, ok := roleDefaultTiers[role]; ok {
		return tier
	}
	return TierBalanced
}
