package router

import (
	"fmt"

	"flywheel/internal/config"
	"flywheel/internal/logging"
	"flywheel/internal/types"
)

// Router wraps the pure tier choice with model lookup and the budget
// gate.
type Router struct {
	cfg    config.RouterConfig
	ledger *Ledger
}

// New builds a router. The config must define all three canonical tiers.
func New(cfg config.RouterConfig, ledger *Ledger) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid router config: %w", err)
	}
	for _, t := range []Tier{TierHighSpeed, TierBalanced, TierHighReasoning} {
		if _, ok := cfg.TierByName(t.String()); !ok {
			return nil, fmt.Errorf("router config missing tier %q", t)
		}
	}
	return &Router{cfg: cfg, ledger: ledger}, nil
}

// SelectTier picks the tier for a piece of work and enforces the budget:
// once the ledger is exhausted every paid tier fails closed with
// ErrBudgetExhausted. Tiers with zero cost per call stay available.
func (r *Router) SelectTier(role string, priority types.Priority, complexity float64) (Tier, error) {
	tier := routeTier(role, priority, complexity, r.cfg.ComplexityEscalation)
	if r.CostFor(tier) > 0 && r.ledger.Exhausted() {
		logging.RouterError("Refusing %s work for %s: %v (spent %.2f of %.2f)",
			tier, role, ErrBudgetExhausted, r.ledger.TotalSpent(), r.ledger.Ceiling())
		return 0, fmt.Errorf("%w: spent %.2f of ceiling %.2f",
			ErrBudgetExhausted, r.ledger.TotalSpent(), r.ledger.Ceiling())
	}
	logging.RouterDebug("Routed role=%s priority=%s complexity=%.2f to tier %s", role, priority, complexity, tier)
	return tier, nil
}

// ModelFor returns the model name configured for a tier.
func (r *Router) ModelFor(tier Tier) string {
	if tc, ok := r.cfg.TierByName(tier.String()); ok {
		return tc.Model
	}
	return ""
}

// CostFor returns the configured cost per call for a tier.
func (r *Router) CostFor(tier Tier) float64 {
	if tc, ok := r.cfg.TierByName(tier.String()); ok {
		return tc.CostPerCall
	}
	return 0
}

// Ledger exposes the underlying spend ledger.
func (r *Router) Ledger() *Ledger {
	return r.ledger
}
