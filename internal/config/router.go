package config

import "fmt"

// TierConfig describes one capability tier the router can select.
// Tiers are ordered lowest to highest capability; cost must rise with
// capability so the ledger can meter spend.
type TierConfig struct {
	Name        string  `yaml:"name"`
	Model       string  `yaml:"model"`
	CostPerCall float64 `yaml:"cost_per_call"`
}

// RouterConfig configures tier selection and the budget ledger.
type RouterConfig struct {
	// Ordered capability tiers, cheapest first
	Tiers []TierConfig `yaml:"tiers"`

	// Total spend allowed per ledger period, in cost units
	BudgetCeiling float64 `yaml:"budget_ceiling"`

	// Complexity at or above this escalates HIGH work to the top tier
	ComplexityEscalation float64 `yaml:"complexity_escalation"`
}

// Validate checks tier ordering and budget settings. The cheapest tier
// may cost zero (a free local model); above it cost must strictly rise
// with capability.
func (r *RouterConfig) Validate() error {
	if len(r.Tiers) == 0 {
		return fmt.Errorf("at least one tier required")
	}
	seen := make(map[string]bool, len(r.Tiers))
	prev := -1.0
	for i, t := range r.Tiers {
		if t.Name == "" {
			return fmt.Errorf("tier %d has no name", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate tier name: %s", t.Name)
		}
		seen[t.Name] = true
		if t.CostPerCall < 0 {
			return fmt.Errorf("tier %s has negative cost %.2f", t.Name, t.CostPerCall)
		}
		if i > 0 && t.CostPerCall <= prev {
			return fmt.Errorf("tier %s cost %.2f must exceed the previous tier's cost %.2f", t.Name, t.CostPerCall, prev)
		}
		prev = t.CostPerCall
	}
	if r.BudgetCeiling <= 0 {
		return fmt.Errorf("budget_ceiling must be positive, got %.2f", r.BudgetCeiling)
	}
	if r.ComplexityEscalation <= 0 || r.ComplexityEscalation > 1 {
		return fmt.Errorf("complexity_escalation must be in (0,1], got %.2f", r.ComplexityEscalation)
	}
	return nil
}

// HighestTier returns the most capable configured tier.
func (r *RouterConfig) HighestTier() TierConfig {
	return r.Tiers[len(r.Tiers)-1]
}

// LowestTier returns the cheapest configured tier.
func (r *RouterConfig) LowestTier() TierConfig {
	return r.Tiers[0]
}

// TierByName looks up a tier by name.
func (r *RouterConfig) TierByName(name string) (TierConfig, bool) {
	for _, t := range r.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return TierConfig{}, false
}
