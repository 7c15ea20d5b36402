package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"flywheel/internal/router"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show spend against the budget ceiling",
	RunE:  showBudget,
}

func showBudget(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadWorkspaceConfig()
	if err != nil {
		return err
	}

	ledger, err := router.NewLedger(cfg.UsagePath(), cfg.Router.BudgetCeiling)
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}
	snap := ledger.Stats()

	fmt.Println("Budget")
	fmt.Println("======")
	fmt.Printf("Ceiling:   %.0f units\n", snap.Ceiling)
	fmt.Printf("Spent:     %.2f units (%d calls)\n", snap.TotalSpent, snap.Calls)
	fmt.Printf("Remaining: %.2f units\n", snap.Ceiling-snap.TotalSpent)
	if !snap.UpdatedAt.IsZero() {
		fmt.Printf("Updated:   %s\n", snap.UpdatedAt.Format(time.RFC3339))
	}

	printSpendMap("By tier", snap.ByTier)
	printSpendMap("By agent", snap.ByAgent)
	printSpendMap("By model", snap.ByModel)
	return nil
}

func printSpendMap(title string, m map[string]float64) {
	if len(m) == 0 {
		return
	}
	fmt.Printf("\n%s:\n", title)
	for _, k := range sortedKeys(m) {
		fmt.Printf("  %-24s %.2f\n", k, m[k])
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
