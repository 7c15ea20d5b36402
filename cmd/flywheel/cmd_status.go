package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"flywheel/internal/bus"
	"flywheel/internal/router"
)

// statusCmd shows queue depths, store counts and budget state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depths, pattern counts and budget state",
	RunE:  showStatus,
}

func showStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ws, cfg, err := loadWorkspaceConfig()
	if err != nil {
		return err
	}

	fmt.Println("flywheel status")
	fmt.Println("===============")
	fmt.Printf("Version:   %s\n", version)
	fmt.Printf("Workspace: %s\n", ws)
	fmt.Printf("Data dir:  %s\n", cfg.DataDir)
	fmt.Println()

	b, err := bus.Open(cfg.BusPath(), cfg.GetBusPollInterval())
	if err != nil {
		return fmt.Errorf("open message bus: %w", err)
	}
	defer b.Close()

	stats, err := b.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Queues:")
	if len(stats) == 0 {
		fmt.Println("  (empty)")
	}
	for _, qs := range stats {
		fmt.Printf("  %-18s %5d messages, %d fully acked\n", qs.Queue, qs.Messages, qs.Acked)
	}

	// Queue/consumer pairs as the loops subscribe to them.
	consumers := []struct{ queue, subscriber string }{
		{bus.QueueTelemetry, "perception"},
		{bus.QueueContext, "perception"},
		{bus.QueueOutcomes, "perception"},
		{bus.QueueSignals, "cognition"},
		{bus.QueueExecution, "action"},
	}
	fmt.Println()
	fmt.Println("Pending per consumer:")
	for _, c := range consumers {
		pending, err := b.PendingCount(ctx, c.queue, c.subscriber)
		if err != nil {
			return err
		}
		fmt.Printf("  %-18s %-12s %d\n", c.queue, c.subscriber, pending)
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open pattern store: %w", err)
	}
	defer st.Close()

	storeStats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Printf("Patterns: %d total, %d embedded, avg confidence %.2f\n",
		storeStats.Total, storeStats.WithEmbedding, storeStats.AvgConfidence)
	typeNames := make([]string, 0, len(storeStats.ByType))
	for name := range storeStats.ByType {
		typeNames = append(typeNames, name)
	}
	sort.Strings(typeNames)
	for _, name := range typeNames {
		fmt.Printf("  %-12s %d\n", name, storeStats.ByType[name])
	}
	if st.Engine() != nil {
		fmt.Printf("✓ Semantic search: %s\n", st.Engine().Name())
	} else {
		fmt.Println("✗ Semantic search disabled (keyword matching only)")
	}

	ledger, err := router.NewLedger(cfg.UsagePath(), cfg.Router.BudgetCeiling)
	if err != nil {
		return fmt.Errorf("open budget ledger: %w", err)
	}
	fmt.Println()
	if ledger.Exhausted() {
		fmt.Printf("✗ Budget exhausted: %.0f of %.0f units spent\n", ledger.TotalSpent(), ledger.Ceiling())
	} else {
		fmt.Printf("✓ Budget: %.0f of %.0f units spent, %.0f remaining\n",
			ledger.TotalSpent(), ledger.Ceiling(), ledger.Remaining())
	}

	return nil
}
