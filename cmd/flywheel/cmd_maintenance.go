package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"flywheel/internal/bus"
)

var (
	purgeOlderThan time.Duration

	pruneMaxConf   float64
	pruneOlderThan time.Duration
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Housekeeping for the bus and pattern store",
}

var maintenancePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete acknowledged messages past the retention window",
	RunE:  runPurge,
}

var maintenancePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete stale low-confidence patterns",
	RunE:  runPrune,
}

var maintenanceReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Backfill embeddings for patterns that lack them",
	Long: `Re-embeds stored patterns that have no vector, typically after enabling
an embedding provider on a store that was populated in keyword-only mode.`,
	RunE: runReindex,
}

func init() {
	maintenancePurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "Retention window (default: bus ack_retention from config)")
	maintenancePruneCmd.Flags().Float64Var(&pruneMaxConf, "max-confidence", 0.3, "Prune patterns at or below this confidence")
	maintenancePruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Prune patterns not seen for this long")

	maintenanceCmd.AddCommand(maintenancePurgeCmd)
	maintenanceCmd.AddCommand(maintenancePruneCmd)
	maintenanceCmd.AddCommand(maintenanceReindexCmd)
}

func runPurge(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	_, cfg, err := loadWorkspaceConfig()
	if err != nil {
		return err
	}

	retention := purgeOlderThan
	if retention <= 0 {
		retention = cfg.GetAckRetention()
	}

	b, err := bus.Open(cfg.BusPath(), cfg.GetBusPollInterval())
	if err != nil {
		return fmt.Errorf("open message bus: %w", err)
	}
	defer b.Close()

	n, err := b.Purge(ctx, retention)
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d acknowledged messages older than %s\n", n, retention)
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	_, cfg, err := loadWorkspaceConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open pattern store: %w", err)
	}
	defer st.Close()

	n, err := st.Prune(ctx, pruneMaxConf, pruneOlderThan)
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d patterns (confidence <= %.2f, unseen for %s)\n", n, pruneMaxConf, pruneOlderThan)
	return nil
}

func runReindex(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	_, cfg, err := loadWorkspaceConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open pattern store: %w", err)
	}
	defer st.Close()

	if st.Engine() == nil {
		return fmt.Errorf("no embedding engine configured; set embedding.provider in config.yaml")
	}

	n, err := st.ReindexEmbeddings(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Re-embedded %d patterns\n", n)
	return nil
}
