package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flywheel/internal/bus"
	"flywheel/internal/types"
)

var (
	injectSource string
	injectMeta   []string
)

// injectCmd publishes a synthetic telemetry event
var injectCmd = &cobra.Command{
	Use:   "inject [text]",
	Short: "Publish a synthetic telemetry event",
	Long: `Feeds one telemetry event straight onto the bus, as if a producer had
dropped it into the inbox. Useful for smoke-testing the pipeline:

  flywheel inject "Fatal error: connection pool exhausted" --source ci
  flywheel inject "please refactor the retry logic" --meta source=user`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInject,
}

func init() {
	injectCmd.Flags().StringVar(&injectSource, "source", "cli", "Event source label")
	injectCmd.Flags().StringSliceVar(&injectMeta, "meta", nil, "Metadata key=value pairs (repeatable)")
}

func runInject(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, cfg, err := loadWorkspaceConfig()
	if err != nil {
		return err
	}

	meta := make(map[string]string, len(injectMeta))
	for _, pair := range injectMeta {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return fmt.Errorf("metadata must be key=value, got %q", pair)
		}
		meta[k] = v
	}

	b, err := bus.Open(cfg.BusPath(), cfg.GetBusPollInterval())
	if err != nil {
		return fmt.Errorf("open message bus: %w", err)
	}
	defer b.Close()

	ev := types.TelemetryEvent{
		Source:    injectSource,
		Text:      strings.Join(args, " "),
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
		SourceID:  "inject",
	}
	msg, err := bus.NewMessage(bus.QueueTelemetry, bus.MsgTelemetry, types.PriorityNormal, "", ev)
	if err != nil {
		return err
	}
	published, err := b.Publish(ctx, msg)
	if err != nil {
		return fmt.Errorf("publish telemetry: %w", err)
	}

	logger.Info("Telemetry injected",
		zap.String("id", published.ID),
		zap.String("source", ev.Source))
	fmt.Printf("Injected telemetry %s (source %s)\n", published.ID, ev.Source)
	return nil
}
