package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flywheel/internal/action"
	"flywheel/internal/artifact"
	"flywheel/internal/bus"
	"flywheel/internal/cognition"
	"flywheel/internal/delegate"
	"flywheel/internal/detect"
	"flywheel/internal/embedding"
	"flywheel/internal/inference"
	"flywheel/internal/ingest"
	"flywheel/internal/logging"
	"flywheel/internal/perception"
	"flywheel/internal/router"
	"flywheel/internal/store"
	"flywheel/internal/verify"
)

// runCmd starts the three loops and the inbox watcher
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the perception, cognition and action loops",
	Long: `Starts the full pipeline against the workspace's message bus and keeps
it running until interrupted.

Telemetry enters through 'flywheel inject' or JSON files dropped into
the inbox directory. Signals, task graphs and outcome reports flow
between the loops on durable queues, so work in flight survives a
restart.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	ws, cfg, err := loadWorkspaceConfig()
	if err != nil {
		return err
	}
	if err := logging.Initialize(ws); err != nil {
		logger.Warn("File logging unavailable", zap.Error(err))
	}
	if logLevel != "" {
		logging.SetLevel(logLevel)
	}

	// Optional semantic index. A missing embedding service is a warning,
	// not a boot failure; the store degrades to keyword search.
	engine, err := embedding.NewEngine(embeddingConfig(cfg))
	if err != nil {
		logger.Warn("Embedding engine unavailable, semantic search disabled", zap.Error(err))
		engine = nil
	}
	if hc, ok := engine.(embedding.HealthChecker); ok {
		probeCtx, probeCancel := context.WithTimeout(ctx, cfg.GetEmbeddingTimeout())
		if err := hc.HealthCheck(probeCtx); err != nil {
			logger.Warn("Embedding service unreachable, semantic search disabled", zap.Error(err))
			engine = nil
		}
		probeCancel()
	}

	b, err := bus.Open(cfg.BusPath(), cfg.GetBusPollInterval())
	if err != nil {
		return fmt.Errorf("open message bus: %w", err)
	}
	defer b.Close()

	st, err := store.NewStore(cfg.StorePath(), engine)
	if err != nil {
		return fmt.Errorf("open pattern store: %w", err)
	}
	defer st.Close()

	ledger, err := router.NewLedger(cfg.UsagePath(), cfg.Router.BudgetCeiling)
	if err != nil {
		return fmt.Errorf("open budget ledger: %w", err)
	}
	defer func() { _ = ledger.SaveSnapshot() }()

	rt, err := router.New(cfg.Router, ledger)
	if err != nil {
		return fmt.Errorf("configure model router: %w", err)
	}

	backend, err := inference.NewBackend(inferenceConfig(cfg))
	if err != nil {
		return fmt.Errorf("configure inference backend: %w", err)
	}

	arts := artifact.NewFileStore(cfg.ArtifactsDir(), cfg.WorkDir())
	registry := delegate.NewDefaultRegistry(backend, rt, cfg.Action.Workers, cfg.WorkDir())
	gate := verify.NewGate(ws, cfg.Action.VerifyCommand, cfg.GetVerifyTimeout())

	var checkpoint action.Checkpointer
	if cfg.Action.Checkpoints {
		checkpoint = verify.NewCheckpointer(ws)
	}

	perceptionLoop := perception.New(b, st, detect.New(cfg.Detector), cfg.Perception)
	cognitionLoop := cognition.New(cognition.Deps{
		Bus:       b,
		Store:     st,
		Artifacts: arts,
		Router:    rt,
		Backend:   backend,
		Resolve:   registry.Has,
	}, cfg.Cognition, cfg.GetInferenceTimeout())
	actionLoop := action.New(action.Deps{
		Bus:        b,
		Artifacts:  arts,
		Delegates:  registry,
		Gate:       gate,
		Checkpoint: checkpoint,
	}, cfg.Action, cfg.GetDelegateTimeout())

	inbox, err := ingest.New(b, cfg.InboxDir(), cfg.GetIngestDebounce())
	if err != nil {
		return fmt.Errorf("create inbox watcher: %w", err)
	}
	if err := inbox.Start(ctx); err != nil {
		return fmt.Errorf("start inbox watcher: %w", err)
	}
	defer inbox.Stop()

	logging.Boot("flywheel %s starting in %s", version, ws)
	logger.Info("Flywheel running",
		zap.String("workspace", ws),
		zap.String("bus", cfg.BusPath()),
		zap.String("inference", backend.Name()),
		zap.Bool("semantic_search", engine != nil),
		zap.Bool("checkpoints", checkpoint != nil),
		zap.Strings("roles", registry.Roles()),
		zap.Float64("budget_ceiling", ledger.Ceiling()),
	)
	fmt.Printf("flywheel %s running in %s\n", version, ws)
	fmt.Printf("Inbox: %s\n", cfg.InboxDir())
	fmt.Println("Press Ctrl+C to stop")

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return perceptionLoop.Run(runCtx) })
	g.Go(func() error { return cognitionLoop.Run(runCtx) })
	g.Go(func() error { return actionLoop.Run(runCtx) })

	err = g.Wait()
	logger.Info("Flywheel stopped")
	return err
}
