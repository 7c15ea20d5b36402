package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"flywheel/internal/config"
	"flywheel/internal/embedding"
	"flywheel/internal/inference"
	"flywheel/internal/store"
)

const version = "0.1.0"

var (
	// Global flags
	verbose   bool
	workspace string
	logLevel  string

	// CLI logger. The loops log through internal/logging categories;
	// zap covers the command surface itself.
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "flywheel",
	Short: "flywheel - autonomous improvement engine",
	Long: `flywheel watches telemetry for recurring patterns and turns them into
verified code changes.

Three loops run over a durable message bus: perception classifies
telemetry into signals, cognition plans task graphs with budget-aware
model routing, and action executes the graphs behind an all-or-nothing
verification gate. Outcomes feed back into perception, so the engine
learns which patterns are worth acting on.

Start the loops with 'flywheel run'; feed it with 'flywheel inject' or
by dropping JSON files into the inbox.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the flywheel version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("flywheel %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: walk up from cwd)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(injectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(maintenanceCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadWorkspaceConfig resolves the workspace root and loads its config.
// A relative data directory resolves against the workspace root so
// commands behave the same from any subdirectory.
func loadWorkspaceConfig() (string, *config.Config, error) {
	ws := workspace
	var err error
	if ws == "" {
		ws, err = config.FindWorkspaceRoot()
	} else {
		ws, err = filepath.Abs(ws)
	}
	if err != nil {
		return "", nil, err
	}

	cfg, err := config.Load(config.DefaultConfigPath(ws))
	if err != nil {
		return "", nil, err
	}
	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(ws, cfg.DataDir)
	}
	if err := cfg.Validate(); err != nil {
		return "", nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return ws, cfg, nil
}

// embeddingConfig maps the workspace config onto the embedding engine's.
func embeddingConfig(cfg *config.Config) embedding.Config {
	ec := embedding.DefaultConfig()
	ec.Provider = cfg.Embedding.Provider
	ec.GeminiAPIKey = cfg.Embedding.APIKey
	ec.Timeout = cfg.GetEmbeddingTimeout()
	if cfg.Embedding.OllamaHost != "" {
		ec.OllamaHost = cfg.Embedding.OllamaHost
	}
	if cfg.Embedding.Dimensions > 0 {
		ec.Dimensions = cfg.Embedding.Dimensions
	}
	// One model field in the workspace config; route it to the provider
	// that will actually use it.
	switch ec.Provider {
	case "ollama":
		if cfg.Embedding.Model != "" {
			ec.OllamaModel = cfg.Embedding.Model
		}
	case "gemini":
		if cfg.Embedding.Model != "" {
			ec.GeminiModel = cfg.Embedding.Model
		}
	}
	return ec
}

// inferenceConfig maps the workspace config onto the inference backend's.
func inferenceConfig(cfg *config.Config) inference.Config {
	ic := inference.DefaultConfig()
	ic.Provider = cfg.Inference.Provider
	ic.GeminiAPIKey = cfg.Inference.APIKey
	ic.Timeout = cfg.GetInferenceTimeout()
	if cfg.Inference.OllamaHost != "" {
		ic.OllamaHost = cfg.Inference.OllamaHost
	}
	if cfg.Inference.MaxRetries > 0 {
		ic.MaxRetries = cfg.Inference.MaxRetries
	}
	switch ic.Provider {
	case "ollama":
		if cfg.Inference.Model != "" {
			ic.OllamaModel = cfg.Inference.Model
		}
	case "gemini":
		if cfg.Inference.Model != "" {
			ic.GeminiModel = cfg.Inference.Model
		}
	}
	return ic
}

// openStore opens the pattern store with whatever embedding engine the
// config allows. Engine failures degrade to keyword-only search rather
// than blocking the command.
func openStore(cfg *config.Config) (*store.Store, error) {
	engine, err := embedding.NewEngine(embeddingConfig(cfg))
	if err != nil {
		logger.Warn("Embedding engine unavailable, using keyword search", zap.Error(err))
		engine = nil
	}
	return store.NewStore(cfg.StorePath(), engine)
}
