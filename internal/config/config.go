// Package config holds the flywheel configuration, loaded from
// .flywheel/config.yaml with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all flywheel configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// DataDir is the state directory; every database, artifact and log
	// lives under it. Relative paths resolve against the workspace root.
	DataDir string `yaml:"data_dir"`

	// Message bus
	Bus BusConfig `yaml:"bus"`

	// Pattern store
	Store StoreConfig `yaml:"store"`

	// Embedding engine (semantic pattern search)
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Pattern detector
	Detector DetectorConfig `yaml:"detector"`

	// Model router and budget ledger
	Router RouterConfig `yaml:"router"`

	// Inference backend (delegate text generation)
	Inference InferenceConfig `yaml:"inference"`

	// Loop tuning
	Perception PerceptionConfig `yaml:"perception"`
	Cognition  CognitionConfig  `yaml:"cognition"`
	Action     ActionConfig     `yaml:"action"`

	// Telemetry inbox bridge
	Ingest IngestConfig `yaml:"ingest"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "flywheel",
		Version: "0.1.0",
		DataDir: ".flywheel",

		Bus: BusConfig{
			DatabaseFile: "bus.db",
			PollInterval: "200ms",
			AckRetention: "72h",
		},

		Store: StoreConfig{
			DatabaseFile:       "patterns.db",
			DefaultSearchLimit: 10,
		},

		Embedding: EmbeddingConfig{
			Provider:   "none",
			OllamaHost: "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 768,
			Timeout:    "30s",
		},

		Detector: DetectorConfig{
			Threshold:           0.7,
			AdaptiveThreshold:   0.6,
			AdaptiveMinEvidence: 3,
			HighEvidenceCount:   10,
		},

		Router: RouterConfig{
			Tiers: []TierConfig{
				{Name: "high_speed", Model: "gemini-2.5-flash-lite", CostPerCall: 1},
				{Name: "balanced", Model: "gemini-2.5-flash", CostPerCall: 5},
				{Name: "high_reasoning", Model: "gemini-2.5-pro", CostPerCall: 25},
			},
			BudgetCeiling:        10000,
			ComplexityEscalation: 0.7,
		},

		Inference: InferenceConfig{
			Provider:   "static",
			OllamaHost: "http://localhost:11434",
			Model:      "qwen2.5-coder",
			Timeout:    "120s",
			MaxRetries: 3,
		},

		Perception: PerceptionConfig{
			Instances:  1,
			EnrichTopK: 3,
		},

		Cognition: CognitionConfig{
			ContextPatterns: 5,
			ReviewThreshold: 0.7,
		},

		Action: ActionConfig{
			DelegateTimeout: "5m",
			MaxParallel:     4,
			VerifyCommand:   "go test ./... -json",
			VerifyTimeout:   "10m",
			Checkpoints:     true,
		},

		Ingest: IngestConfig{
			Debounce: "500ms",
		},

		Logging: LoggingConfig{
			Level:     "info",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("FLYWHEEL_DB_DIR"); dir != "" {
		c.DataDir = dir
	}

	// One key serves both the embedding engine and the inference backend.
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.APIKey = key
		c.Inference.APIKey = key
	}

	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		c.Embedding.OllamaHost = host
		c.Inference.OllamaHost = host
	}

	if ceiling := os.Getenv("FLYWHEEL_BUDGET_CEILING"); ceiling != "" {
		if v, err := strconv.ParseFloat(ceiling, 64); err == nil && v > 0 {
			c.Router.BudgetCeiling = v
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir not configured")
	}

	if err := c.Router.Validate(); err != nil {
		return fmt.Errorf("router: %w", err)
	}
	if err := c.Detector.validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}

	if !validEmbeddingProvider(c.Embedding.Provider) {
		return fmt.Errorf("invalid embedding provider: %s (valid: %v)", c.Embedding.Provider, ValidEmbeddingProviders)
	}
	if c.Embedding.Provider == "gemini" && c.Embedding.APIKey == "" {
		return fmt.Errorf("embedding provider gemini requires an API key (set GEMINI_API_KEY)")
	}

	if !validInferenceProvider(c.Inference.Provider) {
		return fmt.Errorf("invalid inference provider: %s (valid: %v)", c.Inference.Provider, ValidInferenceProviders)
	}
	if c.Inference.Provider == "gemini" && c.Inference.APIKey == "" {
		return fmt.Errorf("inference provider gemini requires an API key (set GEMINI_API_KEY)")
	}

	if c.Action.MaxParallel < 1 {
		return fmt.Errorf("action.max_parallel must be at least 1, got %d", c.Action.MaxParallel)
	}

	return nil
}

// =============================================================================
// PATH HELPERS - everything under the state directory
// =============================================================================

// BusPath returns the path to the message bus database.
func (c *Config) BusPath() string {
	return filepath.Join(c.DataDir, c.Bus.DatabaseFile)
}

// StorePath returns the path to the pattern store database.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, c.Store.DatabaseFile)
}

// ArtifactsDir returns the directory for externalized plan artifacts.
func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}

// WorkDir returns the scratch directory for per-correlation working files.
func (c *Config) WorkDir() string {
	return filepath.Join(c.DataDir, "work")
}

// InboxDir returns the telemetry inbox directory.
func (c *Config) InboxDir() string {
	if c.Ingest.InboxDir != "" {
		return c.Ingest.InboxDir
	}
	return filepath.Join(c.DataDir, "inbox")
}

// UsagePath returns the path to the exported budget usage snapshot.
func (c *Config) UsagePath() string {
	return filepath.Join(c.DataDir, "usage.json")
}

// =============================================================================
// DURATION ACCESSORS - string durations with safe fallbacks
// =============================================================================

// GetBusPollInterval returns the bus poll interval as a duration.
func (c *Config) GetBusPollInterval() time.Duration {
	d, err := time.ParseDuration(c.Bus.PollInterval)
	if err != nil {
		return 200 * time.Millisecond
	}
	return d
}

// GetAckRetention returns how long acknowledged messages are retained.
func (c *Config) GetAckRetention() time.Duration {
	d, err := time.ParseDuration(c.Bus.AckRetention)
	if err != nil {
		return 72 * time.Hour
	}
	return d
}

// GetEmbeddingTimeout returns the embedding request timeout as a duration.
func (c *Config) GetEmbeddingTimeout() time.Duration {
	d, err := time.ParseDuration(c.Embedding.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetInferenceTimeout returns the inference request timeout as a duration.
func (c *Config) GetInferenceTimeout() time.Duration {
	d, err := time.ParseDuration(c.Inference.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetDelegateTimeout returns the per-task delegate timeout as a duration.
func (c *Config) GetDelegateTimeout() time.Duration {
	d, err := time.ParseDuration(c.Action.DelegateTimeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetVerifyTimeout returns the verification gate timeout as a duration.
func (c *Config) GetVerifyTimeout() time.Duration {
	d, err := time.ParseDuration(c.Action.VerifyTimeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetIngestDebounce returns the inbox debounce window as a duration.
func (c *Config) GetIngestDebounce() time.Duration {
	d, err := time.ParseDuration(c.Ingest.Debounce)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// =============================================================================
// WORKSPACE DISCOVERY
// =============================================================================

// DefaultConfigPath returns the config file path under a workspace root.
func DefaultConfigPath(workspace string) string {
	return filepath.Join(workspace, ".flywheel", "config.yaml")
}

// FindWorkspaceRoot walks up from the current directory looking for a
// .flywheel directory, then a go.mod. Falls back to the current directory
// so a fresh workspace can be initialized in place.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, ".flywheel")); err == nil {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return originalDir, nil
}
