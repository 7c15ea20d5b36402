package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "flywheel" {
		t.Errorf("expected Name=flywheel, got %s", cfg.Name)
	}
	if cfg.DataDir != ".flywheel" {
		t.Errorf("expected DataDir=.flywheel, got %s", cfg.DataDir)
	}
	if len(cfg.Router.Tiers) != 3 {
		t.Errorf("expected 3 tiers, got %d", len(cfg.Router.Tiers))
	}
	if cfg.Detector.Threshold != 0.7 {
		t.Errorf("expected Threshold=0.7, got %.2f", cfg.Detector.Threshold)
	}
	if cfg.Embedding.Provider != "none" {
		t.Errorf("expected embedding Provider=none, got %s", cfg.Embedding.Provider)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	// Ensure no env vars interfere
	t.Setenv("FLYWHEEL_DB_DIR", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("OLLAMA_HOST", "")
	t.Setenv("FLYWHEEL_BUDGET_CEILING", "")

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/flywheel"
	cfg.Router.BudgetCeiling = 500
	cfg.Logging.DebugMode = true

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.DataDir != "/var/lib/flywheel" {
		t.Errorf("expected DataDir=/var/lib/flywheel, got %s", loaded.DataDir)
	}
	if loaded.Router.BudgetCeiling != 500 {
		t.Errorf("expected BudgetCeiling=500, got %.2f", loaded.Router.BudgetCeiling)
	}
	if !loaded.Logging.DebugMode {
		t.Error("expected DebugMode=true after round trip")
	}
}

func TestConfig_LoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("FLYWHEEL_DB_DIR", "")
	t.Setenv("GEMINI_API_KEY", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "config.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Name != "flywheel" {
		t.Errorf("expected defaults, got Name=%s", cfg.Name)
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("FLYWHEEL_DB_DIR", "/tmp/fw-state")
	t.Setenv("GEMINI_API_KEY", "env-gemini-key")
	t.Setenv("OLLAMA_HOST", "http://ollama:11434")
	t.Setenv("FLYWHEEL_BUDGET_CEILING", "250.5")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.DataDir != "/tmp/fw-state" {
		t.Errorf("expected DataDir=/tmp/fw-state, got %s", cfg.DataDir)
	}
	if cfg.Embedding.APIKey != "env-gemini-key" {
		t.Errorf("expected embedding APIKey from env, got %s", cfg.Embedding.APIKey)
	}
	if cfg.Inference.APIKey != "env-gemini-key" {
		t.Errorf("expected inference APIKey from env, got %s", cfg.Inference.APIKey)
	}
	if cfg.Embedding.OllamaHost != "http://ollama:11434" {
		t.Errorf("expected OllamaHost from env, got %s", cfg.Embedding.OllamaHost)
	}
	if cfg.Router.BudgetCeiling != 250.5 {
		t.Errorf("expected BudgetCeiling=250.5, got %.2f", cfg.Router.BudgetCeiling)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected default config to validate, got: %v", err)
	}

	// Tiers must rise in cost
	cfg = DefaultConfig()
	cfg.Router.Tiers[2].CostPerCall = cfg.Router.Tiers[1].CostPerCall
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for non-ascending tier costs")
	}

	cfg = DefaultConfig()
	cfg.Router.Tiers = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for empty tiers")
	}

	cfg = DefaultConfig()
	cfg.Router.BudgetCeiling = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero budget ceiling")
	}

	cfg = DefaultConfig()
	cfg.Detector.AdaptiveThreshold = 0.9
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error when adaptive threshold exceeds threshold")
	}

	cfg = DefaultConfig()
	cfg.Embedding.Provider = "invalid"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for invalid embedding provider")
	}

	cfg = DefaultConfig()
	cfg.Embedding.Provider = "gemini"
	cfg.Embedding.APIKey = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for gemini embedding without key")
	}

	cfg = DefaultConfig()
	cfg.Action.MaxParallel = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero max_parallel")
	}
}

func TestConfig_PathHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data/fw"

	if got := cfg.BusPath(); got != filepath.Join("/data/fw", "bus.db") {
		t.Errorf("BusPath=%s", got)
	}
	if got := cfg.StorePath(); got != filepath.Join("/data/fw", "patterns.db") {
		t.Errorf("StorePath=%s", got)
	}
	if got := cfg.InboxDir(); got != filepath.Join("/data/fw", "inbox") {
		t.Errorf("InboxDir=%s", got)
	}
	cfg.Ingest.InboxDir = "/custom/inbox"
	if got := cfg.InboxDir(); got != "/custom/inbox" {
		t.Errorf("InboxDir override=%s", got)
	}
}

func TestConfig_DurationHelpers(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.GetBusPollInterval() != 200*time.Millisecond {
		t.Errorf("GetBusPollInterval=%v", cfg.GetBusPollInterval())
	}
	if cfg.GetDelegateTimeout() != 5*time.Minute {
		t.Errorf("GetDelegateTimeout=%v", cfg.GetDelegateTimeout())
	}

	// Garbage durations fall back to defaults
	cfg.Bus.PollInterval = "not-a-duration"
	if cfg.GetBusPollInterval() != 200*time.Millisecond {
		t.Errorf("fallback GetBusPollInterval=%v", cfg.GetBusPollInterval())
	}
}

func TestRouterConfig_TierLookup(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Router.HighestTier().Name != "high_reasoning" {
		t.Errorf("HighestTier=%s", cfg.Router.HighestTier().Name)
	}
	if cfg.Router.LowestTier().Name != "high_speed" {
		t.Errorf("LowestTier=%s", cfg.Router.LowestTier().Name)
	}
	if _, ok := cfg.Router.TierByName("balanced"); !ok {
		t.Error("TierByName(balanced) not found")
	}
	if _, ok := cfg.Router.TierByName("nonexistent"); ok {
		t.Error("TierByName(nonexistent) should not be found")
	}
}

func TestLoggingConfig_IsCategoryEnabled(t *testing.T) {
	lc := LoggingConfig{DebugMode: false}
	if lc.IsCategoryEnabled("bus") {
		t.Error("production mode should disable all categories")
	}

	lc = LoggingConfig{DebugMode: true}
	if !lc.IsCategoryEnabled("bus") {
		t.Error("debug mode with no filter should enable all categories")
	}

	lc = LoggingConfig{DebugMode: true, Categories: map[string]bool{"bus": false}}
	if lc.IsCategoryEnabled("bus") {
		t.Error("explicitly disabled category should be off")
	}
	if !lc.IsCategoryEnabled("store") {
		t.Error("unlisted category should default to enabled")
	}
}
