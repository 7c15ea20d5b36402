// Package logging provides config-driven categorized file-based logging for
// flywheel. Logs are written to .flywheel/logs/ with separate files per
// category. Logging is controlled by logging.debug_mode in
// .flywheel/config.yaml - when false, no logs are written.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Category represents a log category/system
type Category string

const (
	// Core infrastructure categories
	CategoryBoot      Category = "boot"      // Startup/initialization
	CategoryBus       Category = "bus"       // Message bus operations
	CategoryStore     Category = "store"     // Pattern store operations
	CategoryEmbedding Category = "embedding" // Embedding engine
	CategoryArtifact  Category = "artifact"  // Externalized plan/strategy artifacts

	// Pipeline categories
	CategoryDetect     Category = "detect"     // Event classification
	CategoryPerception Category = "perception" // Perception loop cycles
	CategoryCognition  Category = "cognition"  // Cognition loop planning
	CategoryAction     Category = "action"     // Action loop orchestration

	// Execution support categories
	CategoryRouter   Category = "router"   // Tier routing and budget ledger
	CategoryVerify   Category = "verify"   // Verification gate and checkpoints
	CategoryDelegate Category = "delegate" // Delegate invocations
	CategoryIngest   Category = "ingest"   // Telemetry inbox bridge
)

// loggingConfig mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type loggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// configFile structure for reading .flywheel/config.yaml
type configFile struct {
	Logging loggingConfig `yaml:"logging"`
}

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers      = make(map[Category]*Logger)
	loggersMu    sync.RWMutex
	logsDir      string
	workspace    string
	config       loggingConfig
	configLoaded bool
	configMu     sync.RWMutex
	logLevel     int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads config.
// Should be called once at startup with the workspace path.
func Initialize(ws string) error {
	if ws == "" {
		return fmt.Errorf("workspace path required")
	}

	workspace = ws
	logsDir = filepath.Join(workspace, ".flywheel", "logs")

	// Load config first to check if debug mode is enabled
	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not load config: %v\n", err)
		config.DebugMode = false
	}

	// Only create logs directory if debug mode is enabled
	if !config.DebugMode {
		return nil // Silent no-op in production mode
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	bootLogger := Get(CategoryBoot)
	bootLogger.Info("=== flywheel logging initialized ===")
	bootLogger.Info("Workspace: %s", workspace)
	bootLogger.Info("Logs directory: %s", logsDir)
	bootLogger.Info("Log level: %s", config.Level)

	if len(config.Categories) > 0 {
		enabledCount := 0
		for cat, enabled := range config.Categories {
			if enabled {
				enabledCount++
			}
			bootLogger.Debug("Category '%s': %v", cat, enabled)
		}
		bootLogger.Info("Enabled categories: %d/%d", enabledCount, len(config.Categories))
	} else {
		bootLogger.Info("All categories enabled (no category filter)")
	}

	return nil
}

// loadConfig reads the logging section from .flywheel/config.yaml
func loadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	configPath := filepath.Join(workspace, ".flywheel", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No config = production mode (no logging)
			config.DebugMode = false
			configLoaded = true
			return nil
		}
		return err
	}

	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	config = cf.Logging
	configLoaded = true

	switch config.Level {
	case "debug":
		logLevel = LevelDebug
	case "info":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	return nil
}

// ReloadConfig reloads the config from disk.
// Call this if config changes at runtime.
func ReloadConfig() error {
	return loadConfig()
}

// SetLevel overrides the configured log level at runtime. Unknown values
// keep the current level.
func SetLevel(level string) {
	configMu.Lock()
	defer configMu.Unlock()

	switch level {
	case "debug":
		logLevel = LevelDebug
	case "info":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	}
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}

	if config.Categories == nil {
		return true // All enabled by default in debug mode
	}

	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true // Enable by default if not specified
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	if logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	// Create log file with date prefix for easy rotation
	date := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", date, category)
	logPath := filepath.Join(logsDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l

	return l
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CORRELATION TRACING - scoped logging keyed by correlation id
// =============================================================================

// CorrelationLogger provides correlation-scoped logging across loop cycles.
type CorrelationLogger struct {
	logger        *Logger
	correlationID string
}

// WithCorrelation creates a correlation-scoped logger for tracing one unit of
// work through the pipeline.
func WithCorrelation(category Category, correlationID string) *CorrelationLogger {
	return &CorrelationLogger{
		logger:        Get(category),
		correlationID: correlationID,
	}
}

func (c *CorrelationLogger) formatMsg(format string, args ...interface{}) string {
	return fmt.Sprintf("[corr:%s] %s", c.correlationID, fmt.Sprintf(format, args...))
}

func (c *CorrelationLogger) Debug(format string, args ...interface{}) {
	if c.logger.logger == nil || logLevel > LevelDebug {
		return
	}
	c.logger.logger.Printf("[DEBUG] %s", c.formatMsg(format, args...))
}

func (c *CorrelationLogger) Info(format string, args ...interface{}) {
	if c.logger.logger == nil || logLevel > LevelInfo {
		return
	}
	c.logger.logger.Printf("[INFO] %s", c.formatMsg(format, args...))
}

func (c *CorrelationLogger) Warn(format string, args ...interface{}) {
	if c.logger.logger == nil || logLevel > LevelWarn {
		return
	}
	c.logger.logger.Printf("[WARN] %s", c.formatMsg(format, args...))
}

func (c *CorrelationLogger) Error(format string, args ...interface{}) {
	if c.logger.logger == nil {
		return
	}
	c.logger.logger.Printf("[ERROR] %s", c.formatMsg(format, args...))
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// BootWarn logs warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Bus logs to the bus category
func Bus(format string, args ...interface{}) {
	Get(CategoryBus).Info(format, args...)
}

// BusDebug logs debug to the bus category
func BusDebug(format string, args ...interface{}) {
	Get(CategoryBus).Debug(format, args...)
}

// BusWarn logs warning to the bus category
func BusWarn(format string, args ...interface{}) {
	Get(CategoryBus).Warn(format, args...)
}

// BusError logs error to the bus category
func BusError(format string, args ...interface{}) {
	Get(CategoryBus).Error(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreWarn logs warning to the store category
func StoreWarn(format string, args ...interface{}) {
	Get(CategoryStore).Warn(format, args...)
}

// StoreError logs error to the store category
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Error(format, args...)
}

// Embedding logs to the embedding category
func Embedding(format string, args ...interface{}) {
	Get(CategoryEmbedding).Info(format, args...)
}

// EmbeddingDebug logs debug to the embedding category
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}

// EmbeddingWarn logs warning to the embedding category
func EmbeddingWarn(format string, args ...interface{}) {
	Get(CategoryEmbedding).Warn(format, args...)
}

// EmbeddingError logs error to the embedding category
func EmbeddingError(format string, args ...interface{}) {
	Get(CategoryEmbedding).Error(format, args...)
}

// Artifact logs to the artifact category
func Artifact(format string, args ...interface{}) {
	Get(CategoryArtifact).Info(format, args...)
}

// ArtifactDebug logs debug to the artifact category
func ArtifactDebug(format string, args ...interface{}) {
	Get(CategoryArtifact).Debug(format, args...)
}

// ArtifactError logs error to the artifact category
func ArtifactError(format string, args ...interface{}) {
	Get(CategoryArtifact).Error(format, args...)
}

// Detect logs to the detect category
func Detect(format string, args ...interface{}) {
	Get(CategoryDetect).Info(format, args...)
}

// DetectDebug logs debug to the detect category
func DetectDebug(format string, args ...interface{}) {
	Get(CategoryDetect).Debug(format, args...)
}

// Perception logs to the perception category
func Perception(format string, args ...interface{}) {
	Get(CategoryPerception).Info(format, args...)
}

// PerceptionDebug logs debug to the perception category
func PerceptionDebug(format string, args ...interface{}) {
	Get(CategoryPerception).Debug(format, args...)
}

// PerceptionWarn logs warning to the perception category
func PerceptionWarn(format string, args ...interface{}) {
	Get(CategoryPerception).Warn(format, args...)
}

// PerceptionError logs error to the perception category
func PerceptionError(format string, args ...interface{}) {
	Get(CategoryPerception).Error(format, args...)
}

// Cognition logs to the cognition category
func Cognition(format string, args ...interface{}) {
	Get(CategoryCognition).Info(format, args...)
}

// CognitionDebug logs debug to the cognition category
func CognitionDebug(format string, args ...interface{}) {
	Get(CategoryCognition).Debug(format, args...)
}

// CognitionWarn logs warning to the cognition category
func CognitionWarn(format string, args ...interface{}) {
	Get(CategoryCognition).Warn(format, args...)
}

// CognitionError logs error to the cognition category
func CognitionError(format string, args ...interface{}) {
	Get(CategoryCognition).Error(format, args...)
}

// Action logs to the action category
func Action(format string, args ...interface{}) {
	Get(CategoryAction).Info(format, args...)
}

// ActionDebug logs debug to the action category
func ActionDebug(format string, args ...interface{}) {
	Get(CategoryAction).Debug(format, args...)
}

// ActionWarn logs warning to the action category
func ActionWarn(format string, args ...interface{}) {
	Get(CategoryAction).Warn(format, args...)
}

// ActionError logs error to the action category
func ActionError(format string, args ...interface{}) {
	Get(CategoryAction).Error(format, args...)
}

// Router logs to the router category
func Router(format string, args ...interface{}) {
	Get(CategoryRouter).Info(format, args...)
}

// RouterDebug logs debug to the router category
func RouterDebug(format string, args ...interface{}) {
	Get(CategoryRouter).Debug(format, args...)
}

// RouterWarn logs warning to the router category
func RouterWarn(format string, args ...interface{}) {
	Get(CategoryRouter).Warn(format, args...)
}

// RouterError logs error to the router category
func RouterError(format string, args ...interface{}) {
	Get(CategoryRouter).Error(format, args...)
}

// Verify logs to the verify category
func Verify(format string, args ...interface{}) {
	Get(CategoryVerify).Info(format, args...)
}

// VerifyDebug logs debug to the verify category
func VerifyDebug(format string, args ...interface{}) {
	Get(CategoryVerify).Debug(format, args...)
}

// VerifyWarn logs warning to the verify category
func VerifyWarn(format string, args ...interface{}) {
	Get(CategoryVerify).Warn(format, args...)
}

// VerifyError logs error to the verify category
func VerifyError(format string, args ...interface{}) {
	Get(CategoryVerify).Error(format, args...)
}

// Delegate logs to the delegate category
func Delegate(format string, args ...interface{}) {
	Get(CategoryDelegate).Info(format, args...)
}

// DelegateDebug logs debug to the delegate category
func DelegateDebug(format string, args ...interface{}) {
	Get(CategoryDelegate).Debug(format, args...)
}

// DelegateWarn logs warning to the delegate category
func DelegateWarn(format string, args ...interface{}) {
	Get(CategoryDelegate).Warn(format, args...)
}

// DelegateError logs error to the delegate category
func DelegateError(format string, args ...interface{}) {
	Get(CategoryDelegate).Error(format, args...)
}

// Ingest logs to the ingest category
func Ingest(format string, args ...interface{}) {
	Get(CategoryIngest).Info(format, args...)
}

// IngestDebug logs debug to the ingest category
func IngestDebug(format string, args ...interface{}) {
	Get(CategoryIngest).Debug(format, args...)
}

// IngestWarn logs warning to the ingest category
func IngestWarn(format string, args ...interface{}) {
	Get(CategoryIngest).Warn(format, args...)
}

// IngestError logs error to the ingest category
func IngestError(format string, args ...interface{}) {
	Get(CategoryIngest).Error(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
