// Package embedding provides vector embedding generation for semantic
// pattern search. Supports multiple backends: Ollama (local) and Google
// Gemini (cloud). Provider "none" disables the semantic index entirely;
// the pattern store then degrades to keyword search.
package embedding

import (
	"context"
	"fmt"
	"math"
	"time"

	"flywheel/internal/logging"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// EmbeddingEngine generates vector embeddings for text.
type EmbeddingEngine interface {
	// Embed generates embeddings for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// HealthChecker is an optional interface for embedding engines that support
// health checks. If an engine implements this interface, the system can
// verify availability before attempting batch operations.
type HealthChecker interface {
	// HealthCheck verifies the embedding service is reachable.
	// Returns nil if healthy, error otherwise.
	HealthCheck(ctx context.Context) error
}

// =============================================================================
// EMBEDDING CONFIGURATION
// =============================================================================

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "ollama", "gemini" or "none"
	Provider string `json:"provider"`

	// Ollama Configuration
	OllamaHost  string `json:"ollama_host"`  // Default: "http://localhost:11434"
	OllamaModel string `json:"ollama_model"` // Default: "nomic-embed-text"

	// Gemini Configuration
	GeminiAPIKey string `json:"gemini_api_key"`
	GeminiModel  string `json:"gemini_model"` // Default: "gemini-embedding-001"

	// TaskType for Gemini: "SEMANTIC_SIMILARITY", "RETRIEVAL_QUERY", "RETRIEVAL_DOCUMENT"
	TaskType string `json:"task_type"`

	// Expected vector dimensionality (0 = provider default)
	Dimensions int `json:"dimensions"`

	// Per-request timeout
	Timeout time.Duration `json:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:    "none",
		OllamaHost:  "http://localhost:11434",
		OllamaModel: "nomic-embed-text",
		GeminiModel: "gemini-embedding-001",
		TaskType:    "SEMANTIC_SIMILARITY",
		Dimensions:  768,
		Timeout:     30 * time.Second,
	}
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine based on configuration. Provider
// "none" returns a nil engine and no error; callers treat nil as "semantic
// search disabled".
func NewEngine(cfg Config) (EmbeddingEngine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	logging.Embedding("Creating embedding engine with provider=%s", cfg.Provider)

	var engine EmbeddingEngine
	var err error

	switch cfg.Provider {
	case "none", "":
		logging.Embedding("Embedding disabled; pattern search will be keyword-only")
		return nil, nil
	case "ollama":
		logging.Embedding("Initializing Ollama embedding engine: host=%s, model=%s", cfg.OllamaHost, cfg.OllamaModel)
		engine, err = NewOllamaEngine(cfg.OllamaHost, cfg.OllamaModel, cfg.Dimensions, cfg.Timeout)
	case "gemini":
		logging.Embedding("Initializing Gemini embedding engine: model=%s, task_type=%s", cfg.GeminiModel, cfg.TaskType)
		engine, err = NewGeminiEngine(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.TaskType, cfg.Dimensions)
	default:
		err = fmt.Errorf("unsupported embedding provider: %s (use 'ollama', 'gemini' or 'none')", cfg.Provider)
		logging.Get(logging.CategoryEmbedding).Error("Unsupported embedding provider: %s", cfg.Provider)
		return nil, err
	}

	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embedding("Embedding engine created successfully: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return engine, nil
}

// =============================================================================
// COSINE SIMILARITY UTILITY
// =============================================================================

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical, 0 means orthogonal.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i] * b[i])
		aMagnitude += float64(a[i] * a[i])
		bMagnitude += float64(b[i] * b[i])
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		logging.Get(logging.CategoryEmbedding).Warn("CosineSimilarity: zero magnitude vector detected")
		return 0, nil
	}

	return dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude)), nil
}

// FindTopK returns the indices of the top K most similar vectors to the query.
// Uses cosine similarity.
func FindTopK(query []float32, corpus [][]float32, k int) ([]SimilarityResult, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "FindTopK")
	defer timer.Stop()

	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityResult, 0, len(corpus))
	skippedCount := 0

	for i, vec := range corpus {
		similarity, err := CosineSimilarity(query, vec)
		if err != nil {
			skippedCount++
			continue
		}

		results = append(results, SimilarityResult{
			Index:      i,
			Similarity: similarity,
		})
	}

	if skippedCount > 0 {
		logging.Get(logging.CategoryEmbedding).Warn("FindTopK: skipped %d vectors due to dimension mismatch", skippedCount)
	}

	// Partial selection sort: k is small, corpus is modest
	for i := 0; i < len(results) && i < k; i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].Similarity > results[i].Similarity {
				results[i], results[j] = results[j], results[i]
			}
		}
	}

	if len(results) > k {
		results = results[:k]
	}

	logging.EmbeddingDebug("FindTopK: returning %d results", len(results))
	return results, nil
}

// SimilarityResult represents a similarity search result.
type SimilarityResult struct {
	Index      int
	Similarity float64
}
