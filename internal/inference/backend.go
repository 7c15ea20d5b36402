// Package inference provides text generation for strategy formulation
// and inference-backed delegates. Supports Ollama (local), Google Gemini
// (cloud) and a deterministic static backend for offline operation.
package inference

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Request is one generation call. Model overrides the backend's default
// when the router has picked a specific one.
type Request struct {
	Model       string  `json:"model,omitempty"`
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Response carries the completion and the unit counts the ledger bills.
type Response struct {
	Text        string `json:"text"`
	InputUnits  int64  `json:"input_units"`
	OutputUnits int64  `json:"output_units"`
}

// Backend generates text.
type Backend interface {
	// Generate produces a completion for the request
	Generate(ctx context.Context, req Request) (Response, error)

	// Name returns the backend name
	Name() string
}

// Config holds inference backend configuration.
type Config struct {
	// Provider: "ollama", "gemini" or "static"
	Provider string `json:"provider"`

	// Ollama Configuration
	OllamaHost  string `json:"ollama_host"`  // Default: "http://localhost:11434"
	OllamaModel string `json:"ollama_model"` // Default: "qwen2.5-coder"

	// Gemini Configuration
	GeminiAPIKey string `json:"gemini_api_key"`
	GeminiModel  string `json:"gemini_model"` // Default: "gemini-2.5-flash"

	// Request timeout
	Timeout time.Duration `json:"timeout"`

	// Retries on rate limits and transport errors
	MaxRetries int `json:"max_retries"`
}

// DefaultConfig returns the default inference configuration.
func DefaultConfig() Config {
	return Config{
		Provider:    "static",
		OllamaHost:  "http://localhost:11434",
		OllamaModel: "qwen2.5-coder",
		GeminiModel: "gemini-2.5-flash",
		Timeout:     120 * time.Second,
		MaxRetries:  3,
	}
}

// NewBackend creates a backend from configuration.
func NewBackend(cfg Config) (Backend, error) {
	switch strings.ToLower(cfg.Provider) {
	case "static", "":
		return NewStaticBackend(), nil

	case "ollama":
		host := cfg.OllamaHost
		if host == "" {
			host = "http://localhost:11434"
		}
		model := cfg.OllamaModel
		if model == "" {
			model = "qwen2.5-coder"
		}
		return NewOllamaBackend(host, model, cfg.Timeout), nil

	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini inference requires an API key")
		}
		model := cfg.GeminiModel
		if model == "" {
			model = "gemini-2.5-flash"
		}
		return NewGeminiBackend(cfg.GeminiAPIKey, model, cfg.Timeout, cfg.MaxRetries), nil

	default:
		return nil, fmt.Errorf("unknown inference provider: %s (use 'ollama', 'gemini' or 'static')", cfg.Provider)
	}
}
