package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"flywheel/internal/logging"
)

// OllamaBackend generates text via a local Ollama server.
type OllamaBackend struct {
	host   string
	model  string
	client *http.Client
}

// NewOllamaBackend creates an Ollama inference backend.
func NewOllamaBackend(host, model string, timeout time.Duration) *OllamaBackend {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaBackend{
		host:   strings.TrimSuffix(host, "/"),
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int64  `json:"prompt_eval_count"`
	EvalCount       int64  `json:"eval_count"`
}

// Generate calls the Ollama /api/generate endpoint with streaming off.
func (b *OllamaBackend) Generate(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = b.model
	}
	options := map[string]interface{}{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:   model,
		Prompt:  req.Prompt,
		System:  req.System,
		Stream:  false,
		Options: options,
	})
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", b.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("ollama generate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return Response{}, fmt.Errorf("ollama generate failed with status %d: %s", resp.StatusCode, string(payload))
	}

	var genResp ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return Response{}, fmt.Errorf("failed to decode generate response: %w", err)
	}

	text := strings.TrimSpace(genResp.Response)
	logging.DelegateDebug("[Ollama] Generate: model=%s completed in %v response_len=%d", model, time.Since(start), len(text))
	return Response{
		Text:        text,
		InputUnits:  genResp.PromptEvalCount,
		OutputUnits: genResp.EvalCount,
	}, nil
}

// Name returns the backend name.
func (b *OllamaBackend) Name() string {
	return "ollama:" + b.model
}
