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

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiBackend generates text via the Gemini REST API.
type GeminiBackend struct {
	apiKey     string
	baseURL    string
	model      string
	maxRetries int
	client     *http.Client
}

// NewGeminiBackend creates a Gemini inference backend.
func NewGeminiBackend(apiKey, model string, timeout time.Duration, maxRetries int) *GeminiBackend {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &GeminiBackend{
		apiKey:     apiKey,
		baseURL:    defaultGeminiBaseURL,
		model:      model,
		maxRetries: maxRetries,
		client:     &http.Client{Timeout: timeout},
	}
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Generate calls generateContent, retrying rate limits and transport
// errors with exponential backoff.
func (b *GeminiBackend) Generate(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = b.model
	}
	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if req.System != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", b.baseURL, model, b.apiKey)

	var lastErr error
	for i := 0; i <= b.maxRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(1<<uint(i-1)) * time.Second)
		}

		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return Response{}, fmt.Errorf("failed to marshal request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
		if err != nil {
			return Response{}, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := b.client.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return Response{}, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var geminiResp geminiResponse
		if err := json.Unmarshal(body, &geminiResp); err != nil {
			return Response{}, fmt.Errorf("failed to parse response: %w", err)
		}
		if geminiResp.Error != nil {
			return Response{}, fmt.Errorf("API error: %s", geminiResp.Error.Message)
		}
		if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
			return Response{}, fmt.Errorf("no completion returned")
		}

		var sb strings.Builder
		for _, part := range geminiResp.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
		text := strings.TrimSpace(sb.String())

		logging.DelegateDebug("[Gemini] Generate: model=%s completed in %v response_len=%d", model, time.Since(start), len(text))
		return Response{
			Text:        text,
			InputUnits:  geminiResp.UsageMetadata.PromptTokenCount,
			OutputUnits: geminiResp.UsageMetadata.CandidatesTokenCount,
		}, nil
	}

	logging.DelegateWarn("[Gemini] Generate: max retries exceeded after %v: %v", time.Since(start), lastErr)
	return Response{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Name returns the backend name.
func (b *GeminiBackend) Name() string {
	return "gemini:" + b.model
}
