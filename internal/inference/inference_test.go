package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewBackendDispatch(t *testing.T) {
	b, err := NewBackend(Config{Provider: "static"})
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	if _, ok := b.(*StaticBackend); !ok {
		t.Errorf("static provider built %T", b)
	}

	b, err = NewBackend(Config{Provider: "ollama", OllamaHost: "http://localhost:11434", OllamaModel: "m"})
	if err != nil {
		t.Fatalf("ollama: %v", err)
	}
	if _, ok := b.(*OllamaBackend); !ok {
		t.Errorf("ollama provider built %T", b)
	}

	if _, err := NewBackend(Config{Provider: "gemini"}); err == nil {
		t.Error("gemini without API key should fail")
	}
	b, err = NewBackend(Config{Provider: "gemini", GeminiAPIKey: "k"})
	if err != nil {
		t.Fatalf("gemini with key: %v", err)
	}
	if _, ok := b.(*GeminiBackend); !ok {
		t.Errorf("gemini provider built %T", b)
	}

	if _, err := NewBackend(Config{Provider: "quantum"}); err == nil {
		t.Error("unknown provider should fail")
	}
}

func TestStaticBackendDeterministic(t *testing.T) {
	b := NewStaticBackend()
	req := Request{Prompt: "Fix the flaky checkout test\nDetails: assertion races"}

	first, err := b.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	second, err := b.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if first.Text != second.Text {
		t.Errorf("static backend not deterministic: %q vs %q", first.Text, second.Text)
	}
	if !strings.HasPrefix(first.Text, "Plan: Fix the flaky checkout test") {
		t.Errorf("unexpected static text %q", first.Text)
	}
	if first.InputUnits == 0 || first.OutputUnits == 0 {
		t.Errorf("static backend should report unit counts, got %d/%d", first.InputUnits, first.OutputUnits)
	}
}

func TestOllamaGenerate(t *testing.T) {
	var gotReq ollamaGenerateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ollamaGenerateResponse{
			Response:        "  All twelve tests pass.\n",
			Done:            true,
			PromptEvalCount: 12,
			EvalCount:       5,
		})
	}))
	defer server.Close()

	b := NewOllamaBackend(server.URL, "default-model", 5*time.Second)
	resp, err := b.Generate(context.Background(), Request{
		Model:       "custom-model",
		Prompt:      "summarize the run",
		MaxTokens:   64,
		Temperature: 0.3,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if gotReq.Model != "custom-model" {
		t.Errorf("request model = %q, want the per-request override", gotReq.Model)
	}
	if gotReq.Stream {
		t.Error("stream must be off")
	}
	if gotReq.Options["num_predict"] != float64(64) {
		t.Errorf("num_predict = %v, want 64", gotReq.Options["num_predict"])
	}
	if resp.Text != "All twelve tests pass." {
		t.Errorf("text = %q, want trimmed response", resp.Text)
	}
	if resp.InputUnits != 12 || resp.OutputUnits != 5 {
		t.Errorf("units = %d/%d, want 12/5", resp.InputUnits, resp.OutputUnits)
	}
}

func TestOllamaGenerateServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	b := NewOllamaBackend(server.URL, "missing", 5*time.Second)
	if _, err := b.Generate(context.Background(), Request{Prompt: "hi"}); err == nil {
		t.Error("server error should surface")
	}
}

func geminiOK(t *testing.T, text string, in, out int64) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		err := json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{
				{"content": map[string]interface{}{
					"parts": []map[string]string{{"text": text}},
				}},
			},
			"usageMetadata": map[string]int64{
				"promptTokenCount":     in,
				"candidatesTokenCount": out,
			},
		})
		if err != nil {
			t.Errorf("encode response: %v", err)
		}
	}
}

func TestGeminiGenerate(t *testing.T) {
	var gotPath, gotKey string
	var gotReq geminiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		geminiOK(t, " The plan is sound. ", 100, 40)(w, r)
	}))
	defer server.Close()

	b := NewGeminiBackend("test-key", "test-model", 5*time.Second, 0)
	b.baseURL = server.URL

	resp, err := b.Generate(context.Background(), Request{
		System: "be terse",
		Prompt: "review the plan",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if !strings.Contains(gotPath, "/models/test-model:generateContent") {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("key = %q", gotKey)
	}
	if gotReq.SystemInstruction == nil || gotReq.SystemInstruction.Parts[0].Text != "be terse" {
		t.Error("system instruction not forwarded")
	}
	if resp.Text != "The plan is sound." {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.InputUnits != 100 || resp.OutputUnits != 40 {
		t.Errorf("units = %d/%d, want 100/40", resp.InputUnits, resp.OutputUnits)
	}
}

func TestGeminiRetriesRateLimit(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, "quota", http.StatusTooManyRequests)
			return
		}
		geminiOK(t, "recovered", 10, 4)(w, r)
	}))
	defer server.Close()

	b := NewGeminiBackend("k", "m", 5*time.Second, 1)
	b.baseURL = server.URL

	resp, err := b.Generate(context.Background(), Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate should recover from one 429: %v", err)
	}
	if resp.Text != "recovered" {
		t.Errorf("text = %q", resp.Text)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

func TestGeminiMaxRetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer server.Close()

	b := NewGeminiBackend("k", "m", 5*time.Second, 1)
	b.baseURL = server.URL

	_, err := b.Generate(context.Background(), Request{Prompt: "p"})
	if err == nil || !strings.Contains(err.Error(), "max retries") {
		t.Fatalf("err = %v, want max retries exceeded", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}
