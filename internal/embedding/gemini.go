package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// =============================================================================
// GOOGLE GEMINI EMBEDDING ENGINE
// =============================================================================

// GeminiEngine generates embeddings using Google's Gemini API.
type GeminiEngine struct {
	client   *genai.Client
	model    string
	dims     int
	taskType string
}

// NewGeminiEngine creates a new Gemini embedding engine.
func NewGeminiEngine(apiKey, model, taskType string, dims int) (*GeminiEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	if model == "" {
		model = "gemini-embedding-001"
	}
	if dims <= 0 {
		dims = 768
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	var task string
	switch taskType {
	case "SEMANTIC_SIMILARITY", "":
		task = "SEMANTIC_SIMILARITY"
	case "CLASSIFICATION":
		task = "CLASSIFICATION"
	case "CLUSTERING":
		task = "CLUSTERING"
	case "RETRIEVAL_DOCUMENT":
		task = "RETRIEVAL_DOCUMENT"
	case "RETRIEVAL_QUERY":
		task = "RETRIEVAL_QUERY"
	case "CODE_RETRIEVAL_QUERY":
		task = "CODE_RETRIEVAL_QUERY"
	default:
		task = "SEMANTIC_SIMILARITY"
	}

	return &GeminiEngine{
		client:   client,
		model:    model,
		dims:     dims,
		taskType: task,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *GeminiEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	result, err := e.client.Models.EmbedContent(ctx,
		e.model,
		contents,
		&genai.EmbedContentConfig{
			TaskType: e.taskType,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("gemini embed failed: %w", err)
	}

	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}

	return result.Embeddings[0].Values, nil
}

// EmbedBatch generates embeddings for multiple texts.
// Gemini has native batch support.
func (e *GeminiEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx,
		e.model,
		contents,
		&genai.EmbedContentConfig{
			TaskType: e.taskType,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("gemini batch embed failed: %w", err)
	}

	embeddings := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		embeddings[i] = emb.Values
	}

	return embeddings, nil
}

// Dimensions returns the dimensionality of embeddings.
// gemini-embedding-001 produces 768-dimensional vectors.
func (e *GeminiEngine) Dimensions() int {
	return e.dims
}

// Name returns the engine name.
func (e *GeminiEngine) Name() string {
	return fmt.Sprintf("gemini:%s", e.model)
}
