package ai

import (
	"context"
	"fmt"

	"google.golang.org/api/option"

	"textbook-knowledge-engine/internal/config"

	genai "github.com/google/generative-ai-go/genai"
)

// GeminiEmbedder produces fixed-dimensionality vectors via the Google
// Generative AI embedding models (text-embedding-004 by default).
type GeminiEmbedder struct {
	client *genai.Client
	model  string
	dims   int
}

func NewGeminiEmbedder(cfg *config.Config) (*GeminiEmbedder, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("missing GEMINI_API_KEY for embeddings")
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, err
	}

	return &GeminiEmbedder{
		client: client,
		model:  cfg.GoogleEmbeddingsModel,
		dims:   cfg.VectorDimensions,
	}, nil
}

// Embed returns the vector for a single text.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	model := e.client.EmbeddingModel(e.model)
	resp, err := model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, classifyError(err)
	}
	if resp.Embedding == nil {
		return nil, fmt.Errorf("no embedding returned")
	}

	return resp.Embedding.Values, nil
}

// Dimensions reports the configured output dimensionality.
func (e *GeminiEmbedder) Dimensions() int {
	return e.dims
}

func (e *GeminiEmbedder) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}
