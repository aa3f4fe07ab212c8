package embedding

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIModel embeds through an OpenAI-compatible embeddings API. It is
// selected by the run context builder whenever an API key is configured.
type OpenAIModel struct {
	llm *openai.LLM
	dim int
}

// NewOpenAIModel constructs the remote model. model names the embedding model
// (e.g. "text-embedding-3-small"); dim must match the model's output width
// because zero vectors for empty inputs are produced locally.
func NewOpenAIModel(apiKey, model string, dim int) (*OpenAIModel, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding: api key required for remote model")
	}
	llm, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("embedding: init openai client: %w", err)
	}
	return &OpenAIModel{llm: llm, dim: dim}, nil
}

func (m *OpenAIModel) Dimension() int { return m.dim }

func (m *OpenAIModel) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return zeroVector(m.dim), nil
	}
	vecs, err := m.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (m *OpenAIModel) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	nonEmpty, indexOf := splitEmpties(texts)

	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = zeroVector(m.dim)
	}
	if len(nonEmpty) == 0 {
		return out, nil
	}

	vecs, err := m.llm.CreateEmbedding(ctx, nonEmpty)
	if err != nil {
		return nil, fmt.Errorf("embedding: remote batch of %d: %w", len(nonEmpty), err)
	}
	if len(vecs) != len(nonEmpty) {
		return nil, fmt.Errorf("embedding: requested %d vectors, got %d", len(nonEmpty), len(vecs))
	}
	for i, vec := range vecs {
		out[indexOf[i]] = vec
	}
	return out, nil
}
