package embed

import (
	"context"
	"fmt"

	"github.com/threeequarter/filings-rag/internal/nexa"
)

// NexaProvider adapts the OpenAI-compatible nexa.Client to the Provider
// interface, grounded on the teacher's internal/nexa/embeddings.go.
type NexaProvider struct {
	client     *nexa.Client
	model      string
	dimensions int
}

// NewNexaProvider builds a Provider backed by client, requesting model and
// (when positive) a specific output dimensionality per call.
func NewNexaProvider(client *nexa.Client, model string, dimensions int) *NexaProvider {
	return &NexaProvider{client: client, model: model, dimensions: dimensions}
}

func (p *NexaProvider) dims() *int {
	if p.dimensions <= 0 {
		return nil
	}
	d := p.dimensions
	return &d
}

func (p *NexaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.client.GenerateEmbeddings(ctx, p.model, []string{text}, p.dims())
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed: expected 1 vector, got %d", len(vectors))
	}
	return vectors[0], nil
}

func (p *NexaProvider) EmbedBatch(ctx context.Context, texts []string) (map[string][]float32, error) {
	if len(texts) == 0 {
		return map[string][]float32{}, nil
	}

	vectors, err := p.client.GenerateEmbeddings(ctx, p.model, texts, p.dims())
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embed batch: expected %d vectors, got %d", len(texts), len(vectors))
	}

	out := make(map[string][]float32, len(texts))
	for i, text := range texts {
		out[text] = vectors[i]
	}
	return out, nil
}
