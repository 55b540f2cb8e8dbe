package chat

import (
	"context"
	"fmt"

	"github.com/threeequarter/filings-rag/internal/nexa"
)

// NexaProvider adapts the OpenAI-compatible nexa.Client to the Provider
// interface, grounded on the teacher's internal/nexa/chat.go. One instance
// is constructed per tier (default, fast), each bound to its own model name.
type NexaProvider struct {
	client      *nexa.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewNexaProvider builds a tier-bound Provider.
func NewNexaProvider(client *nexa.Client, model string) *NexaProvider {
	return &NexaProvider{client: client, model: model, temperature: 0.2, maxTokens: 2048}
}

// Generate concatenates prompt and context into a single user turn — the
// Intent Classifier instead constructs its own single-turn system+user
// request directly against the client (see internal/retrieval/intent.go),
// since it needs a bespoke system prompt this adapter doesn't carry.
func (p *NexaProvider) Generate(ctx context.Context, prompt, groundingContext string) (string, error) {
	content := prompt
	if groundingContext != "" {
		content = groundingContext + "\n\n" + prompt
	}

	resp, err := p.client.ChatCompletionSync(ctx, nexa.ChatCompletionRequest{
		Model: p.model,
		Messages: []nexa.ChatMessage{
			{Role: "user", Content: content},
		},
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat generate: %w", err)
	}
	return resp, nil
}

// RawClient exposes the underlying nexa.Client for callers (the Intent
// Classifier) that need direct access to a system-prompted request.
func (p *NexaProvider) RawClient() *nexa.Client { return p.client }

// Model returns the tier's backing model name.
func (p *NexaProvider) Model() string { return p.model }
