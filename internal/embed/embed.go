// Package embed defines and implements the Embedding Provider external
// collaborator (spec §6): Embed(text) and EmbedBatch([]text) -> vectors,
// fixed at 1536 dimensions in the default configuration.
package embed

import "context"

// Provider computes fixed-dimension embedding vectors for chunks and
// queries. Implementations must return vectors of the same dimensionality
// for every call.
type Provider interface {
	// Embed computes a single vector, used for query embedding in the
	// Answer Orchestrator (§4.6 step 5).
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes one vector per input text, used by the
	// pipeline's Embed stage (§4.4 stage 3). The returned map is keyed by
	// the exact input string; callers with duplicate chunk text must not
	// rely on positional correspondence.
	EmbedBatch(ctx context.Context, texts []string) (map[string][]float32, error)
}
