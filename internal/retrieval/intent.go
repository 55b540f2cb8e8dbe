// Package retrieval implements the Intent Classifier, Retrieval Strategy,
// and Answer Orchestrator (spec §4.6-§4.8): adaptive nearest-neighbor
// retrieval merged with explicitly referenced documents, grounded on the
// teacher's internal/rag/rag_pipeline.go and message_processor.go (which
// retrieve, rerank, and generate a chat completion from a Q&A-pair
// history) adapted to the spec's adaptive-KNN + referenced-document merge
// and per-document source aggregation instead of the teacher's reranking.
package retrieval

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/threeequarter/filings-rag/internal/chat"
	"github.com/threeequarter/filings-rag/internal/nexa"
)

// Intent is the Regular/Exhaustive label that selects retrieval
// parameters (§4.8).
type Intent string

const (
	IntentRegular    Intent = "Regular"
	IntentExhaustive Intent = "Exhaustive"
)

// IntentResult is the Intent Classifier's output (§4.7).
type IntentResult struct {
	Intent     Intent
	Reasoning  string
	Confidence *float32
}

// exhaustiveKeywords triggers the deterministic fallback rule when the
// chat provider's classification is empty, non-JSON, or names an unknown
// intent — or when the provider call itself fails.
var exhaustiveKeywords = []string{
	"list all", "find all", "show all", "every", "all cases", "all instances",
	"all documents", "all mentions", "complete list", "exhaustive", "entire",
	"give me every", "what are all", "all of", "each",
}

const intentSystemPrompt = `You classify a user's question about company filings into one of two
intents. Reply with JSON only, no prose: {"intent": "REGULAR"|"EXHAUSTIVE", "reasoning": "..."}.
REGULAR means the user wants a focused answer to a specific question.
EXHAUSTIVE means the user wants a comprehensive enumeration of every matching instance
across the filings (e.g. "list all", "find every", "show all cases where...").`

// Classifier is the Intent Classifier (§4.7).
type Classifier struct {
	client *nexa.Client
	model  string
}

// NewClassifier builds a Classifier bound to the default-tier chat
// provider, per §4.7's "the Intent Classifier uses the default tier".
func NewClassifier(defaultTier *chat.NexaProvider) *Classifier {
	return &Classifier{client: defaultTier.RawClient(), model: defaultTier.Model()}
}

type intentJSON struct {
	Intent    string  `json:"intent"`
	Reasoning string  `json:"reasoning"`
	Confidence float32 `json:"confidence,omitempty"`
}

// Classify implements §4.7's algorithm: call the chat provider for a JSON
// verdict, falling back to a deterministic keyword rule on any empty,
// non-JSON, unknown-intent, or erroring response.
func (c *Classifier) Classify(ctx context.Context, query string) IntentResult {
	if strings.TrimSpace(query) == "" {
		return IntentResult{Intent: IntentRegular, Reasoning: "empty query defaults to regular"}
	}

	resp, err := c.client.ChatCompletionSync(ctx, nexa.ChatCompletionRequest{
		Model: c.model,
		Messages: []nexa.ChatMessage{
			{Role: "system", Content: intentSystemPrompt},
			{Role: "user", Content: query},
		},
		Temperature: 0,
		MaxTokens:   200,
	})
	if err != nil {
		return c.fallback(query, "provider error: "+err.Error())
	}

	resp = strings.TrimSpace(resp)
	if resp == "" {
		return c.fallback(query, "empty provider response")
	}

	var parsed intentJSON
	if err := json.Unmarshal([]byte(resp), &parsed); err != nil {
		return c.fallback(query, "non-JSON provider response")
	}

	switch strings.ToUpper(strings.TrimSpace(parsed.Intent)) {
	case "REGULAR":
		return IntentResult{Intent: IntentRegular, Reasoning: parsed.Reasoning, Confidence: confidencePtr(parsed.Confidence)}
	case "EXHAUSTIVE":
		return IntentResult{Intent: IntentExhaustive, Reasoning: parsed.Reasoning, Confidence: confidencePtr(parsed.Confidence)}
	default:
		return c.fallback(query, "unknown intent label: "+parsed.Intent)
	}
}

func confidencePtr(v float32) *float32 {
	if v == 0 {
		return nil
	}
	return &v
}

func (c *Classifier) fallback(query, reason string) IntentResult {
	lower := strings.ToLower(query)
	for _, kw := range exhaustiveKeywords {
		if strings.Contains(lower, kw) {
			return IntentResult{Intent: IntentExhaustive, Reasoning: "keyword fallback (" + reason + "): matched " + kw}
		}
	}
	return IntentResult{Intent: IntentRegular, Reasoning: "keyword fallback (" + reason + "): no exhaustive keyword matched"}
}
