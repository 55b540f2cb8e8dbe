package retrieval

import (
	"context"
	"strings"

	"github.com/threeequarter/filings-rag/internal/chat"
	"github.com/threeequarter/filings-rag/internal/logging"
)

const rewriteSystemPrompt = `Rewrite the user's latest question into a short, search-oriented query
for a similarity search over company filings. Keep it factual, drop greetings and filler,
and resolve pronouns using the conversation history when given. Reply with the rewritten
query only, no prose, no quotes.`

// QueryPreprocessor turns a raw user turn into a search-oriented form
// before it is embedded (§4.6 step 4), so pronoun references ("what did
// they say about it") resolve against prior turns instead of degrading
// retrieval quality. Backed by the Fast chat tier, since it is a cheap,
// low-latency rewrite rather than the grounded answer itself.
type QueryPreprocessor struct {
	fast chat.Provider
}

// NewQueryPreprocessor builds a preprocessor bound to the Fast chat tier.
func NewQueryPreprocessor(fast chat.Provider) *QueryPreprocessor {
	return &QueryPreprocessor{fast: fast}
}

// Rewrite calls the two-argument form when history is non-empty, per
// §4.6 step 4, falling back to the original userContent verbatim if the
// chat provider errors — a degraded retrieval query is preferable to
// failing the whole answer flow over a rewrite hiccup.
func (p *QueryPreprocessor) Rewrite(ctx context.Context, userContent, history string) string {
	prompt := userContent
	if history != "" {
		prompt = history + "\n\nLatest question: " + userContent
	}

	rewritten, err := p.fast.Generate(ctx, prompt, rewriteSystemPrompt)
	if err != nil {
		logging.Error("query preprocessor failed, using raw query: %v", err)
		return userContent
	}
	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" {
		return userContent
	}
	return rewritten
}
