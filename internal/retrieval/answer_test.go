package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threeequarter/filings-rag/internal/chat"
	"github.com/threeequarter/filings-rag/internal/config"
	"github.com/threeequarter/filings-rag/internal/convstore"
	"github.com/threeequarter/filings-rag/internal/domain"
	"github.com/threeequarter/filings-rag/internal/nexa"
	"github.com/threeequarter/filings-rag/internal/vectorstore"
)

// fakeEmbedder returns a fixed vector regardless of input, since answer_test
// exercises merge/aggregation logic with a fakeVectorStore's canned
// results rather than real cosine similarity.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(texts))
	for _, t := range texts {
		out[t] = []float32{1, 0, 0}
	}
	return out, nil
}

// fakeChat records every prompt/context pair it is asked to generate from
// and returns a response distinguishing Regular and Exhaustive calls.
type fakeChat struct {
	calls []fakeChatCall
}

type fakeChatCall struct{ prompt, context string }

func (f *fakeChat) Generate(ctx context.Context, prompt, context string) (string, error) {
	f.calls = append(f.calls, fakeChatCall{prompt: prompt, context: context})
	return "answer: " + prompt, nil
}

// fakeVectorStore returns a canned adaptive result set and per-document
// embedding rows, so mergeResults/aggregateSources can be exercised
// end-to-end through Answer without depending on real KNN math.
type fakeVectorStore struct {
	adaptive   []vectorstore.Result
	byDocument map[string][]domain.Embedding
}

func (f *fakeVectorStore) UpsertEmbeddings(ctx context.Context, items []domain.Embedding) error {
	return nil
}
func (f *fakeVectorStore) UpsertDocumentEmbeddings(ctx context.Context, items []domain.Embedding) error {
	return nil
}
func (f *fakeVectorStore) FindSimilarAllSystem(ctx context.Context, queryVec []float32, topK int) ([]vectorstore.Result, error) {
	return nil, nil
}
func (f *fakeVectorStore) FindSimilarInConversation(ctx context.Context, queryVec []float32, scope vectorstore.ConversationScope, topK int) ([]vectorstore.Result, error) {
	return nil, nil
}
func (f *fakeVectorStore) FindSimilarAdaptive(ctx context.Context, queryVec []float32, owner domain.OwnerKind, maxK int, minSimilarity float32, scope *vectorstore.ConversationScope) ([]vectorstore.Result, error) {
	return f.adaptive, nil
}
func (f *fakeVectorStore) GetEmbeddingsByDocument(ctx context.Context, documentID string) ([]domain.Embedding, error) {
	return f.byDocument[documentID], nil
}
func (f *fakeVectorStore) Close() error { return nil }

// mustJSONString JSON-encodes s for splicing into a fake response body.
func mustJSONString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// testIntentServer fakes a nexa /v1/chat/completions endpoint for the
// Intent Classifier: any request whose system message is the classifier's
// own prompt is answered with a JSON verdict driven by whether the user's
// question contains an exhaustive-style keyword; any other request just
// echoes the user content back unchanged. Query rewrites in these tests
// go to fakeChat, not to this server.
func testIntentServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req nexa.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		isClassify := false
		var userContent string
		for _, m := range req.Messages {
			if m.Role == "system" && m.Content == intentSystemPrompt {
				isClassify = true
			}
			if m.Role == "user" {
				userContent = m.Content
			}
		}

		var content string
		if isClassify {
			intent := "REGULAR"
			if strings.Contains(strings.ToLower(userContent), "list all") {
				intent = "EXHAUSTIVE"
			}
			content = fmt.Sprintf(`{"intent": %q, "reasoning": "test"}`, intent)
		} else {
			content = userContent
		}

		fmt.Fprintf(w, `{"id":"1","choices":[{"index":0,"message":{"role":"assistant","content":%s},"finish_reason":"stop"}]}`,
			mustJSONString(content))
	})
	return httptest.NewServer(mux)
}

func newTestOrchestrator(t *testing.T, vectors *fakeVectorStore, chatProvider *fakeChat) (*AnswerOrchestrator, *convstore.Store) {
	t.Helper()
	convs, err := convstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = convs.Close() })

	srv := testIntentServer(t)
	t.Cleanup(srv.Close)
	defaultTier := chat.NewNexaProvider(nexa.NewClient(srv.URL), "test-model")
	classifier := NewClassifier(defaultTier)

	strategy := NewStrategy(config.RetrievalConfig{
		Regular:    config.RetrievalParams{MaxK: 5, MinSimilarity: 0.2},
		Exhaustive: config.RetrievalParams{MaxK: 0, MinSimilarity: 0},
	})
	rewriter := NewQueryPreprocessor(chatProvider)

	return NewAnswerOrchestrator(convs, vectors, fakeEmbedder{}, chatProvider, classifier, strategy, rewriter), convs
}

func TestMergeResults_ReferencedWinsOnCollision(t *testing.T) {
	adaptive := []vectorstore.Result{{DocumentID: "D1", Text: "t", Similarity: 0.8}}
	referenced := []vectorstore.Result{{DocumentID: "D1", Text: "t", Similarity: 0.5}}

	merged := mergeResults(adaptive, referenced)

	require.Len(t, merged, 1)
	assert.Equal(t, float32(0.5), merged[0].Similarity, "a referenced chunk must win a (documentId, text) collision regardless of its similarity")
	assert.True(t, merged[0].Referenced)
}

func TestMergeResults_AdaptiveOnlyCollisionKeepsMaxSimilarity(t *testing.T) {
	adaptive := []vectorstore.Result{
		{DocumentID: "D1", Text: "t", Similarity: 0.3},
		{DocumentID: "D1", Text: "t", Similarity: 0.6},
	}

	merged := mergeResults(adaptive, nil)

	require.Len(t, merged, 1)
	assert.Equal(t, float32(0.6), merged[0].Similarity)
}

func TestMergeResults_DeterministicTieBreak(t *testing.T) {
	adaptive := []vectorstore.Result{
		{DocumentID: "D2", Text: "z", Similarity: 0.5},
		{DocumentID: "D1", Text: "a", Similarity: 0.5},
	}

	merged := mergeResults(adaptive, nil)

	require.Len(t, merged, 2)
	assert.Equal(t, "D1", merged[0].DocumentID, "equal similarity must tie-break on the lexicographically smaller documentId")
	assert.Equal(t, "D2", merged[1].DocumentID)
}

func TestAggregateSources_ReferencedDocWithNoMatchHasZeroUsage(t *testing.T) {
	sources := aggregateSources(nil, []string{"D9"}, map[string]bool{"D9": false})

	require.Len(t, sources, 1)
	assert.Equal(t, "D9", sources[0].DocumentID)
	assert.Zero(t, sources[0].ChunksUsed, "a referenced document that matched no chunk must still appear, with chunksUsed 0")
	assert.Zero(t, sources[0].RelevanceScore)
}

func TestAnswer_ExhaustiveIntentOmitsChunkText(t *testing.T) {
	vectors := &fakeVectorStore{
		adaptive: []vectorstore.Result{
			{DocumentID: "D1", DocumentTitle: "Apple 10-K", Text: "secret chunk text", Similarity: 0.9},
			{DocumentID: "D2", DocumentTitle: "Apple 10-Q", Text: "other secret chunk", Similarity: 0.8},
		},
	}
	chatProvider := &fakeChat{}
	orch, convs := newTestOrchestrator(t, vectors, chatProvider)

	conv, err := convs.CreateConversation("test", "user-1", nil)
	require.NoError(t, err)
	userMsg, err := convs.AppendMessage(domain.Message{ConversationID: conv.ID, Role: domain.RoleUser, Content: "list all revenue mentions"})
	require.NoError(t, err)

	reply, err := orch.Answer(context.Background(), conv.ID, "user-1", userMsg.ID, "list all revenue mentions", nil)
	require.NoError(t, err)

	require.Len(t, reply.Sources, 2, "sources must have one entry per distinct document")
	for _, call := range chatProvider.calls {
		assert.NotContains(t, call.prompt, "secret chunk text")
		assert.NotContains(t, call.context, "secret chunk text")
	}
}

func TestAnswer_RegularIntentIncludesChunkText(t *testing.T) {
	vectors := &fakeVectorStore{
		adaptive: []vectorstore.Result{
			{DocumentID: "D1", DocumentTitle: "Apple 10-K", Text: "revenue grew", Similarity: 0.9},
		},
	}
	chatProvider := &fakeChat{}
	orch, convs := newTestOrchestrator(t, vectors, chatProvider)

	conv, err := convs.CreateConversation("test", "user-1", nil)
	require.NoError(t, err)
	userMsg, err := convs.AppendMessage(domain.Message{ConversationID: conv.ID, Role: domain.RoleUser, Content: "what was revenue"})
	require.NoError(t, err)

	_, err = orch.Answer(context.Background(), conv.ID, "user-1", userMsg.ID, "what was revenue", nil)
	require.NoError(t, err)

	found := false
	for _, call := range chatProvider.calls {
		if strings.Contains(call.context, "revenue grew") {
			found = true
		}
	}
	assert.True(t, found, "a Regular answer must ground generation in retrieved chunk text")
}

func TestAnswer_PersistsMonotonicAssistantMessage(t *testing.T) {
	vectors := &fakeVectorStore{}
	chatProvider := &fakeChat{}
	orch, convs := newTestOrchestrator(t, vectors, chatProvider)

	conv, err := convs.CreateConversation("test", "user-1", nil)
	require.NoError(t, err)
	userMsg, err := convs.AppendMessage(domain.Message{ConversationID: conv.ID, Role: domain.RoleUser, Content: "hello"})
	require.NoError(t, err)

	reply, err := orch.Answer(context.Background(), conv.ID, "user-1", userMsg.ID, "hello", nil)
	require.NoError(t, err)
	assert.True(t, reply.Timestamp.After(userMsg.Timestamp) || reply.Timestamp.Equal(userMsg.Timestamp))

	messages, err := convs.ListMessages(conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, domain.RoleAssistant, messages[1].Role)
}
