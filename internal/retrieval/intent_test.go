package retrieval

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threeequarter/filings-rag/internal/chat"
	"github.com/threeequarter/filings-rag/internal/nexa"
)

func newTestClassifier(t *testing.T, handler http.HandlerFunc) *Classifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	provider := chat.NewNexaProvider(nexa.NewClient(srv.URL), "test-model")
	return NewClassifier(provider)
}

func TestClassify_ParsesRegularVerdict(t *testing.T) {
	c := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"1","choices":[{"message":{"role":"assistant","content":"{\"intent\":\"REGULAR\",\"reasoning\":\"specific question\"}"}}]}`))
	})
	result := c.Classify(context.Background(), "what was Apple's revenue in 2023")
	assert.Equal(t, IntentRegular, result.Intent)
}

func TestClassify_ParsesExhaustiveVerdict(t *testing.T) {
	c := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"1","choices":[{"message":{"role":"assistant","content":"{\"intent\":\"EXHAUSTIVE\",\"reasoning\":\"enumerate every mention\"}"}}]}`))
	})
	result := c.Classify(context.Background(), "list all mentions of litigation risk")
	assert.Equal(t, IntentExhaustive, result.Intent)
}

func TestClassify_FallsBackOnNonJSONResponse(t *testing.T) {
	c := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"1","choices":[{"message":{"role":"assistant","content":"sorry, I can't help with that"}}]}`))
	})
	result := c.Classify(context.Background(), "list all cases where revenue declined")
	require.Equal(t, IntentExhaustive, result.Intent, "a non-JSON provider response must fall back to the keyword rule")
}

func TestClassify_FallsBackOnUnknownIntentLabel(t *testing.T) {
	c := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"1","choices":[{"message":{"role":"assistant","content":"{\"intent\":\"MAYBE\",\"reasoning\":\"unsure\"}"}}]}`))
	})
	result := c.Classify(context.Background(), "what was total revenue")
	assert.Equal(t, IntentRegular, result.Intent)
}

func TestClassify_FallsBackOnProviderError(t *testing.T) {
	c := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	result := c.Classify(context.Background(), "find every instance of a share buyback")
	assert.Equal(t, IntentExhaustive, result.Intent)
}

func TestClassify_EmptyQueryDefaultsToRegular(t *testing.T) {
	c := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("classifier must not call the provider for an empty query")
	})
	result := c.Classify(context.Background(), "   ")
	assert.Equal(t, IntentRegular, result.Intent)
}
