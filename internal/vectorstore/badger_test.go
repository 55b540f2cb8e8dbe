package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threeequarter/filings-rag/internal/domain"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func vec(lead float32) []float32 {
	v := make([]float32, 8)
	v[0] = lead
	for i := 1; i < len(v); i++ {
		v[i] = 0.01
	}
	return v
}

func TestUpsertEmbeddings_HashGatedNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := domain.Embedding{
		Text: "revenue rose", Vector: vec(1), DocumentID: "doc-1", DocumentTitle: "10-K",
		Owner: domain.OwnerUserDocument, UserScope: "user-1", ConversationScope: "conv-1",
		ChunkIndex: 0, ChunkHash: "hash-a",
	}
	require.NoError(t, s.UpsertEmbeddings(ctx, []domain.Embedding{e}))

	rows, err := s.GetEmbeddingsByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	firstUpdatedAt := rows[0].UpdatedAt

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.UpsertEmbeddings(ctx, []domain.Embedding{e}))

	rows, err = s.GetEmbeddingsByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].UpdatedAt.Equal(firstUpdatedAt), "re-upserting an unchanged hash must not touch UpdatedAt")
}

func TestUpsertEmbeddings_HashChangeUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := domain.Embedding{
		Text: "revenue rose", Vector: vec(1), DocumentID: "doc-1", DocumentTitle: "10-K",
		Owner: domain.OwnerUserDocument, UserScope: "user-1", ConversationScope: "conv-1",
		ChunkIndex: 0, ChunkHash: "hash-a",
	}
	require.NoError(t, s.UpsertEmbeddings(ctx, []domain.Embedding{e}))

	e.Text = "revenue rose materially"
	e.ChunkHash = "hash-b"
	require.NoError(t, s.UpsertEmbeddings(ctx, []domain.Embedding{e}))

	rows, err := s.GetEmbeddingsByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "revenue rose materially", rows[0].Text)
	assert.Equal(t, "hash-b", rows[0].ChunkHash)
}

func TestUpsertEmbeddings_UniquenessKeepsOneRowPerChunkIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := domain.Embedding{
		DocumentID: "doc-1", Owner: domain.OwnerUserDocument, UserScope: "user-1",
		ConversationScope: "conv-1", Vector: vec(1),
	}
	a := base
	a.ChunkIndex, a.Text, a.ChunkHash = 0, "chunk zero", "h0"
	b := base
	b.ChunkIndex, b.Text, b.ChunkHash = 1, "chunk one", "h1"

	require.NoError(t, s.UpsertEmbeddings(ctx, []domain.Embedding{a, b}))
	require.NoError(t, s.UpsertEmbeddings(ctx, []domain.Embedding{a, b}))

	rows, err := s.GetEmbeddingsByDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestFindSimilarAdaptive_ThresholdAndOwnerFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	items := []domain.Embedding{
		{DocumentID: "doc-a", Text: "near", Vector: vec(1), Owner: domain.OwnerUserDocument, UserScope: "u1", ConversationScope: "c1", ChunkIndex: 0, ChunkHash: "h1"},
		{DocumentID: "doc-b", Text: "far", Vector: vec(-1), Owner: domain.OwnerUserDocument, UserScope: "u1", ConversationScope: "c1", ChunkIndex: 0, ChunkHash: "h2"},
		{DocumentID: "doc-c", Text: "wrong-owner", Vector: vec(1), Owner: domain.OwnerSystemKnowledgeBase, UserScope: "u1", ConversationScope: "c1", ChunkIndex: 0, ChunkHash: "h3"},
	}
	require.NoError(t, s.UpsertEmbeddings(ctx, items))

	results, err := s.FindSimilarAdaptive(ctx, vec(1), domain.OwnerUserDocument, 10, 0.5, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-a", results[0].DocumentID)
}

func TestFindSimilarAdaptive_MaxKZeroMeansUnlimited(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var items []domain.Embedding
	for i := 0; i < 5; i++ {
		items = append(items, domain.Embedding{
			DocumentID: "doc-a", Text: "chunk", Vector: vec(1), Owner: domain.OwnerUserDocument,
			UserScope: "u1", ConversationScope: "c1", ChunkIndex: i, ChunkHash: "h",
		})
	}
	require.NoError(t, s.UpsertEmbeddings(ctx, items))

	results, err := s.FindSimilarAdaptive(ctx, vec(1), domain.OwnerUserDocument, 0, 0.0, nil)
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestFindSimilarInConversation_ScopesByUserAndConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	items := []domain.Embedding{
		{DocumentID: "doc-a", Text: "mine", Vector: vec(1), Owner: domain.OwnerUserDocument, UserScope: "u1", ConversationScope: "c1", ChunkIndex: 0, ChunkHash: "h1"},
		{DocumentID: "doc-b", Text: "other-user", Vector: vec(1), Owner: domain.OwnerUserDocument, UserScope: "u2", ConversationScope: "c9", ChunkIndex: 0, ChunkHash: "h2"},
	}
	require.NoError(t, s.UpsertEmbeddings(ctx, items))

	results, err := s.FindSimilarInConversation(ctx, vec(1), ConversationScope{UserID: "u1"}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-a", results[0].DocumentID)
}

func TestUpsertDocumentEmbeddings_GroupsByDocumentOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	items := []domain.Embedding{
		{DocumentID: "corpus-doc", Text: "a", Vector: vec(1), Owner: domain.OwnerSystemKnowledgeBase, ChunkIndex: 0, ChunkHash: "h1"},
		{DocumentID: "corpus-doc", Text: "b", Vector: vec(0.5), Owner: domain.OwnerSystemKnowledgeBase, ChunkIndex: 1, ChunkHash: "h2"},
	}
	require.NoError(t, s.UpsertDocumentEmbeddings(ctx, items))

	rows, err := s.GetEmbeddingsByDocument(ctx, "corpus-doc")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
