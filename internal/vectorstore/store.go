// Package vectorstore persists chunk embeddings and serves the cosine-KNN
// queries the Answer Orchestrator needs, per spec §3 and §4.9. It is
// grounded on the teacher's internal/vector package (BadgerDB-backed store
// plus a hand-rolled HNSW index over a message's embedding) but rebuilt
// around the spec's row shape: (owner, userScope, conversationScope,
// document, chunkIndex) instead of the teacher's per-chat message keying.
package vectorstore

import (
	"context"

	"github.com/threeequarter/filings-rag/internal/domain"
)

// Result is the shared return shape for every KNN query in §4.9:
// (text, documentId, documentTitle, similarity).
type Result struct {
	Text          string
	DocumentID    string
	DocumentTitle string
	Similarity    float32
}

// ConversationScope narrows FindSimilarInConversation and
// FindSimilarAdaptive to one user, optionally one conversation within it.
// An empty ConversationID means "any conversation belonging to this user".
type ConversationScope struct {
	UserID         string
	ConversationID string
}

// Store is the Vector Store external collaborator from spec §6 and §4.9.
// Owner is always an explicit parameter on the adaptive query rather than
// hard-coded, per the Open Question resolution in DESIGN.md.
type Store interface {
	// UpsertEmbeddings groups items by (owner, userScope, conversationScope,
	// documentId), preloads existing rows for each group keyed by
	// chunkIndex, and inserts or hash-gated-updates each item. Matching
	// hashes are left untouched. Commits once per call.
	UpsertEmbeddings(ctx context.Context, items []domain.Embedding) error

	// UpsertDocumentEmbeddings is the bulk-corpus variant: items are
	// grouped only by documentId (owner/scope still part of the row key;
	// preload reads the rows under each owner/scope/document prefix that
	// appears among the group's items, not every owner/scope of the
	// document).
	UpsertDocumentEmbeddings(ctx context.Context, items []domain.Embedding) error

	// FindSimilarAllSystem ranks every UserDocument-owned row by ascending
	// cosine distance with no scope filter, capped at topK.
	FindSimilarAllSystem(ctx context.Context, queryVec []float32, topK int) ([]Result, error)

	// FindSimilarInConversation restricts FindSimilarAllSystem's ordering
	// to rows owned by scope.UserID, further narrowed to scope.ConversationID
	// when it is non-empty.
	FindSimilarInConversation(ctx context.Context, queryVec []float32, scope ConversationScope, topK int) ([]Result, error)

	// FindSimilarAdaptive is the Retrieval Strategy's primary query: filter
	// by owner (and, when scope is non-nil, by ConversationScope), keep
	// rows with cosineSimilarity >= minSimilarity, order descending, and
	// limit to maxK (maxK <= 0 means unlimited, the spec's "∞").
	FindSimilarAdaptive(ctx context.Context, queryVec []float32, owner domain.OwnerKind, maxK int, minSimilarity float32, scope *ConversationScope) ([]Result, error)

	// GetEmbeddingsByDocument returns every embedding row for one document,
	// regardless of owner/scope — used by the Answer Orchestrator to
	// compute referenced-document similarity directly (§4.6 step 6).
	GetEmbeddingsByDocument(ctx context.Context, documentID string) ([]domain.Embedding, error)

	Close() error
}
