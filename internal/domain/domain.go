// Package domain holds the value types shared across the ingestion and
// retrieval core: conversations, messages, documents, embeddings, and the
// durable pipeline state that ties a conversation to an ingestion run.
package domain

import "time"

// IngestionStatus mirrors the pipeline's BatchProcessingState.Status, but is
// only ever written on terminal transitions (see BatchProcessingState).
type IngestionStatus string

const (
	StatusPending              IngestionStatus = "Pending"
	StatusDownloading          IngestionStatus = "Downloading"
	StatusExtracting           IngestionStatus = "Extracting"
	StatusChunking             IngestionStatus = "Chunking"
	StatusGeneratingEmbeddings IngestionStatus = "GeneratingEmbeddings"
	StatusPersistingEmbeddings IngestionStatus = "PersistingEmbeddings"
	StatusCompleted            IngestionStatus = "Completed"
	StatusFailed               IngestionStatus = "Failed"
)

// Terminal reports whether the status accepts no further transitions.
func (s IngestionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Company is a surrogate id/name pair associated with a conversation.
type Company struct {
	ID   string
	Name string
}

// Conversation is the top-level container for a user's ingestion + Q&A
// session against one or more companies' filings.
type Conversation struct {
	ID              string
	Title           string
	UserID          string
	Companies       []Company
	IngestionStatus *IngestionStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Role enumerates who produced a Message.
type Role string

const (
	RoleUser      Role = "User"
	RoleAssistant Role = "Assistant"
	RoleSystem    Role = "System"
)

// Message is one turn in a conversation. Only Assistant messages carry
// Sources, and only when the Answer Orchestrator produced them.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Timestamp      time.Time
	Metadata       map[string]string
	Sources        []Source
}

// Source records a document's contribution to an assistant answer.
type Source struct {
	DocumentID     string
	DocumentTitle  string
	RelevanceScore float32 // raw similarity, may be negative before clipping
	ChunksUsed     int
	Order          int
}

// ClippedRelevance returns RelevanceScore clamped to [0,1] for presentation,
// per the §3 invariant that similarity ∈ [-1,1] is clipped for display.
func (s Source) ClippedRelevance() float32 {
	if s.RelevanceScore < 0 {
		return 0
	}
	if s.RelevanceScore > 1 {
		return 1
	}
	return s.RelevanceScore
}

// OwnerKind distinguishes per-conversation user uploads from the shared
// system-wide knowledge base, per §3 and §4.9's owner-scoped KNN queries.
type OwnerKind string

const (
	OwnerUserDocument        OwnerKind = "UserDocument"
	OwnerSystemKnowledgeBase OwnerKind = "SystemKnowledgeBase"
)

// DocumentScope distinguishes a conversation-bound upload from a corpus-wide
// system document. Exactly one of UserID/ConversationID is meaningful
// depending on Kind.
type DocumentScope struct {
	Kind           OwnerKind
	UserID         string
	ConversationID string
}

// Document is an opaque-identified filing or upload. DocumentID is a plain
// string throughout: archive-sourced filings use their downloaded file name
// ("{accession without dashes}_{primary document}"), user uploads use a UUID. See DESIGN.md for why this resolves the spec's
// open question about int-vs-string document ids.
type Document struct {
	ID          string
	Title       string
	FullText    string // optional snapshot; empty when not retained
	Scope       DocumentScope
	ContentType string
	BlobPath    string
}

// Embedding is one persisted vector row. ChunkHash gates re-upsert writes.
type Embedding struct {
	ID                string
	Text              string
	Vector            []float32
	DocumentID        string
	DocumentTitle     string
	Owner             OwnerKind
	UserScope         string
	ConversationScope string
	ChunkIndex        int
	ChunkHash         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FilingDocument is a document fetched from the archive, prior to blob
// persistence.
type FilingDocument struct {
	Content           []byte
	FileName          string
	FilingType        string
	AccessionNumber   string
	FilingDate        time.Time
	CompanyIdentifier string
}

// IngestedDocumentRef is the per-document bookkeeping entry kept inside
// BatchProcessingState.Documents.
type IngestedDocumentRef struct {
	FileName        string
	FilingType      string
	AccessionNumber string
	FilingDate      time.Time
}

// BatchProcessingState is the durable, per-conversation pipeline record
// described in §3 and driven by the orchestrator in §4.4.
type BatchProcessingState struct {
	ConversationID    string
	UserID            string
	CompanyIdentifier string
	FilingTypes       []string
	Status            IngestionStatus
	JobID             string
	ErrorMessage      string
	CreatedAt         time.Time
	CompletedAt       *time.Time
	Documents         []IngestedDocumentRef
}

// DocumentChunk is the on-disk artifact written by the chunking stage.
type DocumentChunk struct {
	SourceDocument string
	ChunkIndex     int
	Text           string
	StartOffset    int
	EndOffset      int
}

// ChunkEmbedding is a DocumentChunk plus its computed vector, the artifact
// written by the embedding stage.
type ChunkEmbedding struct {
	DocumentChunk
	Embedding []float32
}
