// Package pipeline is the Pipeline Orchestrator (spec §4.4): it drives one
// ingestion batch per conversation through five monotonically ordered,
// independently resumable stages, checkpointing state and emitting
// progress after each. Grounded on the teacher's internal/rag/base_pipeline.go
// (a struct wiring sub-components: nexaClient, vectorStore, documentManager,
// config) generalized from the teacher's single in-process chat loop into a
// stage chain with a durable domain.BatchProcessingState and per-stage
// retry/backoff instead of the teacher's one-shot error return.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/threeequarter/filings-rag/internal/archivefetcher"
	"github.com/threeequarter/filings-rag/internal/blobstore"
	"github.com/threeequarter/filings-rag/internal/chunk"
	"github.com/threeequarter/filings-rag/internal/config"
	"github.com/threeequarter/filings-rag/internal/domain"
	"github.com/threeequarter/filings-rag/internal/embed"
	"github.com/threeequarter/filings-rag/internal/extract"
	"github.com/threeequarter/filings-rag/internal/logging"
	"github.com/threeequarter/filings-rag/internal/progressbus"
	"github.com/threeequarter/filings-rag/internal/vectorstore"
)

// Orchestrator wires every external collaborator the five stages need.
type Orchestrator struct {
	blobs    *blobstore.Store
	fetcher  *archivefetcher.Fetcher
	embedder embed.Provider
	vectors  vectorstore.Store
	bus      *progressbus.Bus
	cfg      config.PipelineConfig
	chunking config.ChunkingConfig
	locks    *convLocks
}

// New builds an Orchestrator from its collaborators and configuration.
func New(
	blobs *blobstore.Store,
	fetcher *archivefetcher.Fetcher,
	embedder embed.Provider,
	vectors vectorstore.Store,
	bus *progressbus.Bus,
	cfg config.PipelineConfig,
	chunking config.ChunkingConfig,
) *Orchestrator {
	return &Orchestrator{
		blobs: blobs, fetcher: fetcher, embedder: embedder, vectors: vectors,
		bus: bus, cfg: cfg, chunking: chunking, locks: newConvLocks(),
	}
}

// SetupPipeline creates the initial Pending state, the only write allowed
// to precede a ReadState call in the stage chain (§4.2: "missing file is a
// fatal StateMissing error in any stage other than SetupPipeline").
func (o *Orchestrator) SetupPipeline(conversationID, userID, companyIdentifier string, filingTypes []string) error {
	state := domain.BatchProcessingState{
		ConversationID:    conversationID,
		UserID:            userID,
		CompanyIdentifier: companyIdentifier,
		FilingTypes:       filingTypes,
		Status:            domain.StatusPending,
		CreatedAt:         time.Now(),
	}
	return o.blobs.WriteState(conversationID, state)
}

// milestone is the (start%, end%) progress window for one stage, per
// §4.5's suggested milestones.
type milestone struct{ start, end int }

var milestones = map[domain.IngestionStatus]milestone{
	domain.StatusDownloading:          {10, 20},
	domain.StatusExtracting:           {30, 40},
	domain.StatusChunking:             {50, 60},
	domain.StatusGeneratingEmbeddings: {70, 80},
	domain.StatusPersistingEmbeddings: {90, 100},
}

// Run drives conversationID's pipeline through every stage in strict order
// (§5: "stage N+1 does not begin until stage N has returned successfully"),
// retrying each stage per its configured backoff policy, and returns the
// first stage's terminal error if retries are exhausted.
func (o *Orchestrator) Run(ctx context.Context, conversationID string) error {
	stages := []struct {
		status domain.IngestionStatus
		retry  config.RetryConfig
		run    func(context.Context, string) error
	}{
		{domain.StatusDownloading, o.cfg.Download, o.stageDownload},
		{domain.StatusExtracting, o.cfg.Extract, o.stageExtract},
		{domain.StatusChunking, o.cfg.Chunk, o.stageChunk},
		{domain.StatusGeneratingEmbeddings, o.cfg.Embed, o.stageEmbed},
		{domain.StatusPersistingEmbeddings, o.cfg.Persist, o.stagePersist},
	}

	start := time.Now()
	totalDocs := 0

	for _, st := range stages {
		if err := o.runStage(ctx, conversationID, st.status, st.retry, st.run); err != nil {
			return err
		}
		if st.status == domain.StatusDownloading {
			if state, readErr := o.blobs.ReadState(conversationID); readErr == nil {
				totalDocs = len(state.Documents)
			}
		}
	}

	completedAt := time.Now()
	finalState, err := o.blobs.ReadState(conversationID)
	if err != nil {
		return err
	}
	finalState.Status = domain.StatusCompleted
	finalState.CompletedAt = &completedAt
	if err := o.blobs.WriteState(conversationID, finalState); err != nil {
		return err
	}

	duration := completedAt.Sub(start)
	o.bus.PublishCompletion(conversationID, progressbus.Completion{
		TotalDocuments:      totalDocs,
		SuccessfulDocuments: totalDocs,
		FailedDocuments:     0,
		Duration:            &duration,
		CompletedAt:         completedAt,
	})
	return nil
}

// runStage implements §4.4's per-stage envelope: load state, transition to
// the in-progress status, emit progress, run the retried stage body, and
// on terminal failure write Failed + emit an error event before returning.
func (o *Orchestrator) runStage(ctx context.Context, conversationID string, status domain.IngestionStatus, retry config.RetryConfig, body func(context.Context, string) error) error {
	state, err := o.blobs.ReadState(conversationID)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		return domain.NewError(domain.KindStateCorrupt, "pipeline already in terminal state", nil)
	}
	state.Status = status
	if err := o.blobs.WriteState(conversationID, state); err != nil {
		return err
	}

	m := milestones[status]
	o.bus.PublishProgress(conversationID, progressbus.ProgressUpdate{
		Stage: status, Message: fmt.Sprintf("starting %s", status), ProgressPercent: m.start, Timestamp: time.Now(),
	})

	policy := backoff.BackOff(newFixedSequence(retry.Backoff))
	policy = backoff.WithMaxRetries(policy, uint64(maxInt(retry.MaxAttempts-1, 0)))
	policy = backoff.WithContext(policy, ctx)

	attempt := 0
	runErr := backoff.Retry(func() error {
		attempt++
		logging.Info("pipeline stage %s attempt %d for conversation %s", status, attempt, conversationID)
		return body(ctx, conversationID)
	}, policy)

	if runErr != nil {
		if domain.IsKind(runErr, domain.KindCancelled) || ctx.Err() != nil {
			return runErr
		}
		failState, readErr := o.blobs.ReadState(conversationID)
		if readErr != nil {
			failState = state
		}
		failState.Status = domain.StatusFailed
		failState.ErrorMessage = runErr.Error()
		_ = o.blobs.WriteState(conversationID, failState)

		o.bus.PublishError(conversationID, progressbus.ErrorEvent{
			ErrorMessage: runErr.Error(), Stage: status, Timestamp: time.Now(),
		})
		return runErr
	}

	o.bus.PublishProgress(conversationID, progressbus.ProgressUpdate{
		Stage: status, Message: fmt.Sprintf("completed %s", status), ProgressPercent: m.end, Timestamp: time.Now(),
	})
	return nil
}

// stageDownload is stage 0: resolve and download filings, then persist
// them to the Blob Store and record them in the durable state.
func (o *Orchestrator) stageDownload(ctx context.Context, conversationID string) error {
	state, err := o.blobs.ReadState(conversationID)
	if err != nil {
		return err
	}

	docs, err := o.fetcher.DownloadFilings(ctx, state.CompanyIdentifier, state.FilingTypes)
	if err != nil {
		return domain.NewError(domain.KindProviderFailure, "archive fetcher failed", err)
	}
	if len(docs) == 0 {
		return domain.NewError(domain.KindNoFilingsFound, "no filings found for "+state.CompanyIdentifier, nil)
	}

	if err := o.blobs.PersistRaw(conversationID, docs); err != nil {
		return err
	}

	refs := make([]domain.IngestedDocumentRef, len(docs))
	for i, d := range docs {
		refs[i] = domain.IngestedDocumentRef{
			FileName: d.FileName, FilingType: d.FilingType,
			AccessionNumber: d.AccessionNumber, FilingDate: d.FilingDate,
		}
	}
	state.Documents = refs
	return o.blobs.WriteState(conversationID, state)
}

// stageExtract is stage 1: extract normalized text from every raw file,
// skipping any whose .txt already exists (§4.4's per-file idempotence).
func (o *Orchestrator) stageExtract(ctx context.Context, conversationID string) error {
	names, err := o.blobs.ListRaw(conversationID)
	if err != nil {
		return err
	}
	for _, name := range names {
		select {
		case <-ctx.Done():
			return domain.NewError(domain.KindCancelled, "extract cancelled", ctx.Err())
		default:
		}
		if o.blobs.ExtractedExists(conversationID, name) {
			continue
		}
		content, err := o.blobs.ReadRaw(conversationID, name)
		if err != nil {
			return err
		}
		text, err := extract.Extract(name, content)
		if err != nil {
			return domain.NewError(domain.KindProviderFailure, "extraction failed for "+name, err)
		}
		if err := o.blobs.WriteExtracted(conversationID, name, text); err != nil {
			return err
		}
	}
	return nil
}

// stageChunk is stage 2: whole-artifact skip if chunks.json exists
// (chunking is a pure function of the extracted texts).
func (o *Orchestrator) stageChunk(ctx context.Context, conversationID string) error {
	if o.blobs.ChunksExist(conversationID) {
		return nil
	}

	names, err := o.blobs.ListRaw(conversationID)
	if err != nil {
		return err
	}

	chunker := chunk.New(o.chunking.ChunkSize, o.chunking.ChunkOverlap)
	var all []domain.DocumentChunk

	for _, name := range names {
		select {
		case <-ctx.Done():
			return domain.NewError(domain.KindCancelled, "chunk cancelled", ctx.Err())
		default:
		}
		text, err := o.blobs.ReadExtracted(conversationID, name)
		if err != nil {
			return err
		}
		_, chunks := chunker.Split(text)
		for _, c := range chunks {
			all = append(all, domain.DocumentChunk{
				SourceDocument: name, ChunkIndex: c.Index, Text: c.Text,
				StartOffset: c.StartOffset, EndOffset: c.EndOffset,
			})
		}
	}
	return o.blobs.WriteChunks(conversationID, all)
}

// stageEmbed is stage 3: whole-artifact skip if embeddings.json exists —
// "the stage where money is spent; skipping on retry is the central
// cost-correctness property" (§4.4).
func (o *Orchestrator) stageEmbed(ctx context.Context, conversationID string) error {
	if o.blobs.EmbeddingsExist(conversationID) {
		return nil
	}

	chunks, err := o.blobs.ReadChunks(conversationID)
	if err != nil {
		return err
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, err := o.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return domain.NewError(domain.KindProviderFailure, "embedding provider failed", err)
	}

	embeddings := make([]domain.ChunkEmbedding, len(chunks))
	for i, c := range chunks {
		vec, ok := vectors[c.Text]
		if !ok {
			return domain.NewError(domain.KindProviderFailure, "embedding provider did not return a vector for one chunk", nil)
		}
		embeddings[i] = domain.ChunkEmbedding{DocumentChunk: c, Embedding: vec}
	}
	return o.blobs.WriteEmbeddings(conversationID, embeddings)
}

// stagePersist is stage 4: upsert embedding rows into the Vector Store and
// mark the state Completed by the caller once Run finishes. Serialized by
// the 300 s-TTL per-conversation lock (§4.4).
func (o *Orchestrator) stagePersist(ctx context.Context, conversationID string) error {
	release, err := o.locks.Acquire(ctx, conversationID, o.cfg.PersistLockTTL)
	if err != nil {
		return domain.NewError(domain.KindProviderFailure, "failed to acquire persist lock", err)
	}
	defer release()

	state, err := o.blobs.ReadState(conversationID)
	if err != nil {
		return err
	}
	embeddings, err := o.blobs.ReadEmbeddings(conversationID)
	if err != nil {
		return err
	}

	rows := make([]domain.Embedding, len(embeddings))
	for i, e := range embeddings {
		rows[i] = domain.Embedding{
			ID:                fmt.Sprintf("%s:%s:%d", conversationID, e.SourceDocument, e.ChunkIndex),
			Text:              e.Text,
			Vector:            e.Embedding,
			DocumentID:        e.SourceDocument,
			DocumentTitle:     e.SourceDocument,
			Owner:             domain.OwnerUserDocument,
			UserScope:         state.UserID,
			ConversationScope: conversationID,
			ChunkIndex:        e.ChunkIndex,
			ChunkHash:         chunk.Hash(e.Text),
		}
	}

	if err := o.vectors.UpsertEmbeddings(ctx, rows); err != nil {
		return domain.NewError(domain.KindUniquenessViolation, "vector store upsert failed", err)
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
