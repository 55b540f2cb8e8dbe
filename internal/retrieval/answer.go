package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/threeequarter/filings-rag/internal/chat"
	"github.com/threeequarter/filings-rag/internal/convstore"
	"github.com/threeequarter/filings-rag/internal/domain"
	"github.com/threeequarter/filings-rag/internal/embed"
	"github.com/threeequarter/filings-rag/internal/vectorstore"
)

// mergedChunk is one entry in the §4.6 step 8 merge map, keyed by
// (documentID, text).
type mergedChunk struct {
	DocumentID    string
	DocumentTitle string
	Text          string
	Similarity    float32
	Referenced    bool
}

func mergeKey(documentID, text string) string { return documentID + "\x00" + text }

// mergeResults implements §4.6 step 8: fold adaptive and explicitly
// referenced results into one ordered list keyed by (documentID, text).
// Referenced results always win a key collision regardless of similarity;
// among adaptive-only collisions the higher similarity wins. The output is
// ordered by similarity descending, then by (documentID, text) ascending
// as the deterministic tie-break (§4.6, §8.7). Split out of answer() so it
// can be exercised directly with synthetic similarity values instead of
// needing exact cosine-similarity outputs from a real embedder.
func mergeResults(adaptive, referenced []vectorstore.Result) []mergedChunk {
	merged := make(map[string]mergedChunk)

	for _, r := range referenced {
		key := mergeKey(r.DocumentID, r.Text)
		merged[key] = mergedChunk{
			DocumentID: r.DocumentID, DocumentTitle: r.DocumentTitle,
			Text: r.Text, Similarity: r.Similarity, Referenced: true,
		}
	}

	for _, r := range adaptive {
		key := mergeKey(r.DocumentID, r.Text)
		if existing, ok := merged[key]; ok {
			if existing.Referenced {
				continue // referenced wins, unconditionally
			}
			if r.Similarity > existing.Similarity {
				existing.Similarity = r.Similarity
				merged[key] = existing
			}
			continue
		}
		merged[key] = mergedChunk{DocumentID: r.DocumentID, DocumentTitle: r.DocumentTitle, Text: r.Text, Similarity: r.Similarity}
	}

	mergedList := make([]mergedChunk, 0, len(merged))
	for _, m := range merged {
		mergedList = append(mergedList, m)
	}
	sort.Slice(mergedList, func(i, j int) bool {
		if mergedList[i].Similarity != mergedList[j].Similarity {
			return mergedList[i].Similarity > mergedList[j].Similarity
		}
		if mergedList[i].DocumentID != mergedList[j].DocumentID {
			return mergedList[i].DocumentID < mergedList[j].DocumentID
		}
		return mergedList[i].Text < mergedList[j].Text
	})
	return mergedList
}

// AnswerOrchestrator is the Answer Orchestrator (§4.6): given a user
// message, it classifies intent, selects retrieval parameters, rewrites
// and embeds the query, merges adaptive and explicitly-referenced chunks,
// aggregates per-document sources, and persists the grounded assistant
// reply. Grounded on the teacher's internal/rag/rag_pipeline.go
// (ProcessUserMessage: embed -> search -> build prompt -> chat completion
// -> store response), replacing the teacher's Q&A-pair reranking with the
// spec's adaptive-KNN + referenced-document merge and source aggregation.
type AnswerOrchestrator struct {
	convs       *convstore.Store
	vectors     vectorstore.Store
	embedder    embed.Provider
	chatDefault chat.Provider
	classifier  *Classifier
	strategy    *Strategy
	rewriter    *QueryPreprocessor
}

// NewAnswerOrchestrator wires every collaborator the flow needs.
func NewAnswerOrchestrator(
	convs *convstore.Store,
	vectors vectorstore.Store,
	embedder embed.Provider,
	chatDefault chat.Provider,
	classifier *Classifier,
	strategy *Strategy,
	rewriter *QueryPreprocessor,
) *AnswerOrchestrator {
	return &AnswerOrchestrator{
		convs: convs, vectors: vectors, embedder: embedder, chatDefault: chatDefault,
		classifier: classifier, strategy: strategy, rewriter: rewriter,
	}
}

// Answer implements §4.6 end to end. userMessageID identifies the user
// turn already persisted by the caller (the spec's "the user message has
// already been persisted before entry"); it is excluded from the "history"
// argument passed to the query preprocessor but included in the transcript
// block built for grounding. Any failure is wrapped as a single
// domain.KindQueryFailed error, per §4.6's "single QueryFailed result".
func (a *AnswerOrchestrator) Answer(
	ctx context.Context,
	conversationID, userID, userMessageID, userContent string,
	referencedDocumentIDs []string,
) (domain.Message, error) {
	result, err := a.answer(ctx, conversationID, userID, userMessageID, userContent, referencedDocumentIDs)
	if err != nil {
		return domain.Message{}, domain.NewError(domain.KindQueryFailed, "answer generation failed", err)
	}
	return result, nil
}

func (a *AnswerOrchestrator) answer(
	ctx context.Context,
	conversationID, userID, userMessageID, userContent string,
	referencedDocumentIDs []string,
) (domain.Message, error) {
	// Step 1: history.
	messages, err := a.convs.ListMessages(conversationID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("failed to load conversation history: %w", err)
	}
	var priorMessages []domain.Message
	for _, m := range messages {
		if m.ID == userMessageID {
			break
		}
		priorMessages = append(priorMessages, m)
	}
	priorTranscript := renderTranscript(priorMessages)
	fullTranscript := renderTranscript(messages)

	// Step 2: intent classify.
	intentResult := a.classifier.Classify(ctx, userContent)

	// Step 3: strategy lookup.
	params := a.strategy.Params(intentResult.Intent)

	// Step 4: query rewrite.
	searchQuery := a.rewriter.Rewrite(ctx, userContent, priorTranscript)

	// Step 5: embed.
	queryVec, err := a.embedder.Embed(ctx, searchQuery)
	if err != nil {
		return domain.Message{}, fmt.Errorf("failed to embed query: %w", err)
	}

	// Step 6: referenced chunks, bypassing the similarity threshold.
	var referencedResults []vectorstore.Result
	referencedDocSeen := make(map[string]bool)

	for _, docID := range referencedDocumentIDs {
		referencedDocSeen[docID] = false
		rows, err := a.vectors.GetEmbeddingsByDocument(ctx, docID)
		if err != nil {
			return domain.Message{}, fmt.Errorf("failed to load referenced document %s: %w", docID, err)
		}
		for _, row := range rows {
			referencedResults = append(referencedResults, vectorstore.Result{
				Text: row.Text, DocumentID: row.DocumentID, DocumentTitle: row.DocumentTitle,
				Similarity: vectorstore.CosineSimilarity(queryVec, row.Vector),
			})
			referencedDocSeen[docID] = true
		}
	}

	// Step 7: adaptive KNN.
	scope := &vectorstore.ConversationScope{UserID: userID, ConversationID: conversationID}
	adaptive, err := a.vectors.FindSimilarAdaptive(ctx, queryVec, domain.OwnerUserDocument, params.MaxK, params.MinSimilarity, scope)
	if err != nil {
		return domain.Message{}, fmt.Errorf("failed adaptive retrieval: %w", err)
	}

	// Step 8: merge.
	mergedList := mergeResults(adaptive, referencedResults)

	// Step 9: per-document source aggregation.
	sources := aggregateSources(mergedList, referencedDocumentIDs, referencedDocSeen)

	// Step 10: grounding and generation.
	var answerText string
	if intentResult.Intent == IntentExhaustive {
		answerText, err = a.generateExhaustive(ctx, userContent, fullTranscript, len(sources))
	} else {
		answerText, err = a.generateRegular(ctx, userContent, fullTranscript, mergedList)
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("chat provider failed: %w", err)
	}

	// Step 11: persist.
	assistantMsg := domain.Message{
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		Content:        answerText,
		Sources:        sources,
	}
	stored, err := a.convs.AppendMessage(assistantMsg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("failed to persist assistant message: %w", err)
	}
	if err := a.convs.TouchUpdatedAt(conversationID); err != nil {
		return domain.Message{}, fmt.Errorf("failed to refresh conversation: %w", err)
	}
	return stored, nil
}

// aggregateSources implements §4.6 step 9: group by documentID, record
// chunksUsed/maxSimilarity/documentTitle, add zero-chunk referenced
// documents, order by maxSimilarity descending with documentID ascending
// as tie-break (§4.6's deterministic tie-break rule), and assign Order.
func aggregateSources(mergedList []mergedChunk, referencedDocumentIDs []string, referencedDocSeen map[string]bool) []domain.Source {
	type agg struct {
		documentID    string
		documentTitle string
		chunksUsed    int
		maxSimilarity float32
	}
	order := make([]string, 0)
	byDoc := make(map[string]*agg)

	for _, m := range mergedList {
		a, ok := byDoc[m.DocumentID]
		if !ok {
			a = &agg{documentID: m.DocumentID, documentTitle: m.DocumentTitle, maxSimilarity: m.Similarity}
			byDoc[m.DocumentID] = a
			order = append(order, m.DocumentID)
		}
		a.chunksUsed++
		if m.Similarity > a.maxSimilarity {
			a.maxSimilarity = m.Similarity
		}
	}

	// Every referenced document that yielded zero merged chunks still
	// appears, with chunksUsed=0, similarity=0 (§4.6 step 9, §8.6).
	for _, docID := range referencedDocumentIDs {
		if referencedDocSeen[docID] {
			continue // had at least one row, already folded into byDoc above
		}
		if _, ok := byDoc[docID]; ok {
			continue
		}
		byDoc[docID] = &agg{documentID: docID, documentTitle: docID}
		order = append(order, docID)
	}

	sort.Slice(order, func(i, j int) bool {
		ai, aj := byDoc[order[i]], byDoc[order[j]]
		if ai.maxSimilarity != aj.maxSimilarity {
			return ai.maxSimilarity > aj.maxSimilarity
		}
		return ai.documentID < aj.documentID
	})

	sources := make([]domain.Source, len(order))
	for i, docID := range order {
		a := byDoc[docID]
		sources[i] = domain.Source{
			DocumentID:     a.documentID,
			DocumentTitle:  a.documentTitle,
			RelevanceScore: a.maxSimilarity,
			ChunksUsed:     a.chunksUsed,
			Order:          i,
		}
	}
	return sources
}

const knowledgeBaseHeader = "=== KNOWLEDGE BASE DOCUMENTS ==="
const knowledgeBaseFooter = "=== END KNOWLEDGE BASE DOCUMENTS ==="

// generateRegular implements §4.6 step 10's Regular branch: transcript
// block followed by a descending-similarity chunk block.
func (a *AnswerOrchestrator) generateRegular(ctx context.Context, userContent, transcript string, mergedList []mergedChunk) (string, error) {
	var sb strings.Builder
	sb.WriteString(transcript)
	sb.WriteString("\n\n")
	sb.WriteString(knowledgeBaseHeader)
	sb.WriteString("\n")
	for _, m := range mergedList {
		fmt.Fprintf(&sb, "[%s] (similarity %.3f)\n%s\n\n", m.DocumentTitle, m.Similarity, m.Text)
	}
	sb.WriteString(knowledgeBaseFooter)

	return a.chatDefault.Generate(ctx, userContent, sb.String())
}

// generateExhaustive implements §4.6 step 10's Exhaustive branch: the
// prompt names only the distinct document count, never chunk text, per
// §8.8's testable property.
func (a *AnswerOrchestrator) generateExhaustive(ctx context.Context, userContent, transcript string, documentCount int) (string, error) {
	prompt := fmt.Sprintf(
		"The user asked an exhaustive question. %d distinct document(s) in the knowledge base matched. "+
			"Answer comprehensively using only that count and the conversation history below; no chunk text was provided.\n\nQuestion: %s",
		documentCount, userContent,
	)
	return a.chatDefault.Generate(ctx, prompt, transcript)
}

const transcriptHeader = "=== CONVERSATION HISTORY ==="
const transcriptFooter = "=== END CONVERSATION HISTORY ==="

// renderTranscript implements §4.6 step 1: a labeled transcript bracketed
// by explicit delimiters so the chat provider can't confuse transcript
// content with retrieved document text.
func renderTranscript(messages []domain.Message) string {
	if len(messages) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(transcriptHeader)
	sb.WriteString("\n")
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", strings.ToUpper(string(m.Role)), m.Content)
	}
	sb.WriteString(transcriptFooter)
	return sb.String()
}
