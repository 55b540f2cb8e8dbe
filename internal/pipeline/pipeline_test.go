package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threeequarter/filings-rag/internal/archivefetcher"
	"github.com/threeequarter/filings-rag/internal/blobstore"
	"github.com/threeequarter/filings-rag/internal/config"
	"github.com/threeequarter/filings-rag/internal/domain"
	"github.com/threeequarter/filings-rag/internal/progressbus"
	"github.com/threeequarter/filings-rag/internal/vectorstore"
)

// fakeEmbedder returns a deterministic vector per text, avoiding a real
// embedding provider in pipeline tests.
type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 0.1, 0.2}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) (map[string][]float32, error) {
	f.calls++
	out := make(map[string][]float32, len(texts))
	for _, t := range texts {
		out[t] = []float32{float32(len(t)), 0.1, 0.2}
	}
	return out, nil
}

func testArchiveServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tickers.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"0":{"cik_str":320193,"ticker":"AAPL","title":"Apple Inc."}}`)
	})
	mux.HandleFunc("/submissions/CIK0000320193.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"filings":{"recent":{
			"form":["10-K"],
			"accessionNumber":["0000320193-24-000001"],
			"filingDate":["2024-11-01"],
			"primaryDocument":["a.txt"]
		}}}`)
	})
	mux.HandleFunc("/archive/320193/000032019324000001/a.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Item 1. Business. Revenue grew year over year across all reportable segments.")
	})
	return httptest.NewServer(mux)
}

func testOrchestrator(t *testing.T, srv *httptest.Server) (*Orchestrator, *blobstore.Store, vectorstore.Store) {
	t.Helper()

	blobs, err := blobstore.New(t.TempDir())
	require.NoError(t, err)

	fetcher := archivefetcher.New(config.ArchiveConfig{
		TickerIndexURL:     srv.URL + "/tickers.json",
		SubmissionsBaseURL: srv.URL + "/submissions",
		ArchiveBaseURL:     srv.URL + "/archive",
		UserAgent:          "PipelineTest/1.0 (test@example.com)",
		MinRequestInterval: time.Millisecond,
		RequestTimeout:     5 * time.Second,
	})

	vectors, err := vectorstore.NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	bus := progressbus.New()
	fastRetry := config.RetryConfig{MaxAttempts: 3, Backoff: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}}
	pcfg := config.PipelineConfig{
		Download: fastRetry, Extract: fastRetry, Chunk: fastRetry, Embed: fastRetry, Persist: fastRetry,
		PersistLockTTL: 5 * time.Second,
	}

	orch := New(blobs, fetcher, &fakeEmbedder{}, vectors, bus, pcfg, config.ChunkingConfig{ChunkSize: 1000, ChunkOverlap: 50})
	return orch, blobs, vectors
}

func TestRun_FreshIngestionSingleTicker(t *testing.T) {
	srv := testArchiveServer(t)
	defer srv.Close()

	orch, blobs, vectors := testOrchestrator(t, srv)
	const convID = "conv-a"

	require.NoError(t, orch.SetupPipeline(convID, "user-1", "AAPL", []string{"10-K"}))
	require.NoError(t, orch.Run(context.Background(), convID))

	state, err := blobs.ReadState(convID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, state.Status)
	require.Len(t, state.Documents, 1)

	raw, err := blobs.ListRaw(convID)
	require.NoError(t, err)
	assert.Len(t, raw, 1)

	chunks, err := blobs.ReadChunks(convID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(chunks), 1)

	embeddings, err := blobs.ReadEmbeddings(convID)
	require.NoError(t, err)
	assert.Equal(t, len(chunks), len(embeddings))

	rows, err := vectors.GetEmbeddingsByDocument(context.Background(), chunks[0].SourceDocument)
	require.NoError(t, err)
	assert.Equal(t, len(chunks), len(rows))
}

func TestRun_SecondRunIsNoOp(t *testing.T) {
	srv := testArchiveServer(t)
	defer srv.Close()

	orch, blobs, vectors := testOrchestrator(t, srv)
	const convID = "conv-b"

	require.NoError(t, orch.SetupPipeline(convID, "user-1", "AAPL", []string{"10-K"}))
	require.NoError(t, orch.Run(context.Background(), convID))

	chunks, err := blobs.ReadChunks(convID)
	require.NoError(t, err)
	rowsBefore, err := vectors.GetEmbeddingsByDocument(context.Background(), chunks[0].SourceDocument)
	require.NoError(t, err)
	updatedAtBefore := rowsBefore[0].UpdatedAt

	// Re-run against a state that is already Completed is refused by
	// runStage's terminal-state guard; instead simulate a resumed run by
	// resetting status and re-invoking, to exercise the per-stage
	// whole-artifact skips (§8.1/§8.2).
	state, err := blobs.ReadState(convID)
	require.NoError(t, err)
	state.Status = domain.StatusPending
	state.CompletedAt = nil
	require.NoError(t, blobs.WriteState(convID, state))

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, orch.Run(context.Background(), convID))

	rowsAfter, err := vectors.GetEmbeddingsByDocument(context.Background(), chunks[0].SourceDocument)
	require.NoError(t, err)
	require.Len(t, rowsAfter, len(rowsBefore))
	assert.True(t, rowsAfter[0].UpdatedAt.Equal(updatedAtBefore),
		"re-running an already-ingested conversation must not rewrite unchanged rows")
}

func TestRun_NoFilingsFoundFailsState(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tickers.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"0":{"cik_str":999,"ticker":"ZZZZ","title":"Nothing Inc."}}`)
	})
	mux.HandleFunc("/submissions/CIK0000000999.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"filings":{"recent":{"form":[],"accessionNumber":[],"filingDate":[],"primaryDocument":[]}}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	orch, blobs, _ := testOrchestrator(t, srv)
	const convID = "conv-c"

	require.NoError(t, orch.SetupPipeline(convID, "user-1", "ZZZZ", []string{"10-K"}))
	err := orch.Run(context.Background(), convID)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNoFilingsFound))

	state, err := blobs.ReadState(convID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, state.Status)
	assert.NotEmpty(t, state.ErrorMessage)
}
