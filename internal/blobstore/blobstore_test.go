package blobstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threeequarter/filings-rag/internal/domain"
)

func TestPersistRaw_IdempotentSkipsExisting(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	docs := []domain.FilingDocument{{FileName: "a.htm", Content: []byte("first")}}
	require.NoError(t, s.PersistRaw("conv-1", docs))

	docs[0].Content = []byte("second") // same filename, different bytes
	require.NoError(t, s.PersistRaw("conv-1", docs))

	content, err := s.ReadRaw("conv-1", "a.htm")
	require.NoError(t, err)
	assert.Equal(t, "first", string(content), "an existing raw file must never be overwritten")
}

func TestWriteState_AtomicNoTempFileLeftBehind(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	now := time.Now()
	state := domain.BatchProcessingState{
		ConversationID: "conv-1", Status: domain.StatusDownloading, CreatedAt: now,
	}
	require.NoError(t, s.WriteState("conv-1", state))

	got, err := s.ReadState("conv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDownloading, got.Status)

	tmpPath := filepath.Join(s.conversationDir("conv-1"), stateFile+".tmp")
	_, statErr := os.Stat(tmpPath)
	assert.True(t, os.IsNotExist(statErr), "no .tmp file should remain after a successful write")
}

func TestReadState_MissingFileIsStateCorrupt(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.ReadState("never-created")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindStateCorrupt))
}

func TestChunksAndEmbeddings_WholeArtifactExistenceGate(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	assert.False(t, s.ChunksExist("conv-1"))
	require.NoError(t, s.WriteChunks("conv-1", []domain.DocumentChunk{{SourceDocument: "a.htm", ChunkIndex: 0, Text: "hi"}}))
	assert.True(t, s.ChunksExist("conv-1"))

	chunks, err := s.ReadChunks("conv-1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hi", chunks[0].Text)

	assert.False(t, s.EmbeddingsExist("conv-1"))
	require.NoError(t, s.WriteEmbeddings("conv-1", []domain.ChunkEmbedding{
		{DocumentChunk: chunks[0], Embedding: []float32{0.1, 0.2}},
	}))
	assert.True(t, s.EmbeddingsExist("conv-1"))
}

func TestExtracted_PerFileIdempotence(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	assert.False(t, s.ExtractedExists("conv-1", "item7.htm"))
	require.NoError(t, s.WriteExtracted("conv-1", "item7.htm", "extracted text"))
	assert.True(t, s.ExtractedExists("conv-1", "item7.htm"))

	text, err := s.ReadExtracted("conv-1", "item7.htm")
	require.NoError(t, err)
	assert.Equal(t, "extracted text", text)
}
