// Package blobstore is the Blob Store external collaborator (spec §4.2): a
// hierarchical, conversation-scoped staging directory with atomic writes
// and idempotent per-stage artifacts, sitting between every pair of
// pipeline stages. Grounded on the teacher's BadgerStore chat-directory
// convention (one subdirectory per conversation under a configured base)
// generalized from a single metadata.json into the five-stage artifact
// layout the spec's Pipeline Orchestrator reads and writes.
package blobstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/threeequarter/filings-rag/internal/domain"
)

const (
	rawDir       = "raw"
	extractedDir = "extracted"
	chunksDir    = "chunks"
	embeddingDir = "embeddings"
	chunksFile   = "chunks.json"
	embeddingsFile = "embeddings.json"
	stateFile    = "status.json"
)

// Store is the atomic, conversation-scoped staging area described in §4.2.
type Store struct {
	baseDir string
}

// New builds a Store rooted at baseDir, creating it if absent.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob store base directory: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) conversationDir(conversationID string) string {
	return filepath.Join(s.baseDir, conversationID)
}

func (s *Store) rawPath(conversationID, fileName string) string {
	return filepath.Join(s.conversationDir(conversationID), rawDir, fileName)
}

func (s *Store) extractedPath(conversationID, fileName string) string {
	base := fileName[:len(fileName)-len(filepath.Ext(fileName))]
	return filepath.Join(s.conversationDir(conversationID), extractedDir, base+".txt")
}

func (s *Store) chunksPath(conversationID string) string {
	return filepath.Join(s.conversationDir(conversationID), chunksDir, chunksFile)
}

func (s *Store) embeddingsPath(conversationID string) string {
	return filepath.Join(s.conversationDir(conversationID), embeddingDir, embeddingsFile)
}

func (s *Store) statePath(conversationID string) string {
	return filepath.Join(s.conversationDir(conversationID), stateFile)
}

// writeAtomic implements the write-to-tmp-then-rename rule every stage
// artifact follows (§4.2, §8.3). The temp file is best-effort removed on
// any failure path.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file into place for %s: %w", path, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// PersistRaw writes each filing to raw/{fileName}, skipping any file that
// already exists (§4.2's idempotence rule for stage 0).
func (s *Store) PersistRaw(conversationID string, documents []domain.FilingDocument) error {
	for _, doc := range documents {
		path := s.rawPath(conversationID, doc.FileName)
		if exists(path) {
			continue
		}
		if err := writeAtomic(path, doc.Content); err != nil {
			return err
		}
	}
	return nil
}

// ListRaw returns the file names currently staged under raw/, sorted for
// deterministic stage processing order.
func (s *Store) ListRaw(conversationID string) ([]string, error) {
	dir := filepath.Join(s.conversationDir(conversationID), rawDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list raw documents: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadRaw returns one raw document's bytes.
func (s *Store) ReadRaw(conversationID, fileName string) ([]byte, error) {
	return os.ReadFile(s.rawPath(conversationID, fileName))
}

// ExtractedExists reports whether fileName's extracted text has already
// been written, the per-file idempotence check for stage 1.
func (s *Store) ExtractedExists(conversationID, fileName string) bool {
	return exists(s.extractedPath(conversationID, fileName))
}

// WriteExtracted atomically writes one raw file's extracted text.
func (s *Store) WriteExtracted(conversationID, fileName, text string) error {
	return writeAtomic(s.extractedPath(conversationID, fileName), []byte(text))
}

// ReadExtracted reads fileName's extracted text.
func (s *Store) ReadExtracted(conversationID, fileName string) (string, error) {
	data, err := os.ReadFile(s.extractedPath(conversationID, fileName))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ChunksExist reports whether chunks.json has been written (§4.4 stage 2's
// whole-artifact skip).
func (s *Store) ChunksExist(conversationID string) bool {
	return exists(s.chunksPath(conversationID))
}

// WriteChunks atomically writes the full chunk list.
func (s *Store) WriteChunks(conversationID string, chunks []domain.DocumentChunk) error {
	data, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("failed to marshal chunks: %w", err)
	}
	return writeAtomic(s.chunksPath(conversationID), data)
}

// ReadChunks reads the chunk list written by stage 2.
func (s *Store) ReadChunks(conversationID string) ([]domain.DocumentChunk, error) {
	data, err := os.ReadFile(s.chunksPath(conversationID))
	if err != nil {
		return nil, err
	}
	var chunks []domain.DocumentChunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, fmt.Errorf("failed to parse chunks.json: %w", err)
	}
	return chunks, nil
}

// EmbeddingsExist reports whether embeddings.json has been written (§4.4
// stage 3's whole-artifact skip — "the stage where money is spent").
func (s *Store) EmbeddingsExist(conversationID string) bool {
	return exists(s.embeddingsPath(conversationID))
}

// WriteEmbeddings atomically writes the full chunk-embedding list.
func (s *Store) WriteEmbeddings(conversationID string, embeddings []domain.ChunkEmbedding) error {
	data, err := json.Marshal(embeddings)
	if err != nil {
		return fmt.Errorf("failed to marshal embeddings: %w", err)
	}
	return writeAtomic(s.embeddingsPath(conversationID), data)
}

// ReadEmbeddings reads the chunk-embedding list written by stage 3.
func (s *Store) ReadEmbeddings(conversationID string) ([]domain.ChunkEmbedding, error) {
	data, err := os.ReadFile(s.embeddingsPath(conversationID))
	if err != nil {
		return nil, err
	}
	var embeddings []domain.ChunkEmbedding
	if err := json.Unmarshal(data, &embeddings); err != nil {
		return nil, fmt.Errorf("failed to parse embeddings.json: %w", err)
	}
	return embeddings, nil
}

// StateExists reports whether status.json has been written.
func (s *Store) StateExists(conversationID string) bool {
	return exists(s.statePath(conversationID))
}

// WriteState atomically (re)writes the durable pipeline state, the
// canonical record per §4.2.
func (s *Store) WriteState(conversationID string, state domain.BatchProcessingState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline state: %w", err)
	}
	return writeAtomic(s.statePath(conversationID), data)
}

// ReadState reads the durable pipeline state. A missing file is a fatal
// StateCorrupt error for every caller except the stage that creates it
// (SetupPipeline), which writes instead of reading.
func (s *Store) ReadState(conversationID string) (domain.BatchProcessingState, error) {
	var state domain.BatchProcessingState

	data, err := os.ReadFile(s.statePath(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return state, domain.NewError(domain.KindStateCorrupt, "pipeline state file missing", err)
		}
		return state, domain.NewError(domain.KindStateCorrupt, "failed to read pipeline state", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, domain.NewError(domain.KindStateCorrupt, "failed to parse pipeline state", err)
	}
	return state, nil
}
