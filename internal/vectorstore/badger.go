package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/threeequarter/filings-rag/internal/domain"
)

const (
	rowPrefix    = "row:"
	docIdxPrefix = "docidx:"
)

// BadgerStore is the production Store, adapted from the teacher's
// internal/vector/BadgerStore (one-DB-per-chat, message-keyed) into a
// single database holding every (owner, userScope, conversationScope,
// document, chunkIndex) row, per §3's uniqueness invariant and §4.9's
// query set. An in-memory HNSWIndex mirrors the rows for the unconstrained
// top-K queries (FindSimilarAllSystem / FindSimilarInConversation);
// FindSimilarAdaptive scans exactly, since its hard similarity threshold is
// a correctness-bearing property (§8.5, §8.7) rather than a latency one.
type BadgerStore struct {
	db   *badger.DB
	hnsw *HNSWIndex
	mu   sync.RWMutex
}

// NewBadgerStore opens (creating if absent) the vector database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create vector store directory: %w", err)
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}

	s := &BadgerStore{db: db, hnsw: NewHNSWIndex(DefaultHNSWConfig())}
	if err := s.rebuildIndex(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to rebuild vector index: %w", err)
	}
	return s, nil
}

func rowKey(owner domain.OwnerKind, userScope, conversationScope, documentID string, chunkIndex int) string {
	return fmt.Sprintf("%s%s|%s|%s|%s|%08d", rowPrefix, owner, userScope, conversationScope, documentID, chunkIndex)
}

func docIndexKey(documentID, rowKey string) string {
	return fmt.Sprintf("%s%s|%s", docIdxPrefix, documentID, rowKey)
}

func (s *BadgerStore) rebuildIndex() error {
	s.hnsw.Clear()
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(rowPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(rowPrefix)); it.ValidForPrefix([]byte(rowPrefix)); it.Next() {
			item := it.Item()
			key := string(item.Key())
			err := item.Value(func(val []byte) error {
				var e domain.Embedding
				if err := json.Unmarshal(val, &e); err != nil {
					return err
				}
				s.hnsw.Add(key, e.Vector, rowMeta{
					Owner:             e.Owner,
					UserScope:         e.UserScope,
					ConversationScope: e.ConversationScope,
					DocumentID:        e.DocumentID,
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func groupKey(e domain.Embedding) string {
	return fmt.Sprintf("%s|%s|%s|%s", e.Owner, e.UserScope, e.ConversationScope, e.DocumentID)
}

// UpsertEmbeddings implements the group-by-(owner,userScope,conversationScope,
// documentId) upsert described in §4.9.
func (s *BadgerStore) UpsertEmbeddings(ctx context.Context, items []domain.Embedding) error {
	groups := make(map[string][]domain.Embedding)
	for _, e := range items {
		groups[groupKey(e)] = append(groups[groupKey(e)], e)
	}
	return s.upsertGroups(ctx, groups)
}

// UpsertDocumentEmbeddings groups only by documentId, for bulk corpus
// loads that don't carry a single owner/scope.
func (s *BadgerStore) UpsertDocumentEmbeddings(ctx context.Context, items []domain.Embedding) error {
	groups := make(map[string][]domain.Embedding)
	for _, e := range items {
		groups[e.DocumentID] = append(groups[e.DocumentID], e)
	}
	return s.upsertGroups(ctx, groups)
}

func (s *BadgerStore) upsertGroups(ctx context.Context, groups map[string][]domain.Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	return s.db.Update(func(txn *badger.Txn) error {
		for _, items := range groups {
			if len(items) == 0 {
				continue
			}
			existing, err := s.preloadGroup(txn, items)
			if err != nil {
				return err
			}

			for _, incoming := range items {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}

				key := rowKey(incoming.Owner, incoming.UserScope, incoming.ConversationScope, incoming.DocumentID, incoming.ChunkIndex)
				prior, had := existing[incoming.ChunkIndex]

				if had && prior.ChunkHash == incoming.ChunkHash {
					continue // content-addressed no-op, per §3 mutation rule
				}

				row := incoming
				row.CreatedAt = now
				if had {
					row.CreatedAt = prior.CreatedAt
				}
				row.UpdatedAt = now

				data, err := json.Marshal(row)
				if err != nil {
					return fmt.Errorf("failed to marshal embedding row: %w", err)
				}
				if err := txn.Set([]byte(key), data); err != nil {
					return err
				}
				if err := txn.Set([]byte(docIndexKey(row.DocumentID, key)), nil); err != nil {
					return err
				}

				if had {
					s.hnsw.Remove(key)
				}
				s.hnsw.Add(key, row.Vector, rowMeta{
					Owner:             row.Owner,
					UserScope:         row.UserScope,
					ConversationScope: row.ConversationScope,
					DocumentID:        row.DocumentID,
				})
			}
		}
		return nil
	})
}

// preloadGroup reads every existing row sharing a chunkIndex with one of
// items, keyed by chunkIndex, via each item's own (owner, scope, document)
// prefix; the document-only grouping variant uses the same prefixes, not
// the document secondary index.
func (s *BadgerStore) preloadGroup(txn *badger.Txn, items []domain.Embedding) (map[int]domain.Embedding, error) {
	existing := make(map[int]domain.Embedding)
	seenPrefix := make(map[string]bool)

	for _, incoming := range items {
		prefix := fmt.Sprintf("%s%s|%s|%s|%s|", rowPrefix, incoming.Owner, incoming.UserScope, incoming.ConversationScope, incoming.DocumentID)
		if seenPrefix[prefix] {
			continue
		}
		seenPrefix[prefix] = true

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e domain.Embedding
				if err := json.Unmarshal(val, &e); err != nil {
					return err
				}
				existing[e.ChunkIndex] = e
				return nil
			})
			if err != nil {
				it.Close()
				return nil, err
			}
		}
		it.Close()
	}
	return existing, nil
}

// GetEmbeddingsByDocument returns every row for documentID across all
// owners/scopes, via the document secondary index.
func (s *BadgerStore) GetEmbeddingsByDocument(ctx context.Context, documentID string) ([]domain.Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []domain.Embedding
	prefix := fmt.Sprintf("%s%s|", docIdxPrefix, documentID)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			idxKey := string(it.Item().Key())
			rk := idxKey[len(prefix):]
			item, err := txn.Get([]byte(rk))
			if err != nil {
				continue // row deleted, index entry stale
			}
			err = item.Value(func(val []byte) error {
				var e domain.Embedding
				if err := json.Unmarshal(val, &e); err != nil {
					return err
				}
				rows = append(rows, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read document embeddings: %w", err)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].ChunkIndex < rows[j].ChunkIndex })
	return rows, nil
}

func (s *BadgerStore) rowByKey(txn *badger.Txn, key string) (domain.Embedding, bool) {
	var e domain.Embedding
	item, err := txn.Get([]byte(key))
	if err != nil {
		return e, false
	}
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
		return e, false
	}
	return e, true
}

// FindSimilarAllSystem implements §4.9's system-wide top-K query.
func (s *BadgerStore) FindSimilarAllSystem(ctx context.Context, queryVec []float32, topK int) ([]Result, error) {
	return s.hnswQuery(queryVec, topK, func(m rowMeta) bool {
		return m.Owner == domain.OwnerUserDocument
	})
}

// FindSimilarInConversation implements §4.9's user/conversation-scoped
// top-K query.
func (s *BadgerStore) FindSimilarInConversation(ctx context.Context, queryVec []float32, scope ConversationScope, topK int) ([]Result, error) {
	return s.hnswQuery(queryVec, topK, func(m rowMeta) bool {
		if m.Owner != domain.OwnerUserDocument || m.UserScope != scope.UserID {
			return false
		}
		return scope.ConversationID == "" || m.ConversationScope == scope.ConversationID
	})
}

func (s *BadgerStore) hnswQuery(queryVec []float32, topK int, filter func(rowMeta) bool) ([]Result, error) {
	s.mu.RLock()
	keys := s.hnsw.Search(queryVec, topK, filter)
	s.mu.RUnlock()

	results := make([]Result, 0, len(keys))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, k := range keys {
			e, ok := s.rowByKey(txn, k)
			if !ok {
				continue
			}
			results = append(results, Result{
				Text:          e.Text,
				DocumentID:    e.DocumentID,
				DocumentTitle: e.DocumentTitle,
				Similarity:    CosineSimilarity(queryVec, e.Vector),
			})
		}
		return nil
	})
	return results, err
}

// FindSimilarAdaptive implements §4.9's adaptive-retrieval query with an
// exact (non-approximate) scan: the similarity threshold is a correctness
// property (§8.5/§8.7), not a latency one, so approximation error here
// would leak into observable retrieval behavior.
func (s *BadgerStore) FindSimilarAdaptive(ctx context.Context, queryVec []float32, owner domain.OwnerKind, maxK int, minSimilarity float32, scope *ConversationScope) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Result
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(rowPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(rowPrefix)); it.ValidForPrefix([]byte(rowPrefix)); it.Next() {
			var e domain.Embedding
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				return err
			}
			if e.Owner != owner {
				continue
			}
			if scope != nil {
				if e.UserScope != scope.UserID {
					continue
				}
				if scope.ConversationID != "" && e.ConversationScope != scope.ConversationID {
					continue
				}
			}

			sim := CosineSimilarity(queryVec, e.Vector)
			if sim < minSimilarity {
				continue
			}
			results = append(results, Result{
				Text:          e.Text,
				DocumentID:    e.DocumentID,
				DocumentTitle: e.DocumentTitle,
				Similarity:    sim,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		if results[i].DocumentID != results[j].DocumentID {
			return results[i].DocumentID < results[j].DocumentID
		}
		return results[i].Text < results[j].Text
	})

	if maxK > 0 && len(results) > maxK {
		results = results[:maxK]
	}
	return results, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
