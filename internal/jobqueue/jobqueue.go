// Package jobqueue is the durable connective tissue spec §5 assumes but
// does not name: "work units are persisted before enqueue" and "multiple
// workers may be active across conversations". It gives cmd/ingestd
// something concrete to drain. Grounded on the teacher's BadgerStore
// convention of one bucket-prefixed key space per concern
// (internal/vector/badger.go's rowPrefix/docIdxPrefix idiom), extended
// here with a pending-queue prefix plus a claimed-set prefix so a crashed
// worker's claim can be recovered by a later poll.
package jobqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/threeequarter/filings-rag/internal/domain"
)

const (
	pendingPrefix = "pending:"
	claimedPrefix = "claimed:"
)

// Job is one durable unit of ingestion work: a conversation waiting for
// its pipeline to run.
type Job struct {
	ID             string
	ConversationID string
	State          domain.BatchProcessingState
	EnqueuedAt     time.Time
	ClaimedAt      *time.Time
}

// Queue is a badger-backed FIFO of ingestion jobs, durable across process
// restarts per §5's "work units are persisted before enqueue".
type Queue struct {
	db *badger.DB
	mu sync.Mutex
}

// Open opens (creating if absent) the job queue database at path.
func Open(path string) (*Queue, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create job queue directory: %w", err)
	}
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open job queue: %w", err)
	}
	return &Queue{db: db}, nil
}

// Enqueue persists a new job for conversationID ahead of any worker
// picking it up. Returns the generated job id.
func (q *Queue) Enqueue(state domain.BatchProcessingState) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := Job{
		ID:             uuid.New().String(),
		ConversationID: state.ConversationID,
		State:          state,
		EnqueuedAt:     time.Now(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(pendingPrefix+job.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job.ID, nil
}

// Claim atomically moves the oldest pending job (by EnqueuedAt) into the
// claimed set and returns it. Returns ok=false when the queue is empty.
// Concurrent callers within the process are serialized by q.mu and the
// move happens inside one badger transaction, so each gets a distinct job.
// Badger opens a database directory for one process only, so the queue is
// not shared between worker processes.
func (q *Queue) Claim() (Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var job Job
	var found bool

	err := q.db.Update(func(txn *badger.Txn) error {
		var pending []Job
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pendingPrefix)
		it := txn.NewIterator(opts)
		for it.Seek([]byte(pendingPrefix)); it.ValidForPrefix([]byte(pendingPrefix)); it.Next() {
			var j Job
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &j) }); err != nil {
				it.Close()
				return err
			}
			pending = append(pending, j)
		}
		it.Close()

		if len(pending) == 0 {
			return nil
		}
		sort.Slice(pending, func(i, k int) bool { return pending[i].EnqueuedAt.Before(pending[k].EnqueuedAt) })

		job = pending[0]
		now := time.Now()
		job.ClaimedAt = &now
		found = true

		if err := txn.Delete([]byte(pendingPrefix + job.ID)); err != nil {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return txn.Set([]byte(claimedPrefix+job.ID), data)
	})
	if err != nil {
		return Job{}, false, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, found, nil
}

// Complete removes a claimed job once its pipeline run has reached a
// terminal state (Completed or Failed). Leaving it claimed-but-undeleted
// on any other return path lets a recovery sweep (RequeueStale) find it.
func (q *Queue) Complete(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(claimedPrefix + jobID))
	})
}

// RequeueStale moves every claimed job whose ClaimedAt is older than
// maxClaimAge back into the pending set, recovering from a worker that
// crashed mid-run. The underlying pipeline run is safe to restart because
// every stage is independently resumable (§4.4, §8.2).
func (q *Queue) RequeueStale(maxClaimAge time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-maxClaimAge)
	var requeued int

	err := q.db.Update(func(txn *badger.Txn) error {
		var stale []Job
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(claimedPrefix)
		it := txn.NewIterator(opts)
		for it.Seek([]byte(claimedPrefix)); it.ValidForPrefix([]byte(claimedPrefix)); it.Next() {
			var j Job
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &j) }); err != nil {
				it.Close()
				return err
			}
			if j.ClaimedAt != nil && j.ClaimedAt.Before(cutoff) {
				stale = append(stale, j)
			}
		}
		it.Close()

		for _, j := range stale {
			j.ClaimedAt = nil
			data, err := json.Marshal(j)
			if err != nil {
				return err
			}
			if err := txn.Delete([]byte(claimedPrefix + j.ID)); err != nil {
				return err
			}
			if err := txn.Set([]byte(pendingPrefix+j.ID), data); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	return requeued, nil
}

// Depth reports the number of pending (unclaimed) jobs, surfaced on the
// worker daemon's /healthz endpoint.
func (q *Queue) Depth() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pendingPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(pendingPrefix)); it.ValidForPrefix([]byte(pendingPrefix)); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (q *Queue) Close() error {
	return q.db.Close()
}
