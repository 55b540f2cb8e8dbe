package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threeequarter/filings-rag/internal/domain"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueClaim_FIFOOrder(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.Enqueue(domain.BatchProcessingState{ConversationID: "conv-1"})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = q.Enqueue(domain.BatchProcessingState{ConversationID: "conv-2"})
	require.NoError(t, err)

	job, ok, err := q.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "conv-1", job.ConversationID, "oldest enqueued job must be claimed first")

	job2, ok, err := q.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "conv-2", job2.ConversationID)

	_, ok, err = q.Claim()
	require.NoError(t, err)
	assert.False(t, ok, "empty queue must report no job available")
}

func TestComplete_RemovesClaimedJob(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.Enqueue(domain.BatchProcessingState{ConversationID: "conv-1"})
	require.NoError(t, err)

	job, ok, err := q.Claim()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, job.ID)

	require.NoError(t, q.Complete(job.ID))

	requeued, err := q.RequeueStale(0)
	require.NoError(t, err)
	assert.Zero(t, requeued, "a completed job must not be found by a stale sweep")
}

func TestRequeueStale_RecoversCrashedClaim(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(domain.BatchProcessingState{ConversationID: "conv-1"})
	require.NoError(t, err)

	_, ok, err := q.Claim()
	require.NoError(t, err)
	require.True(t, ok)

	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth, "a claimed job is not pending")

	requeued, err := q.RequeueStale(0)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	depth, err = q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "a requeued job becomes pending again")
}
