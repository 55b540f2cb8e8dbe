package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// convLocks serializes stage 4 (Persist) per conversation, §4.4's "single-
// instance lock keyed on conversationId with a 300 s timeout". A
// process-local map is sufficient for the single-worker-process topology
// assumed by the Vector Store's uniqueness constraint (§5's "Shared-mutable
// resources" note) — multiple worker processes would need a shared
// coordination primitive, the same caveat §9 raises for the Archive
// Fetcher's rate limiter.
type convLocks struct {
	mu    sync.Mutex
	inUse map[string]chan struct{}
}

func newConvLocks() *convLocks {
	return &convLocks{inUse: make(map[string]chan struct{})}
}

// Acquire blocks until conversationID's lock is free or ttl elapses,
// whichever comes first, and returns a release function. Returns an error
// if ctx is cancelled or the TTL expires first.
func (l *convLocks) Acquire(ctx context.Context, conversationID string, ttl time.Duration) (func(), error) {
	deadline := time.Now().Add(ttl)
	for {
		l.mu.Lock()
		ch, busy := l.inUse[conversationID]
		if !busy {
			l.inUse[conversationID] = make(chan struct{})
			l.mu.Unlock()
			return func() {
				l.mu.Lock()
				if c, ok := l.inUse[conversationID]; ok {
					close(c)
					delete(l.inUse, conversationID)
				}
				l.mu.Unlock()
			}, nil
		}
		l.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timed out acquiring persist lock for conversation %s", conversationID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		case <-time.After(remaining):
			return nil, fmt.Errorf("timed out acquiring persist lock for conversation %s", conversationID)
		}
	}
}
