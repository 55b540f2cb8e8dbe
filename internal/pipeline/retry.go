package pipeline

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// fixedSequence replays a configured list of backoff durations verbatim,
// one per retry, then signals backoff.Stop. Spec §4.4's stage table names
// exact per-attempt delays (e.g. "30/60/120 s") rather than a multiplier,
// so a cenkalti/backoff.BackOff that walks a fixed slice fits the spec
// better than ExponentialBackOff while still plugging into the library's
// Retry harness and its context/max-retries wrappers.
type fixedSequence struct {
	delays []time.Duration
	idx    int
}

func newFixedSequence(delays []time.Duration) *fixedSequence {
	return &fixedSequence{delays: delays}
}

func (f *fixedSequence) NextBackOff() time.Duration {
	if f.idx >= len(f.delays) {
		return backoff.Stop
	}
	d := f.delays[f.idx]
	f.idx++
	return d
}

func (f *fixedSequence) Reset() { f.idx = 0 }
