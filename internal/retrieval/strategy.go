package retrieval

import "github.com/threeequarter/filings-rag/internal/config"

// Params is the (maxK, minSimilarity) pair an Intent maps to. MaxK <= 0
// means unlimited, the spec's "∞" for Exhaustive mode.
type Params struct {
	MaxK          int
	MinSimilarity float32
}

// Strategy is the pure, side-effect-free intent -> retrieval-parameters
// lookup described in §4.8.
type Strategy struct {
	regular    Params
	exhaustive Params
}

// NewStrategy builds a Strategy from the service's retrieval config.
func NewStrategy(cfg config.RetrievalConfig) *Strategy {
	return &Strategy{
		regular:    Params{MaxK: cfg.Regular.MaxK, MinSimilarity: cfg.Regular.MinSimilarity},
		exhaustive: Params{MaxK: cfg.Exhaustive.MaxK, MinSimilarity: cfg.Exhaustive.MinSimilarity},
	}
}

// Params returns intent's retrieval parameters.
func (s *Strategy) Params(intent Intent) Params {
	if intent == IntentExhaustive {
		return s.exhaustive
	}
	return s.regular
}
