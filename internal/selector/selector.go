// Package selector draws a failover-ordered list of providers for a
// chain, weighted by the current availability-derived weights.
package selector

import (
	"math/rand"

	"github.com/chaingate/rpc-gateway/internal/caip"
	"github.com/chaingate/rpc-gateway/internal/provider"
)

// DefaultMaxAttempts bounds the failover chain length per request.
const DefaultMaxAttempts = 3

// Selector performs weighted sampling without replacement over the
// providers registered for a chain.
type Selector struct {
	registry    *provider.Registry
	weights     provider.WeightSource
	maxAttempts int

	// randInt64N is swapped in tests for deterministic draws.
	randInt64N func(n int64) int64
}

// New builds a selector. maxAttempts ≤ 0 uses the default.
func New(registry *provider.Registry, weights provider.WeightSource, maxAttempts int) *Selector {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Selector{
		registry:    registry,
		weights:     weights,
		maxAttempts: maxAttempts,
		randInt64N:  rand.Int63n,
	}
}

// Candidates returns an ordered failover list for the chain over HTTP,
// at most maxAttempts long, never repeating a kind, and never including
// an excluded kind. Empty when nothing is eligible.
func (s *Selector) Candidates(chain caip.ChainID, excluded map[provider.Kind]bool) []*provider.Provider {
	return s.draw(chain, s.registry.ForChain(chain, s.weights), excluded)
}

// CandidatesWS is Candidates over the WebSocket-capable providers.
func (s *Selector) CandidatesWS(chain caip.ChainID, excluded map[provider.Kind]bool) []*provider.Provider {
	return s.draw(chain, s.registry.ForChainWS(chain, s.weights), excluded)
}

func (s *Selector) draw(chain caip.ChainID, pool []*provider.Provider, excluded map[provider.Kind]bool) []*provider.Provider {
	eligible := pool[:0:0]
	for _, p := range pool {
		if !excluded[p.Kind] {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	w := make([]int64, len(eligible))
	var total int64
	for i, p := range eligible {
		w[i] = int64(s.weights.Weight(chain, p.Kind))
		total += w[i]
	}
	if total == 0 {
		// All weights zero: uniform random order instead of starvation.
		for i := range w {
			w[i] = 1
		}
		total = int64(len(w))
	}

	n := min(len(eligible), s.maxAttempts)
	out := make([]*provider.Provider, 0, n)
	for len(out) < n {
		r := s.randInt64N(total)
		for i, p := range eligible {
			if w[i] == 0 {
				continue
			}
			if r < w[i] {
				out = append(out, p)
				total -= w[i]
				w[i] = 0
				break
			}
			r -= w[i]
		}
		if total == 0 && len(out) < n {
			// Remaining candidates all carry zero weight; append them in
			// base order so the fallback chain stays full.
			for _, p := range eligible {
				if len(out) == n {
					break
				}
				if !contains(out, p) {
					out = append(out, p)
				}
			}
			break
		}
	}
	return out
}

func contains(ps []*provider.Provider, p *provider.Provider) bool {
	for _, q := range ps {
		if q.Kind == p.Kind {
			return true
		}
	}
	return false
}
