package provider

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/chaingate/rpc-gateway/internal/caip"
)

// ErrChainNotConfigured is returned when no registered provider claims
// the requested chain.
var ErrChainNotConfigured = errors.New("chain not configured")

// WeightSource yields the current selection weight for a (chain, kind)
// pair. Reads must be safe for concurrent use.
type WeightSource interface {
	Weight(chain caip.ChainID, kind Kind) int
}

// Registry holds every provider instance keyed by kind plus the
// chain → kinds indexes for HTTP and WebSocket. It is constructed once
// at startup and immutable thereafter.
type Registry struct {
	providers map[Kind]*Provider
	byChain   map[caip.ChainID][]*Provider
	wsByChain map[caip.ChainID][]*Provider
	logger    *zap.Logger
}

// NewRegistry indexes the given providers. Duplicate kinds are a
// configuration error.
func NewRegistry(providers []*Provider, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		providers: make(map[Kind]*Provider, len(providers)),
		byChain:   make(map[caip.ChainID][]*Provider),
		wsByChain: make(map[caip.ChainID][]*Provider),
		logger:    logger,
	}
	for _, p := range providers {
		if _, dup := r.providers[p.Kind]; dup {
			return nil, fmt.Errorf("duplicate provider kind %q", p.Kind)
		}
		r.providers[p.Kind] = p
		for _, c := range p.Chains() {
			r.byChain[c] = append(r.byChain[c], p)
		}
		for _, c := range p.WSChains() {
			r.wsByChain[c] = append(r.wsByChain[c], p)
		}
	}
	// Deterministic base order before weight sorting.
	for _, idx := range []map[caip.ChainID][]*Provider{r.byChain, r.wsByChain} {
		for _, ps := range idx {
			sort.Slice(ps, func(i, j int) bool { return ps[i].Kind < ps[j].Kind })
		}
	}
	logger.Info("provider registry built",
		zap.Int("providers", len(r.providers)),
		zap.Int("chains", len(r.byChain)),
		zap.Int("ws_chains", len(r.wsByChain)))
	return r, nil
}

// Get returns the provider for a kind. Absence is a programmer error.
func (r *Registry) Get(kind Kind) *Provider {
	p, ok := r.providers[kind]
	if !ok {
		panic(fmt.Sprintf("provider kind %q not registered", kind))
	}
	return p
}

// SupportsChain reports whether any provider serves the chain over HTTP.
func (r *Registry) SupportsChain(chain caip.ChainID) bool {
	return len(r.byChain[chain]) > 0
}

// SupportsChainWS reports whether any provider serves the chain over
// WebSocket.
func (r *Registry) SupportsChainWS(chain caip.ChainID) bool {
	return len(r.wsByChain[chain]) > 0
}

// ForChain returns the providers serving the chain over HTTP, ordered by
// current weight, highest first. Empty if the chain is unsupported.
func (r *Registry) ForChain(chain caip.ChainID, weights WeightSource) []*Provider {
	return orderByWeight(chain, r.byChain[chain], weights)
}

// ForChainWS is ForChain over the WebSocket index.
func (r *Registry) ForChainWS(chain caip.ChainID, weights WeightSource) []*Provider {
	return orderByWeight(chain, r.wsByChain[chain], weights)
}

func orderByWeight(chain caip.ChainID, ps []*Provider, weights WeightSource) []*Provider {
	out := make([]*Provider, len(ps))
	copy(out, ps)
	if weights == nil {
		return out
	}
	sort.SliceStable(out, func(i, j int) bool {
		return weights.Weight(chain, out[i].Kind) > weights.Weight(chain, out[j].Kind)
	})
	return out
}

// Chains returns the sorted union of chains served over HTTP.
func (r *Registry) Chains() []caip.ChainID {
	return sortedChains(r.byChain)
}

// WSChains returns the sorted union of chains served over WebSocket.
func (r *Registry) WSChains() []caip.ChainID {
	return sortedChains(r.wsByChain)
}

// ChainIndex returns chain → kinds for the HTTP index, used to size the
// weight table at startup.
func (r *Registry) ChainIndex() map[caip.ChainID][]Kind {
	out := make(map[caip.ChainID][]Kind, len(r.byChain))
	for c, ps := range r.byChain {
		kinds := make([]Kind, len(ps))
		for i, p := range ps {
			kinds[i] = p.Kind
		}
		out[c] = kinds
	}
	return out
}

func sortedChains(idx map[caip.ChainID][]*Provider) []caip.ChainID {
	out := make([]caip.ChainID, 0, len(idx))
	for c := range idx {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
