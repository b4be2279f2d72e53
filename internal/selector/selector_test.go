package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chaingate/rpc-gateway/internal/caip"
	"github.com/chaingate/rpc-gateway/internal/provider"
)

var eth = caip.MustChainID("eip155:1")

type staticWeights map[provider.Kind]int

func (s staticWeights) Weight(_ caip.ChainID, kind provider.Kind) int { return s[kind] }

func newProvider(kind provider.Kind) *provider.Provider {
	chain := eth
	return provider.NewProvider(kind, string(kind),
		map[caip.ChainID]string{chain: "https://" + string(kind) + ".example"},
		map[caip.ChainID]string{chain: "wss://" + string(kind) + ".example"},
		nil)
}

func newRegistry(t *testing.T, kinds ...provider.Kind) *provider.Registry {
	t.Helper()
	ps := make([]*provider.Provider, len(kinds))
	for i, k := range kinds {
		ps[i] = newProvider(k)
	}
	reg, err := provider.NewRegistry(ps, zap.NewNop())
	require.NoError(t, err)
	return reg
}

func kindsOf(ps []*provider.Provider) []provider.Kind {
	out := make([]provider.Kind, len(ps))
	for i, p := range ps {
		out[i] = p.Kind
	}
	return out
}

func TestCandidatesClosure(t *testing.T) {
	reg := newRegistry(t, provider.KindInfura, provider.KindPokt, provider.KindQuicknode)
	w := staticWeights{provider.KindInfura: 100, provider.KindPokt: 100, provider.KindQuicknode: 100}
	s := New(reg, w, 3)

	for i := 0; i < 200; i++ {
		got := s.Candidates(eth, map[provider.Kind]bool{provider.KindPokt: true})
		require.NotEmpty(t, got)
		seen := map[provider.Kind]bool{}
		for _, p := range got {
			assert.NotEqual(t, provider.KindPokt, p.Kind, "excluded kind drawn")
			assert.True(t, p.Supports(eth))
			assert.False(t, seen[p.Kind], "duplicate kind within one request")
			seen[p.Kind] = true
		}
	}
}

func TestCandidatesEmptyCases(t *testing.T) {
	reg := newRegistry(t, provider.KindInfura)
	s := New(reg, staticWeights{provider.KindInfura: 100}, 3)

	assert.Empty(t, s.Candidates(caip.MustChainID("near:mainnet"), nil))
	assert.Empty(t, s.Candidates(eth, map[provider.Kind]bool{provider.KindInfura: true}))
}

func TestCandidatesBoundedByMaxAttempts(t *testing.T) {
	reg := newRegistry(t, provider.KindInfura, provider.KindPokt, provider.KindQuicknode, provider.KindAllnodes)
	w := staticWeights{
		provider.KindInfura: 10, provider.KindPokt: 10,
		provider.KindQuicknode: 10, provider.KindAllnodes: 10,
	}
	s := New(reg, w, 3)
	got := s.Candidates(eth, nil)
	assert.Len(t, got, 3)

	s2 := New(reg, w, 10)
	assert.Len(t, s2.Candidates(eth, nil), 4)
}

func TestZeroWeightNeverFirstWhileNonZeroPeersExist(t *testing.T) {
	reg := newRegistry(t, provider.KindInfura, provider.KindPokt)
	w := staticWeights{provider.KindInfura: 0, provider.KindPokt: 500}
	s := New(reg, w, 2)

	for i := 0; i < 100; i++ {
		got := s.Candidates(eth, nil)
		require.Len(t, got, 2)
		assert.Equal(t, provider.KindPokt, got[0].Kind)
		assert.Equal(t, provider.KindInfura, got[1].Kind)
	}
}

func TestAllZeroWeightsFallBackToUniform(t *testing.T) {
	reg := newRegistry(t, provider.KindInfura, provider.KindPokt)
	s := New(reg, staticWeights{}, 2)

	first := map[provider.Kind]int{}
	for i := 0; i < 400; i++ {
		got := s.Candidates(eth, nil)
		require.Len(t, got, 2)
		first[got[0].Kind]++
	}
	// Uniform fallback: both kinds lead sometimes.
	assert.Greater(t, first[provider.KindInfura], 0)
	assert.Greater(t, first[provider.KindPokt], 0)
}

func TestWeightedDrawDeterministic(t *testing.T) {
	reg := newRegistry(t, provider.KindInfura, provider.KindPokt, provider.KindQuicknode)
	// Base order after weight sort: pokt(5000), quicknode(3000), infura(2000).
	w := staticWeights{provider.KindInfura: 2000, provider.KindPokt: 5000, provider.KindQuicknode: 3000}
	s := New(reg, w, 3)

	// Scripted draws: first lands in pokt's band, second in infura's
	// band of the remaining [quicknode:3000, infura:2000] layout.
	draws := []int64{0, 3500}
	i := 0
	s.randInt64N = func(n int64) int64 {
		r := draws[i%len(draws)]
		i++
		if r >= n {
			r = n - 1
		}
		return r
	}

	got := kindsOf(s.Candidates(eth, nil))
	assert.Equal(t, []provider.Kind{provider.KindPokt, provider.KindInfura, provider.KindQuicknode}, got)
}

func TestWeightedBias(t *testing.T) {
	reg := newRegistry(t, provider.KindInfura, provider.KindPokt)
	w := staticWeights{provider.KindInfura: 9000, provider.KindPokt: 1000}
	s := New(reg, w, 1)

	counts := map[provider.Kind]int{}
	for i := 0; i < 2000; i++ {
		got := s.Candidates(eth, nil)
		require.Len(t, got, 1)
		counts[got[0].Kind]++
	}
	// 90/10 split with generous slack.
	assert.Greater(t, counts[provider.KindInfura], 1500)
	assert.Greater(t, counts[provider.KindPokt], 50)
}

func TestCandidatesWS(t *testing.T) {
	reg := newRegistry(t, provider.KindInfura)
	s := New(reg, staticWeights{provider.KindInfura: 100}, 3)
	got := s.CandidatesWS(eth, nil)
	require.Len(t, got, 1)
	assert.Equal(t, provider.KindInfura, got[0].Kind)
}
