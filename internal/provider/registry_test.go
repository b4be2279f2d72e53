package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chaingate/rpc-gateway/internal/caip"
)

func testProvider(kind Kind, chains ...string) *Provider {
	httpURLs := map[caip.ChainID]string{}
	wsURLs := map[caip.ChainID]string{}
	for _, c := range chains {
		chain := caip.MustChainID(c)
		httpURLs[chain] = "https://" + string(kind) + ".example/" + c
		wsURLs[chain] = "wss://" + string(kind) + ".example/" + c
	}
	return NewProvider(kind, string(kind), httpURLs, wsURLs, nil)
}

type staticWeights map[Kind]int

func (s staticWeights) Weight(_ caip.ChainID, kind Kind) int { return s[kind] }

func TestRegistryIndexes(t *testing.T) {
	reg, err := NewRegistry([]*Provider{
		testProvider(KindInfura, "eip155:1", "eip155:137"),
		testProvider(KindPokt, "eip155:1", "solana:mainnet"),
	}, zap.NewNop())
	require.NoError(t, err)

	eth := caip.MustChainID("eip155:1")
	assert.True(t, reg.SupportsChain(eth))
	assert.True(t, reg.SupportsChainWS(eth))
	assert.False(t, reg.SupportsChain(caip.MustChainID("near:mainnet")))

	ps := reg.ForChain(eth, nil)
	require.Len(t, ps, 2)

	chains := reg.Chains()
	require.Len(t, chains, 3)
	assert.Equal(t, "eip155:1", chains[0].String())

	assert.Equal(t, KindInfura, reg.Get(KindInfura).Kind)
	assert.Panics(t, func() { reg.Get(KindAllnodes) })
}

func TestRegistryDuplicateKind(t *testing.T) {
	_, err := NewRegistry([]*Provider{
		testProvider(KindInfura, "eip155:1"),
		testProvider(KindInfura, "eip155:137"),
	}, zap.NewNop())
	assert.Error(t, err)
}

func TestForChainOrdersByWeight(t *testing.T) {
	reg, err := NewRegistry([]*Provider{
		testProvider(KindInfura, "eip155:1"),
		testProvider(KindPokt, "eip155:1"),
		testProvider(KindQuicknode, "eip155:1"),
	}, zap.NewNop())
	require.NoError(t, err)

	ps := reg.ForChain(caip.MustChainID("eip155:1"), staticWeights{
		KindInfura:    100,
		KindPokt:      9000,
		KindQuicknode: 500,
	})
	require.Len(t, ps, 3)
	assert.Equal(t, KindPokt, ps[0].Kind)
	assert.Equal(t, KindQuicknode, ps[1].Kind)
	assert.Equal(t, KindInfura, ps[2].Kind)
}

func TestGenericKindEquality(t *testing.T) {
	chain := caip.MustChainID("eip155:1")
	a := GenericKind(chain, "https://a.example")
	b := GenericKind(chain, "https://a.example")
	c := GenericKind(chain, "https://b.example")
	d := GenericKind(caip.MustChainID("eip155:137"), "https://a.example")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.True(t, a.IsGeneric())
	assert.False(t, KindInfura.IsGeneric())
}

func TestParseGenericProviders(t *testing.T) {
	ps, err := ParseGenericProviders(`[
		{"chainId":"eip155:100","httpUrl":"https://rpc.gnosis.example","wsUrl":"wss://rpc.gnosis.example"},
		{"chainId":"near:mainnet","httpUrl":"https://near.example","name":"near node"}
	]`, nil)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.True(t, ps[0].SupportsWS(caip.MustChainID("eip155:100")))
	assert.False(t, ps[1].SupportsWS(caip.MustChainID("near:mainnet")))
	assert.Equal(t, "near node", ps[1].Name)

	_, err = ParseGenericProviders(`[{"chainId":"bad","httpUrl":"x"}]`, nil)
	assert.Error(t, err)
	_, err = ParseGenericProviders(`[{"chainId":"eip155:1"}]`, nil)
	assert.Error(t, err)
}

func TestCatalogBuilders(t *testing.T) {
	inf := Infura("pid", nil)
	u, ok := inf.Endpoint(caip.MustChainID("eip155:1"))
	require.True(t, ok)
	assert.Equal(t, "https://mainnet.infura.io/v3/pid", u)
	w, ok := inf.WSEndpoint(caip.MustChainID("eip155:1"))
	require.True(t, ok)
	assert.Equal(t, "wss://mainnet.infura.io/ws/v3/pid", w)

	gb, err := GetBlock(map[string]string{"eip155:1": "tok"}, nil)
	require.NoError(t, err)
	u, ok = gb.Endpoint(caip.MustChainID("eip155:1"))
	require.True(t, ok)
	assert.Equal(t, "https://go.getblock.io/tok/", u)

	_, err = GetBlock(map[string]string{"nope": "tok"}, nil)
	assert.Error(t, err)
}

// The vendor tables are package-level data built with MustChainID; an
// invalid literal would panic at init and take every importer down with
// it. Constructing the vendors that span all namespaces exercises each
// table key through the parser.
func TestCatalogChainLiteralsParse(t *testing.T) {
	sol, err := caip.ParseChainID("solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp")
	require.NoError(t, err)

	assert.True(t, Quicknode("tok", nil).Supports(sol))
	assert.True(t, Pokt("pid", nil).Supports(sol))
	assert.True(t, Allnodes("key", nil).Supports(caip.MustChainID("near:mainnet")))
	for _, c := range Infura("pid", nil).Chains() {
		_, err := caip.ParseChainID(c.String())
		assert.NoError(t, err)
	}
}
