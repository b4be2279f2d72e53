package weights

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chaingate/rpc-gateway/internal/caip"
	"github.com/chaingate/rpc-gateway/internal/provider"
)

var (
	eth = caip.MustChainID("eip155:1")
	bsc = caip.MustChainID("eip155:56")
)

func testIndex() map[caip.ChainID][]provider.Kind {
	return map[caip.ChainID][]provider.Kind{
		eth: {provider.KindInfura, provider.KindPokt},
		bsc: {provider.KindPokt},
	}
}

func TestDerive(t *testing.T) {
	// Zero observations read optimistic.
	assert.Equal(t, MaxWeight, Derive(0, 0, 0, 0))
	// Perfect record stays at max.
	assert.Equal(t, MaxWeight, Derive(10, 0, 10, 0))
	// Half success overall and on-chain compounds.
	assert.Equal(t, 2500, Derive(5, 5, 5, 5))
	// Total failure pins to zero.
	assert.Equal(t, 0, Derive(0, 10, 0, 10))
	// Rounding.
	assert.Equal(t, 3333, Derive(1, 2, 10, 0))
}

func TestDeriveMonotonicity(t *testing.T) {
	// Growing counters with a constant success ratio keep the weight
	// constant.
	base := Derive(3, 1, 3, 1)
	for mult := uint64(2); mult <= 64; mult *= 2 {
		assert.Equal(t, base, Derive(3*mult, 1*mult, 3*mult, 1*mult))
	}
}

func TestTableDefaultsAndClamp(t *testing.T) {
	tbl := NewTable(testIndex())
	assert.Equal(t, MaxWeight, tbl.Weight(eth, provider.KindInfura))
	// Unknown pairs read optimistic too.
	assert.Equal(t, MaxWeight, tbl.Weight(eth, provider.KindQuicknode))
	assert.Equal(t, MaxWeight, tbl.Weight(caip.MustChainID("near:mainnet"), provider.KindPokt))

	tbl.set(eth, provider.KindInfura, -5)
	assert.Equal(t, 0, tbl.Weight(eth, provider.KindInfura))
	tbl.set(eth, provider.KindInfura, MaxWeight+1)
	assert.Equal(t, MaxWeight, tbl.Weight(eth, provider.KindInfura))
	// Writes to unknown pairs are dropped, not grown.
	tbl.set(eth, provider.KindQuicknode, 5)
	assert.Equal(t, MaxWeight, tbl.Weight(eth, provider.KindQuicknode))
}

func TestAvailabilityFeedsTable(t *testing.T) {
	idx := testIndex()
	tbl := NewTable(idx)
	avail := NewAvailability(idx, prometheus.NewRegistry())

	// Infura fails everything on eth, Pokt succeeds everywhere.
	for i := 0; i < 10; i++ {
		avail.Observe(eth, provider.KindInfura, false)
		avail.Observe(eth, provider.KindPokt, true)
		avail.Observe(bsc, provider.KindPokt, true)
	}
	tbl.Update(avail.Snapshot())

	assert.Equal(t, 0, tbl.Weight(eth, provider.KindInfura))
	assert.Equal(t, MaxWeight, tbl.Weight(eth, provider.KindPokt))
	assert.Equal(t, MaxWeight, tbl.Weight(bsc, provider.KindPokt))
}

func TestSnapshotAggregatesPerKind(t *testing.T) {
	avail := NewAvailability(testIndex(), prometheus.NewRegistry())
	// Pokt: perfect on eth, complete failure on bsc. The overall rate
	// drags the eth weight down even though eth observations are clean.
	for i := 0; i < 5; i++ {
		avail.Observe(eth, provider.KindPokt, true)
		avail.Observe(bsc, provider.KindPokt, false)
	}
	snap := avail.Snapshot()
	assert.Equal(t, 5000, snap.Derive(eth, provider.KindPokt))
	assert.Equal(t, 0, snap.Derive(bsc, provider.KindPokt))
}

func TestConcurrentObserveAndRead(t *testing.T) {
	idx := testIndex()
	tbl := NewTable(idx)
	avail := NewAvailability(idx, prometheus.NewRegistry())
	u := NewUpdater(tbl, avail, 0, zap.NewNop())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				avail.Observe(eth, provider.KindInfura, i%2 == 0)
				_ = tbl.Weight(eth, provider.KindInfura)
				if i%100 == 0 {
					u.Refresh()
				}
			}
		}(g)
	}
	wg.Wait()
	u.Refresh()

	w := tbl.Weight(eth, provider.KindInfura)
	require.GreaterOrEqual(t, w, 0)
	require.LessOrEqual(t, w, MaxWeight)
	// Even split of outcomes lands at a quarter of max.
	assert.Equal(t, 2500, w)
}
