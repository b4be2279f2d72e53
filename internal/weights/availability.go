package weights

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chaingate/rpc-gateway/internal/caip"
	"github.com/chaingate/rpc-gateway/internal/provider"
)

// cell is one (chain, kind) observation pair.
type cell struct {
	success atomic.Uint64
	failure atomic.Uint64
}

// Availability records success/failure observations per (chain, kind).
// The proxy engine is the single observation point; the same numbers
// are exported to Prometheus so external dashboards see what the weight
// derivation sees.
type Availability struct {
	cells map[caip.ChainID]map[provider.Kind]*cell
	calls *prometheus.CounterVec
}

// NewAvailability sizes the counters from the registry index and
// registers the exported metric. reg may be nil to use the default
// registerer.
func NewAvailability(index map[caip.ChainID][]provider.Kind, reg prometheus.Registerer) *Availability {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cells := make(map[caip.ChainID]map[provider.Kind]*cell, len(index))
	for chain, kinds := range index {
		row := make(map[provider.Kind]*cell, len(kinds))
		for _, k := range kinds {
			row[k] = &cell{}
		}
		cells[chain] = row
	}
	return &Availability{
		cells: cells,
		calls: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_proxy_provider_calls_total",
			Help: "Provider call outcomes by chain, provider and result",
		}, []string{"chain", "provider", "result"}),
	}
}

// Observe records one attempt outcome for (chain, kind).
func (a *Availability) Observe(chain caip.ChainID, kind provider.Kind, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	a.calls.WithLabelValues(chain.String(), kind.String(), result).Inc()
	c, ok := a.cells[chain][kind]
	if !ok {
		return
	}
	if success {
		c.success.Add(1)
	} else {
		c.failure.Add(1)
	}
}

// Snapshot is a point-in-time copy of the counters, safe to read while
// observations continue.
type Snapshot struct {
	perPair map[caip.ChainID]map[provider.Kind][2]uint64
	perKind map[provider.Kind][2]uint64
}

// Snapshot copies the counters and pre-aggregates per-kind totals.
func (a *Availability) Snapshot() Snapshot {
	snap := Snapshot{
		perPair: make(map[caip.ChainID]map[provider.Kind][2]uint64, len(a.cells)),
		perKind: make(map[provider.Kind][2]uint64),
	}
	for chain, row := range a.cells {
		dst := make(map[provider.Kind][2]uint64, len(row))
		for kind, c := range row {
			s, f := c.success.Load(), c.failure.Load()
			dst[kind] = [2]uint64{s, f}
			agg := snap.perKind[kind]
			snap.perKind[kind] = [2]uint64{agg[0] + s, agg[1] + f}
		}
		snap.perPair[chain] = dst
	}
	return snap
}

// Derive computes the weight for (chain, kind) from the snapshot.
func (s Snapshot) Derive(chain caip.ChainID, kind provider.Kind) int {
	pair := s.perPair[chain][kind]
	overall := s.perKind[kind]
	return Derive(overall[0], overall[1], pair[0], pair[1])
}
