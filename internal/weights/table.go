// Package weights maintains the per-(chain, provider) selection weights
// and the success/failure availability counters that feed them.
package weights

import (
	"math"
	"sync/atomic"

	"github.com/chaingate/rpc-gateway/internal/caip"
	"github.com/chaingate/rpc-gateway/internal/provider"
)

// MaxWeight is the upper bound of the weight range.
const MaxWeight = 10_000

// Semantic priority levels within the weight range.
const (
	PriorityMinimal = 1
	PriorityLow     = 2_500
	PriorityNormal  = 5_000
	PriorityHigh    = 7_500
	PriorityMax     = MaxWeight
)

// Table maps chain → (kind → weight). The outer maps are built once at
// startup from the registry index and never grow; cells are atomics so
// the feedback updater and the selector can touch the same entries
// without locks.
type Table struct {
	cells map[caip.ChainID]map[provider.Kind]*atomic.Int64
}

// NewTable builds the table for the given chain index. Every cell
// starts at MaxWeight (optimistic).
func NewTable(index map[caip.ChainID][]provider.Kind) *Table {
	cells := make(map[caip.ChainID]map[provider.Kind]*atomic.Int64, len(index))
	for chain, kinds := range index {
		row := make(map[provider.Kind]*atomic.Int64, len(kinds))
		for _, k := range kinds {
			cell := &atomic.Int64{}
			cell.Store(MaxWeight)
			row[k] = cell
		}
		cells[chain] = row
	}
	return &Table{cells: cells}
}

// Weight returns the current weight for (chain, kind). Pairs outside
// the startup index read as MaxWeight, matching the zero-observation
// default.
func (t *Table) Weight(chain caip.ChainID, kind provider.Kind) int {
	if cell, ok := t.cells[chain][kind]; ok {
		return int(cell.Load())
	}
	return MaxWeight
}

// set clamps w into [0, MaxWeight] and stores it.
func (t *Table) set(chain caip.ChainID, kind provider.Kind, w int) {
	cell, ok := t.cells[chain][kind]
	if !ok {
		return
	}
	if w < 0 {
		w = 0
	}
	if w > MaxWeight {
		w = MaxWeight
	}
	cell.Store(int64(w))
}

// Update replaces the weights for every observed (chain, kind) pair in
// one pass over the snapshot. The table never grows at runtime; pairs
// absent from the startup index are ignored.
func (t *Table) Update(snap Snapshot) {
	for chain, row := range t.cells {
		for kind := range row {
			t.set(chain, kind, snap.Derive(chain, kind))
		}
	}
}

// Derive computes a weight from observed counters per the availability
// model: the provider's overall success rate scaled by its rate on the
// specific chain. Zero observations on either axis read as a perfect
// rate.
func Derive(providerSuccess, providerFailure, chainSuccess, chainFailure uint64) int {
	providerRate := rate(providerSuccess, providerFailure)
	chainRate := rate(chainSuccess, chainFailure)
	return int(math.Round(providerRate * chainRate * MaxWeight))
}

func rate(success, failure uint64) float64 {
	total := success + failure
	if total == 0 {
		return 1
	}
	return float64(success) / float64(total)
}
