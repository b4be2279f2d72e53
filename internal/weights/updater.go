package weights

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultRefreshInterval is how often the updater recomputes weights
// from the availability counters.
const DefaultRefreshInterval = 60 * time.Second

// Updater periodically folds the availability counters into the weight
// table. It runs as one background goroutine per process.
type Updater struct {
	table    *Table
	avail    *Availability
	interval time.Duration
	logger   *zap.Logger
}

// NewUpdater wires the updater. interval ≤ 0 uses the default.
func NewUpdater(table *Table, avail *Availability, interval time.Duration, logger *zap.Logger) *Updater {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Updater{table: table, avail: avail, interval: interval, logger: logger}
}

// Start runs the refresh loop until ctx is cancelled.
func (u *Updater) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	u.logger.Info("weight updater started", zap.Duration("interval", u.interval))
	for {
		select {
		case <-ctx.Done():
			u.logger.Info("weight updater stopping")
			return
		case <-ticker.C:
			u.Refresh()
		}
	}
}

// Refresh recomputes every weight once from the current counters.
func (u *Updater) Refresh() {
	u.table.Update(u.avail.Snapshot())
}
