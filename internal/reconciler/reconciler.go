// Package reconciler runs the claim-and-poll control loop that settles
// pending exchange buy sessions. Each pass claims a batch of due rows
// from the ledger, polls the owning exchange for every row, and writes
// the outcome back. The database does the coordination: concurrent
// loops stay disjoint through SKIP LOCKED claims.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chaingate/rpc-gateway/internal/analytics"
	"github.com/chaingate/rpc-gateway/internal/exchange"
	"github.com/chaingate/rpc-gateway/internal/ledger"
)

// failureReasonProvider is persisted into failure_reason when the
// exchange reports a failed session; downstream consumers match on it.
const failureReasonProvider = "provider_failed"

// Ledger is the persistence surface the loop drives.
type Ledger interface {
	ClaimDueBatch(ctx context.Context, n int) ([]*ledger.Transaction, error)
	UpdateStatus(ctx context.Context, id string, status ledger.Status, txHash, failureReason string) error
	TouchNonTerminal(ctx context.Context, id string) error
	ExpireOldPending(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Recorder receives per-session analytics events.
type Recorder interface {
	Record(ev analytics.Event)
}

// Config tunes the loop.
type Config struct {
	// Interval is the gap between passes.
	Interval time.Duration
	// BatchSize caps how many rows one pass claims.
	BatchSize int
	// RowsPerSecond throttles exchange status calls across the batch.
	RowsPerSecond float64
	// RowTimeout bounds one status poll plus its write-back.
	RowTimeout time.Duration
	// ExpireAfter fails pending rows older than this.
	ExpireAfter time.Duration
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.RowsPerSecond <= 0 {
		c.RowsPerSecond = 5
	}
	if c.RowTimeout <= 0 {
		c.RowTimeout = 15 * time.Second
	}
	if c.ExpireAfter <= 0 {
		c.ExpireAfter = 12 * time.Hour
	}
}

type loopMetrics struct {
	passes  prometheus.Counter
	rows    *prometheus.CounterVec
	expired prometheus.Counter
}

func newLoopMetrics(reg prometheus.Registerer) *loopMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &loopMetrics{
		passes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rpc_proxy_reconciler_passes_total",
			Help: "Reconciliation passes completed",
		}),
		rows: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_proxy_reconciler_rows_total",
			Help: "Ledger rows processed by outcome",
		}, []string{"result"}),
		expired: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rpc_proxy_reconciler_expired_total",
			Help: "Pending rows failed by the expiry sweep",
		}),
	}
}

// Loop is the reconciliation worker.
type Loop struct {
	ledger    Ledger
	exchanges map[string]exchange.Exchange
	recorder  Recorder
	cfg       Config
	limiter   *rate.Limiter
	metrics   *loopMetrics
	logger    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the loop. reg may be nil for the default registerer.
func New(l Ledger, exchanges map[string]exchange.Exchange, recorder Recorder,
	cfg Config, reg prometheus.Registerer, logger *zap.Logger) *Loop {
	cfg.defaults()
	return &Loop{
		ledger:    l,
		exchanges: exchanges,
		recorder:  recorder,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RowsPerSecond), 1),
		metrics:   newLoopMetrics(reg),
		logger:    logger,
	}
}

// Start launches the loop. The first pass runs immediately, then every
// Interval.
func (lp *Loop) Start(ctx context.Context) {
	ctx, lp.cancel = context.WithCancel(ctx)
	lp.wg.Add(1)
	go lp.run(ctx)
}

// Shutdown stops the loop and waits for the in-flight row to finish.
func (lp *Loop) Shutdown() {
	if lp.cancel != nil {
		lp.cancel()
	}
	lp.wg.Wait()
}

func (lp *Loop) run(ctx context.Context) {
	defer lp.wg.Done()
	ticker := time.NewTicker(lp.cfg.Interval)
	defer ticker.Stop()

	lp.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lp.pass(ctx)
		}
	}
}

// pass claims one batch, polls every row, then runs the expiry sweep.
func (lp *Loop) pass(ctx context.Context) {
	rows, err := lp.ledger.ClaimDueBatch(ctx, lp.cfg.BatchSize)
	if err != nil {
		lp.logger.Error("reconciler claim failed", zap.Error(err))
		return
	}
	if len(rows) > 0 {
		lp.logger.Info("reconciler claimed batch", zap.Int("rows", len(rows)))
	}

	for _, tx := range rows {
		if ctx.Err() != nil {
			return
		}
		if err := lp.limiter.Wait(ctx); err != nil {
			return
		}
		lp.processRow(ctx, tx)
	}

	expired, err := lp.ledger.ExpireOldPending(ctx, lp.cfg.ExpireAfter)
	if err != nil {
		lp.logger.Error("reconciler expiry sweep failed", zap.Error(err))
	} else if expired > 0 {
		lp.metrics.expired.Add(float64(expired))
		lp.logger.Info("reconciler expired stale sessions", zap.Int64("rows", expired))
	}
	lp.metrics.passes.Inc()
}

// processRow polls one claimed row and writes the outcome back. The row
// gets its own deadline detached from the loop context, so a shutdown
// mid-row still completes the write-back instead of abandoning a locked
// row.
func (lp *Loop) processRow(ctx context.Context, tx *ledger.Transaction) {
	ex, ok := lp.exchanges[tx.ExchangeID]
	if !ok {
		lp.metrics.rows.WithLabelValues("skipped").Inc()
		lp.logger.Warn("reconciler skipping row with unknown exchange",
			zap.String("session_id", tx.ID), zap.String("exchange_id", tx.ExchangeID))
		return
	}

	rowCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lp.cfg.RowTimeout)
	defer cancel()

	res, err := ex.BuyStatus(rowCtx, tx.ID)
	if err != nil {
		lp.metrics.rows.WithLabelValues("error").Inc()
		lp.logger.Warn("reconciler status poll failed",
			zap.String("session_id", tx.ID), zap.String("exchange_id", tx.ExchangeID), zap.Error(err))
		lp.touch(rowCtx, tx.ID)
		return
	}

	switch res.Status {
	case exchange.StatusSuccess:
		lp.settle(rowCtx, tx, ledger.StatusSucceeded, res.TxHash, "")
	case exchange.StatusFailed:
		lp.settle(rowCtx, tx, ledger.StatusFailed, res.TxHash, failureReasonProvider)
	default:
		lp.metrics.rows.WithLabelValues("pending").Inc()
		lp.touch(rowCtx, tx.ID)
	}
}

func (lp *Loop) settle(ctx context.Context, tx *ledger.Transaction, status ledger.Status, txHash, reason string) {
	if err := lp.ledger.UpdateStatus(ctx, tx.ID, status, txHash, reason); err != nil {
		if errors.Is(err, ledger.ErrTerminalConflict) {
			lp.logger.Warn("reconciler terminal conflict",
				zap.String("session_id", tx.ID), zap.String("status", string(status)))
			return
		}
		lp.metrics.rows.WithLabelValues("error").Inc()
		lp.logger.Error("reconciler write-back failed",
			zap.String("session_id", tx.ID), zap.Error(err))
		return
	}
	lp.metrics.rows.WithLabelValues(string(status)).Inc()

	evType := analytics.EventExchangeCompleted
	if status == ledger.StatusFailed {
		evType = analytics.EventExchangeFailed
	}
	lp.recorder.Record(analytics.Event{
		Type:      evType,
		ProjectID: tx.ProjectID,
		SessionID: tx.ID,
		Exchange:  tx.ExchangeID,
		TxHash:    txHash,
	})
	lp.logger.Info("reconciler settled session",
		zap.String("session_id", tx.ID),
		zap.String("exchange_id", tx.ExchangeID),
		zap.String("status", string(status)))
}

func (lp *Loop) touch(ctx context.Context, id string) {
	if err := lp.ledger.TouchNonTerminal(ctx, id); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		lp.logger.Warn("reconciler touch failed", zap.String("session_id", id), zap.Error(err))
	}
}
