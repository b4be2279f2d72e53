// Package analytics is the fire-and-forget event sink on the request
// path. Recording never blocks serving: on overflow the newest event is
// dropped and counted.
package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Event types emitted by the cores.
const (
	EventRPCRequest        = "rpc_request"
	EventWSConnection      = "ws_connection"
	EventExchangeCompleted = "exchange_completed"
	EventExchangeFailed    = "exchange_failed"
)

// Event is one structured analytics record.
type Event struct {
	Time      time.Time `json:"time"`
	Type      string    `json:"type"`
	ProjectID string    `json:"projectId,omitempty"`
	Chain     string    `json:"chain,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Method    string    `json:"method,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Cached    bool      `json:"cached,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Exchange  string    `json:"exchange,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	LatencyMS int64     `json:"latencyMs,omitempty"`
}

// Flusher is the downstream writer collaborator (the Parquet pipeline
// in production).
type Flusher interface {
	Flush(ctx context.Context, events []Event) error
}

// FlusherFunc adapts a function to the Flusher interface.
type FlusherFunc func(ctx context.Context, events []Event) error

// Flush implements Flusher.
func (f FlusherFunc) Flush(ctx context.Context, events []Event) error { return f(ctx, events) }

// NopFlusher discards events; used when no analytics pipeline is
// configured.
func NopFlusher() Flusher {
	return FlusherFunc(func(context.Context, []Event) error { return nil })
}

const (
	defaultQueueSize     = 8192
	defaultFlushBatch    = 256
	defaultFlushInterval = 5 * time.Second
)

// Sink is the bounded append-only queue with a single consumer.
type Sink struct {
	ch      chan Event
	flusher Flusher
	logger  *zap.Logger

	flushBatch    int
	flushInterval time.Duration

	dropped  prometheus.Counter
	recorded prometheus.Counter

	wg   sync.WaitGroup
	once sync.Once
}

// New builds the sink. queueSize ≤ 0 uses the default; reg may be nil.
func New(flusher Flusher, queueSize int, reg prometheus.Registerer, logger *zap.Logger) *Sink {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Sink{
		ch:            make(chan Event, queueSize),
		flusher:       flusher,
		logger:        logger,
		flushBatch:    defaultFlushBatch,
		flushInterval: defaultFlushInterval,
		dropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rpc_proxy_analytics_dropped_total",
			Help: "Analytics events dropped because the queue was full",
		}),
		recorded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rpc_proxy_analytics_recorded_total",
			Help: "Analytics events accepted into the queue",
		}),
	}
}

// Record enqueues the event without blocking. A full queue drops the
// event (newest-dropped policy) and bumps the counter.
func (s *Sink) Record(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case s.ch <- ev:
		s.recorded.Inc()
	default:
		s.dropped.Inc()
	}
}

// Start launches the single consumer goroutine.
func (s *Sink) Start(ctx context.Context) {
	s.once.Do(func() {
		s.wg.Add(1)
		go s.run(ctx)
	})
}

// Wait blocks until the consumer has drained and exited after
// cancellation.
func (s *Sink) Wait() {
	s.wg.Wait()
}

func (s *Sink) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, s.flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.flusher.Flush(context.WithoutCancel(ctx), batch); err != nil {
			s.logger.Warn("analytics flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued, then flush once.
			for {
				select {
				case ev := <-s.ch:
					batch = append(batch, ev)
					if len(batch) == s.flushBatch {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case ev := <-s.ch:
			batch = append(batch, ev)
			if len(batch) == s.flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
