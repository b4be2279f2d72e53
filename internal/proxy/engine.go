// Package proxy executes JSON-RPC calls against selected providers,
// classifies the responses and fails over across providers within a
// bounded attempt chain.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/chaingate/rpc-gateway/internal/analytics"
	"github.com/chaingate/rpc-gateway/internal/caip"
	"github.com/chaingate/rpc-gateway/internal/cache"
	"github.com/chaingate/rpc-gateway/internal/gate"
	"github.com/chaingate/rpc-gateway/internal/provider"
	"github.com/chaingate/rpc-gateway/internal/rpc"
	"github.com/chaingate/rpc-gateway/internal/selector"
	"github.com/chaingate/rpc-gateway/internal/weights"
)

// InvalidRequestError marks a request the gateway rejects before any
// upstream work.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Reason
}

// FailoverExhausted is returned after every candidate provider failed.
type FailoverExhausted struct {
	// Throttled is set when every attempt was rate limited.
	Throttled bool
	// TimedOut is set when the final attempt hit its deadline.
	TimedOut bool
	// LastStatus and LastBody carry the last upstream response, if any.
	LastStatus int
	LastBody   []byte
	Attempts   int
}

func (e *FailoverExhausted) Error() string {
	switch {
	case e.Throttled:
		return fmt.Sprintf("all %d providers throttled", e.Attempts)
	case e.TimedOut:
		return fmt.Sprintf("upstream timeout after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("all %d providers failed", e.Attempts)
}

// Config tunes the engine.
type Config struct {
	AttemptTimeout time.Duration
	MaxBodyBytes   int64
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout: 10 * time.Second,
		MaxBodyBytes:   10 << 20,
	}
}

// Result is the response handed back to the HTTP surface. The content
// type is always application/json.
type Result struct {
	Status int
	Body   []byte
}

type engineMetrics struct {
	requests *prometheus.CounterVec
	attempts prometheus.Histogram
	inflight prometheus.Gauge
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &engineMetrics{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_proxy_requests_total",
			Help: "Proxied requests by chain and result",
		}, []string{"chain", "result"}),
		attempts: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "rpc_proxy_attempt_duration_seconds",
			Help:    "Upstream attempt latency",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		inflight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "rpc_proxy_inflight_requests",
			Help: "Requests currently being proxied",
		}),
	}
}

// Engine is the unary proxy core.
type Engine struct {
	selector *selector.Selector
	registry *provider.Registry
	cache    *cache.Cache
	gate     *gate.Gate
	sink     *analytics.Sink
	avail    *weights.Availability
	cfg      Config
	metrics  *engineMetrics
	logger   *zap.Logger
}

// New wires the engine from its collaborators.
func New(sel *selector.Selector, reg *provider.Registry, c *cache.Cache, g *gate.Gate,
	sink *analytics.Sink, avail *weights.Availability, cfg Config,
	promReg prometheus.Registerer, logger *zap.Logger) *Engine {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	return &Engine{
		selector: sel,
		registry: reg,
		cache:    c,
		gate:     g,
		sink:     sink,
		avail:    avail,
		cfg:      cfg,
		metrics:  newEngineMetrics(promReg),
		logger:   logger,
	}
}

// Proxy runs one inbound body (single call or batch) through the gate,
// the cache and the failover chain.
func (e *Engine) Proxy(ctx context.Context, chain caip.ChainID, projectID string, body []byte) (*Result, error) {
	e.metrics.inflight.Inc()
	defer e.metrics.inflight.Dec()

	if !e.registry.SupportsChain(chain) {
		return nil, provider.ErrChainNotConfigured
	}
	if _, err := e.gate.Allow(ctx, projectID, chain); err != nil {
		return nil, err
	}

	elems, isBatch, err := rpc.SplitBatch(body)
	if err != nil {
		return nil, &InvalidRequestError{Reason: err.Error()}
	}
	if !isBatch {
		return e.one(ctx, chain, projectID, elems[0])
	}

	// Batch: each element runs through the same engine; results merge in
	// request order.
	results := make([]json.RawMessage, 0, len(elems))
	for _, elem := range elems {
		res, err := e.one(ctx, chain, projectID, elem)
		if err != nil {
			return nil, err
		}
		results = append(results, res.Body)
	}
	merged, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("merge batch results: %w", err)
	}
	return &Result{Status: http.StatusOK, Body: merged}, nil
}

func (e *Engine) one(ctx context.Context, chain caip.ChainID, projectID string, body json.RawMessage) (*Result, error) {
	req, err := rpc.ParseRequest(body)
	if err != nil {
		return nil, &InvalidRequestError{Reason: err.Error()}
	}

	if resp, ok := e.cache.Lookup(chain, req); ok {
		out, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("encode cached response: %w", err)
		}
		e.metrics.requests.WithLabelValues(chain.String(), "cached").Inc()
		e.sink.Record(analytics.Event{
			Type:      analytics.EventRPCRequest,
			ProjectID: projectID,
			Chain:     chain.String(),
			Method:    req.Method,
			Cached:    true,
			Outcome:   rpc.OutcomeOK.String(),
		})
		return &Result{Status: http.StatusOK, Body: out}, nil
	}

	candidates := e.selector.Candidates(chain, nil)
	if len(candidates) == 0 {
		return nil, provider.ErrChainNotConfigured
	}

	fail := &FailoverExhausted{Throttled: true}
	for i, p := range candidates {
		if ctx.Err() != nil {
			// Client went away; no further attempts.
			return nil, ctx.Err()
		}

		started := time.Now()
		status, respBody, attemptErr := e.attempt(ctx, p, chain, body)
		e.metrics.attempts.Observe(time.Since(started).Seconds())

		outcome := rpc.Classify(status, respBody, attemptErr)
		e.avail.Observe(chain, p.Kind, outcome.Success())
		e.sink.Record(analytics.Event{
			Type:      analytics.EventRPCRequest,
			ProjectID: projectID,
			Chain:     chain.String(),
			Provider:  p.Kind.String(),
			Method:    req.Method,
			Outcome:   outcome.String(),
			Attempts:  i + 1,
			LatencyMS: time.Since(started).Milliseconds(),
		})

		if !outcome.Retryable() {
			e.metrics.requests.WithLabelValues(chain.String(), outcome.String()).Inc()
			return &Result{Status: passthroughStatus(status), Body: respBody}, nil
		}

		if ctx.Err() != nil && errors.Is(attemptErr, context.Canceled) {
			return nil, ctx.Err()
		}

		e.logger.Debug("provider attempt failed",
			zap.String("chain", chain.String()),
			zap.String("provider", p.Kind.String()),
			zap.String("outcome", outcome.String()),
			zap.Int("status", status),
			zap.Error(attemptErr))

		fail.Attempts++
		fail.Throttled = fail.Throttled && outcome == rpc.OutcomeRateLimited
		fail.TimedOut = errors.Is(attemptErr, context.DeadlineExceeded)
		if len(respBody) > 0 {
			fail.LastStatus = status
			fail.LastBody = respBody
		}
	}

	e.metrics.requests.WithLabelValues(chain.String(), "exhausted").Inc()
	return nil, fail
}

// attempt posts the body to one provider with the per-attempt timeout
// and a bounded body read.
func (e *Engine) attempt(ctx context.Context, p *provider.Provider, chain caip.ChainID, body []byte) (int, []byte, error) {
	url, ok := p.Endpoint(chain)
	if !ok {
		return 0, nil, fmt.Errorf("provider %s has no endpoint for %s", p.Kind, chain)
	}

	actx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// passthroughStatus keeps upstream 4xx statuses visible to the client;
// anything else is a plain 200 carrying the upstream body.
func passthroughStatus(status int) int {
	if status >= 400 && status < 500 {
		return status
	}
	return http.StatusOK
}
