// Package exchange defines the per-vendor buy-URL / buy-status
// capability set and its implementations. Adapters share no state: each
// holds its own credentials and HTTP client.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/chaingate/rpc-gateway/internal/caip"
)

// BuyStatus is an exchange-side session state.
type BuyStatus string

const (
	StatusUnknown    BuyStatus = "unknown"
	StatusInProgress BuyStatus = "in_progress"
	StatusSuccess    BuyStatus = "success"
	StatusFailed     BuyStatus = "failed"
)

// Terminal reports whether the status ends the session.
func (s BuyStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ErrAssetNotSupported is returned by BuyURL for assets outside the
// exchange's coverage.
var ErrAssetNotSupported = errors.New("asset not supported by exchange")

// BuyParams identifies one buy flow.
type BuyParams struct {
	ProjectID string
	Asset     caip.AssetID
	Amount    string
	Recipient string
	SessionID string
}

// StatusResult is the answer to a status poll.
type StatusResult struct {
	Status BuyStatus
	TxHash string
}

// Exchange is the uniform capability set every adapter implements.
type Exchange interface {
	// ID is stable and used as the ledger exchange_id.
	ID() string
	Name() string
	IsAssetSupported(asset caip.AssetID) bool
	BuyURL(ctx context.Context, params BuyParams) (string, error)
	BuyStatus(ctx context.Context, sessionID string) (StatusResult, error)
}

// ByID indexes adapters for the reconciler and the HTTP surface.
func ByID(exchanges []Exchange) map[string]Exchange {
	out := make(map[string]Exchange, len(exchanges))
	for _, e := range exchanges {
		out[e.ID()] = e
	}
	return out
}

const statusCallTimeout = 10 * time.Second

// caller wraps an adapter's HTTP status probes with bounded retries on
// transport errors and a circuit breaker so a dead vendor API does not
// stall every reconciliation pass.
type caller struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func newCaller(name string) *caller {
	return &caller{
		client: &http.Client{Timeout: statusCallTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// do executes the request through the breaker, retrying transport
// failures up to three times. Non-2xx responses are returned to the
// adapter for interpretation, not retried.
func (c *caller) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		var resp *http.Response
		op := func() error {
			req, err := build()
			if err != nil {
				return backoff.Permanent(err)
			}
			resp, err = c.client.Do(req) //nolint:bodyclose // closed by the adapter
			return err
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		if err := backoff.Retry(op, policy); err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("exchange call: %w", err)
	}
	return res.(*http.Response), nil
}
