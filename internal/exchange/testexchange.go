package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chaingate/rpc-gateway/internal/caip"
)

// TestExchange is the in-process adapter used by integration tests and
// local development. Session ids script their own outcome via prefix
// ("success-", "failed-", "progress-"); anything else reads unknown.
// Outcomes can also be pinned explicitly with SetStatus.
type TestExchange struct {
	mu       sync.Mutex
	statuses map[string]StatusResult
}

// NewTestExchange builds the adapter.
func NewTestExchange() *TestExchange {
	return &TestExchange{statuses: make(map[string]StatusResult)}
}

func (t *TestExchange) ID() string   { return "test-exchange" }
func (t *TestExchange) Name() string { return "Test Exchange" }

// IsAssetSupported accepts everything.
func (t *TestExchange) IsAssetSupported(caip.AssetID) bool { return true }

// BuyURL returns a deterministic fake checkout URL.
func (t *TestExchange) BuyURL(_ context.Context, params BuyParams) (string, error) {
	return fmt.Sprintf("https://test-exchange.invalid/buy?sessionId=%s", params.SessionID), nil
}

// SetStatus pins the result for a session id.
func (t *TestExchange) SetStatus(sessionID string, result StatusResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[sessionID] = result
}

// BuyStatus returns the pinned result, or derives one from the session
// id prefix.
func (t *TestExchange) BuyStatus(_ context.Context, sessionID string) (StatusResult, error) {
	t.mu.Lock()
	if res, ok := t.statuses[sessionID]; ok {
		t.mu.Unlock()
		return res, nil
	}
	t.mu.Unlock()

	switch {
	case strings.HasPrefix(sessionID, "success-"):
		return StatusResult{Status: StatusSuccess, TxHash: "0x" + strings.TrimPrefix(sessionID, "success-")}, nil
	case strings.HasPrefix(sessionID, "failed-"):
		return StatusResult{Status: StatusFailed}, nil
	case strings.HasPrefix(sessionID, "progress-"):
		return StatusResult{Status: StatusInProgress}, nil
	}
	return StatusResult{Status: StatusUnknown}, nil
}
