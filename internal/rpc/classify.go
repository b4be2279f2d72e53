package rpc

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Outcome is the classification of one proxied upstream attempt. It
// decides whether the response goes back to the client or the engine
// fails over to the next provider.
type Outcome int

const (
	// OutcomeOK means the upstream answered; the body goes back verbatim.
	OutcomeOK Outcome = iota
	// OutcomeClient means the request itself is at fault; no retry.
	OutcomeClient
	// OutcomeRateLimited means the provider throttled us; retry elsewhere.
	OutcomeRateLimited
	// OutcomeNodeError means the provider's node misbehaved; retry elsewhere.
	OutcomeNodeError
	// OutcomeTransport means the call never completed; retry elsewhere.
	OutcomeTransport
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeClient:
		return "client"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeNodeError:
		return "node_error"
	case OutcomeTransport:
		return "transport"
	}
	return "unknown"
}

// Retryable reports whether the engine should try another provider.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeRateLimited, OutcomeNodeError, OutcomeTransport:
		return true
	}
	return false
}

// Success reports whether the attempt counts as a success in the
// provider availability counters.
func (o Outcome) Success() bool {
	return o == OutcomeOK || o == OutcomeClient
}

var rateLimitPatterns = []string{
	"rate limit",
	"rate-limit",
	"ratelimit",
	"too many requests",
	"quota exceeded",
	"capacity exceeded",
	"exceeded the maximum",
}

var nodeErrorPatterns = []string{
	"internal error",
	"internal server error",
	"header not found",
	"missing trie node",
	"request failed",
	"backend error",
	"service unavailable",
	"unavailable",
	"timed out",
	"timeout",
}

// Classify partitions one upstream attempt. err is any transport-level
// failure from the HTTP client; status and body are only inspected when
// err is nil. The body is peeked for a JSON-RPC error object but never
// rewritten.
func Classify(status int, body []byte, err error) Outcome {
	if err != nil {
		return OutcomeTransport
	}
	switch {
	case status == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return OutcomeTransport
	case status >= 500:
		return OutcomeNodeError
	case status >= 400:
		return OutcomeClient
	}
	return classifyBody(body)
}

// classifyBody peeks a 2xx body for a JSON-RPC error object. A body
// that is not a single JSON-RPC response (e.g. a batch) passes as OK.
func classifyBody(body []byte) Outcome {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error == nil {
		return OutcomeOK
	}
	msg := strings.ToLower(resp.Error.Message)
	for _, pat := range rateLimitPatterns {
		if strings.Contains(msg, pat) {
			return OutcomeRateLimited
		}
	}
	if resp.Error.Code <= -32000 && resp.Error.Code >= -32099 {
		for _, pat := range nodeErrorPatterns {
			if strings.Contains(msg, pat) {
				return OutcomeNodeError
			}
		}
	}
	// A well-formed JSON-RPC error is client-visible and goes back
	// verbatim with 200.
	return OutcomeOK
}
