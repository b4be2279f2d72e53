// Package rpc holds the minimal JSON-RPC 2.0 envelope the gateway needs
// and the outcome classification applied to upstream responses. Request
// params are never interpreted.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version the gateway speaks.
const Version = "2.0"

// Standard JSON-RPC error codes the classifier cares about.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a single JSON-RPC call envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// Response is a single JSON-RPC response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResult builds a success response carrying an already-encoded result.
func NewResult(id json.RawMessage, result json.RawMessage) Response {
	return Response{JSONRPC: Version, ID: id, Result: result}
}

// NewError builds an error response.
func NewError(id json.RawMessage, code int, message string) Response {
	return Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

// ParseRequest decodes a single request envelope and rejects anything
// that is not a JSON-RPC 2.0 call.
func ParseRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid json-rpc request: %w", err)
	}
	if req.JSONRPC != Version {
		return nil, fmt.Errorf("unsupported json-rpc version %q", req.JSONRPC)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("json-rpc request missing method")
	}
	return &req, nil
}

// SplitBatch decodes the body as either a single request or a batch.
// It returns the raw elements in request order and whether the body was
// a batch. A batch must be a non-empty JSON array.
func SplitBatch(body []byte) ([]json.RawMessage, bool, error) {
	trimmed := firstNonSpace(body)
	if trimmed != '[' {
		return []json.RawMessage{json.RawMessage(body)}, false, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(body, &elems); err != nil {
		return nil, true, fmt.Errorf("invalid json-rpc batch: %w", err)
	}
	if len(elems) == 0 {
		return nil, true, fmt.Errorf("empty json-rpc batch")
	}
	return elems, true, nil
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c
	}
	return 0
}
