// Package toolclient connects scenario agents to named diagnostic tool
// providers. Providers speak line-delimited JSON-RPC 2.0 over either a
// subprocess's stdio or a websocket.
package toolclient

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrToolDisabled is returned when a tool is administratively disabled.
// No connection attempt is made for disabled tools.
var ErrToolDisabled = errors.New("tool is disabled")

// ErrToolUnavailable is returned when a tool cannot be reached after the
// single reconnect attempt.
var ErrToolUnavailable = errors.New("tool is unavailable")

// Client is one live connection to a tool provider. Invocations on a single
// client are serialized; concurrent callers queue on the client's mutex.
type Client interface {
	// Invoke performs one JSON-RPC call and returns the raw result.
	Invoke(ctx context.Context, method string, args interface{}) (json.RawMessage, error)
	// Alive reports whether the connection is still usable.
	Alive() bool
	// Close tears the connection down.
	Close() error
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (e *rpcError) Err() error {
	if e == nil {
		return nil
	}
	return &RPCError{Code: e.Code, Message: e.Message}
}

// RPCError is a JSON-RPC level error returned by a tool provider. It means
// the tool is reachable but rejected the call; it does not mark the client
// dead.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return e.Message
}
