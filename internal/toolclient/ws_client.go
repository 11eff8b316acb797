package toolclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsDialTimeout = 10 * time.Second

// WebsocketClient talks JSON-RPC to a network tool provider, one JSON message
// per websocket frame.
type WebsocketClient struct {
	conn    *websocket.Conn
	timeout time.Duration

	mu     sync.Mutex
	nextID int64
	dead   bool
}

// NewWebsocketClient dials the tool provider's websocket endpoint.
func NewWebsocketClient(url string, timeout time.Duration) (*WebsocketClient, error) {
	if url == "" {
		return nil, fmt.Errorf("websocket tool requires a url")
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, resp, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial tool at %s: %w", url, err)
	}
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake status %d from %s", resp.StatusCode, url)
	}

	return &WebsocketClient{conn: conn, timeout: timeout}, nil
}

func (c *WebsocketClient) Invoke(ctx context.Context, method string, args interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		return nil, fmt.Errorf("websocket connection is closed")
	}

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	c.nextID++
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: args}

	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(&req); err != nil {
		c.dead = true
		return nil, fmt.Errorf("failed to send rpc request: %w", err)
	}

	_ = c.conn.SetReadDeadline(deadline)
	for {
		var resp rpcResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.dead = true
			return nil, fmt.Errorf("failed to read rpc response: %w", err)
		}
		if resp.ID != req.ID {
			// Stale response from an earlier timed-out call.
			continue
		}
		if resp.Error != nil {
			return nil, resp.Error.Err()
		}
		return resp.Result, nil
	}
}

func (c *WebsocketClient) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead
}

func (c *WebsocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return nil
	}
	c.dead = true
	return c.conn.Close()
}
