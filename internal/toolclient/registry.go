package toolclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/codefionn/fehlersuche/internal/config"
	"github.com/codefionn/fehlersuche/internal/logger"
)

type clientKey struct {
	tool    string
	session string
}

// Registry hands out tool clients keyed by (tool, session). Each session gets
// its own connection per tool; a failure of one tool never affects others.
type Registry struct {
	servers map[string]*config.ToolServerConfig
	log     *logger.Logger

	// newClient is swapped out in tests to avoid real transports.
	newClient func(cfg *config.ToolServerConfig) (Client, error)

	mu      sync.Mutex
	clients map[clientKey]Client
	dialing map[clientKey]*dialCall
}

// dialCall is an in-flight dial shared by concurrent Connect calls for the
// same (tool, session). Fields are set before done is closed.
type dialCall struct {
	done   chan struct{}
	client Client
	err    error
}

// NewRegistry creates a registry over the configured tool servers.
func NewRegistry(servers map[string]*config.ToolServerConfig, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Global()
	}
	r := &Registry{
		servers: servers,
		log:     log.WithComponent("toolclient"),
		clients: make(map[clientKey]Client),
		dialing: make(map[clientKey]*dialCall),
	}
	r.newClient = r.dial
	return r
}

func (r *Registry) dial(cfg *config.ToolServerConfig) (Client, error) {
	switch cfg.Type {
	case "command":
		return NewStdioClient(cfg.Command, r.log)
	case "websocket":
		return NewWebsocketClient(cfg.URL, 0)
	default:
		return nil, fmt.Errorf("unknown tool server type %q", cfg.Type)
	}
}

// ListAvailable returns the names of all enabled tools, sorted.
func (r *Registry) ListAvailable() []string {
	names := make([]string, 0, len(r.servers))
	for name, cfg := range r.servers {
		if cfg == nil || cfg.Disabled {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the configured description for a tool, if any.
func (r *Registry) Describe(toolName string) string {
	if cfg, ok := r.servers[toolName]; ok && cfg != nil {
		return cfg.Description
	}
	return ""
}

// Connect returns the cached client for (toolName, sessionID), dialing a new
// one if needed. Disabled tools fail immediately without any I/O.
func (r *Registry) Connect(toolName, sessionID string) (Client, error) {
	cfg, ok := r.servers[toolName]
	if !ok || cfg == nil {
		return nil, fmt.Errorf("%w: unknown tool %q", ErrToolUnavailable, toolName)
	}
	if cfg.Disabled {
		return nil, fmt.Errorf("%w: %s", ErrToolDisabled, toolName)
	}

	key := clientKey{tool: toolName, session: sessionID}

	r.mu.Lock()
	if client, ok := r.clients[key]; ok && client.Alive() {
		r.mu.Unlock()
		return client, nil
	}
	if call, ok := r.dialing[key]; ok {
		r.mu.Unlock()
		<-call.done
		return call.client, call.err
	}
	call := &dialCall{done: make(chan struct{})}
	r.dialing[key] = call
	r.mu.Unlock()

	// Dial without holding the registry lock so a slow tool server does not
	// stall Connect for every other tool and session.
	client, err := r.newClient(cfg)

	r.mu.Lock()
	delete(r.dialing, key)
	if err == nil {
		r.clients[key] = client
	}
	r.mu.Unlock()

	if err != nil {
		call.err = fmt.Errorf("%w: %s: %v", ErrToolUnavailable, toolName, err)
		close(call.done)
		return nil, call.err
	}
	call.client = client
	close(call.done)
	r.log.Info("connected tool %s for session %s", toolName, sessionID)
	return client, nil
}

// Invoke calls a tool method for a session. If the cached client has died it
// reconnects exactly once; a second failure surfaces ErrToolUnavailable.
// RPC-level errors from a live tool are returned as-is and do not trigger a
// reconnect.
func (r *Registry) Invoke(ctx context.Context, toolName, sessionID, method string, args interface{}) (json.RawMessage, error) {
	client, err := r.Connect(toolName, sessionID)
	if err != nil {
		return nil, err
	}

	result, err := client.Invoke(ctx, method, args)
	if err == nil {
		return result, nil
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	// Transport failure: drop the dead client and retry on a fresh one.
	r.log.Warn("tool %s failed for session %s, reconnecting: %v", toolName, sessionID, err)
	r.drop(toolName, sessionID)

	client, err = r.Connect(toolName, sessionID)
	if err != nil {
		return nil, err
	}
	result, err = client.Invoke(ctx, method, args)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, err
		}
		r.drop(toolName, sessionID)
		return nil, fmt.Errorf("%w: %s: %v", ErrToolUnavailable, toolName, err)
	}
	return result, nil
}

func (r *Registry) drop(toolName, sessionID string) {
	key := clientKey{tool: toolName, session: sessionID}
	r.mu.Lock()
	client, ok := r.clients[key]
	if ok {
		delete(r.clients, key)
	}
	r.mu.Unlock()
	if ok {
		_ = client.Close()
	}
}

// CloseSession tears down all clients belonging to one session.
func (r *Registry) CloseSession(sessionID string) {
	r.mu.Lock()
	var toClose []Client
	for key, client := range r.clients {
		if key.session == sessionID {
			toClose = append(toClose, client)
			delete(r.clients, key)
		}
	}
	r.mu.Unlock()

	for _, client := range toClose {
		_ = client.Close()
	}
}

// Close tears down every client in the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	clients := make([]Client, 0, len(r.clients))
	for key, client := range r.clients {
		clients = append(clients, client)
		delete(r.clients, key)
	}
	r.mu.Unlock()

	for _, client := range clients {
		_ = client.Close()
	}
}
