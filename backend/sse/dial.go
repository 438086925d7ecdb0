// Package sse dials a registry.BackendServer of transport "sse" into a
// live JSON-RPC client over the legacy two-channel SSE transport
// (GET stream for server->client, POST per message for client->server),
// performing the initialize/initialized handshake.
package sse

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nexusmcp/gateway"
	"github.com/nexusmcp/gateway/registry"
	sseclient "github.com/nexusmcp/gateway/transport/client/http/sse"
)

// ClientInfo identifies the gateway to a backend during the initialize
// handshake.
type ClientInfo struct {
	Name    string
	Version string
}

// Backend wraps a connected SSE client with the backend definition it
// was dialed from. Unlike the stdio transport there is no local process
// to drain: losing the stream means the transport is dead and the
// caller constructs a fresh Backend rather than reconnecting in place.
type Backend struct {
	*sseclient.Client
	Server *registry.BackendServer
}

// DialOption configures an individual Dial call, mirroring
// backend/stdio's DialOption shape.
type DialOption func(*dialConfig)

type dialConfig struct {
	onNotify func(*jsonrpc.Notification)
}

// WithNotify registers fn to be called with every notification the
// backend sends after the handshake completes.
func WithNotify(fn func(*jsonrpc.Notification)) DialOption {
	return func(c *dialConfig) { c.onNotify = fn }
}

// notifyHandler adapts a plain callback into a transport.Handler,
// mirroring backend/stdio's notifyHandler.
type notifyHandler struct {
	fn func(*jsonrpc.Notification)
}

func (h *notifyHandler) Serve(_ context.Context, request *jsonrpc.Request, response *jsonrpc.Response) {
	response.Id = request.Id
	response.Jsonrpc = request.Jsonrpc
	response.Error = jsonrpc.NewMethodNotFound(request.Id, fmt.Errorf("method %v not found", request.Method), nil)
}

func (h *notifyHandler) OnNotification(_ context.Context, notification *jsonrpc.Notification) {
	if h.fn != nil {
		h.fn(notification)
	}
}

// Dial connects to server's URL and performs the MCP initialize/
// initialized handshake. The returned Backend is Ready only once this
// call returns without error.
func Dial(ctx context.Context, server *registry.BackendServer, client ClientInfo, opts ...DialOption) (*Backend, error) {
	if server.URL == "" {
		return nil, fmt.Errorf("sse backend %q: url is required", server.Name)
	}

	cfg := &dialConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	options := []sseclient.Option{
		sseclient.WithHandshakeTimeout(server.Timeout()),
	}
	if len(server.Headers) > 0 {
		options = append(options, sseclient.WithHeaders(server.Headers))
	}
	if cfg.onNotify != nil {
		options = append(options, sseclient.WithHandler(&notifyHandler{fn: cfg.onNotify}))
	}

	c, err := sseclient.New(ctx, server.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("connect sse backend %q: %w", server.Name, err)
	}

	if err := handshake(ctx, c, server, client); err != nil {
		return nil, err
	}

	return &Backend{Client: c, Server: server}, nil
}

type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    struct{}   `json:"capabilities"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

const protocolVersion = "2024-11-05"

func handshake(ctx context.Context, c *sseclient.Client, server *registry.BackendServer, info ClientInfo) error {
	ctx, cancel := context.WithTimeout(ctx, server.Timeout())
	defer cancel()

	params, err := json.Marshal(initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      clientInfo{Name: info.Name, Version: info.Version},
	})
	if err != nil {
		return fmt.Errorf("marshal initialize params: %w", err)
	}

	resp, err := c.Send(ctx, &jsonrpc.Request{
		Jsonrpc: jsonrpc.Version,
		Method:  "initialize",
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("initialize handshake with %q: %w", server.Name, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize rejected by %q: %s", server.Name, resp.Error.Error.Message)
	}

	return c.Notify(ctx, &jsonrpc.Notification{
		Jsonrpc: jsonrpc.Version,
		Method:  "initialized",
	})
}
