// Package stdio dials a registry.BackendServer of transport "stdio" into
// a live JSON-RPC client, performing the initialize/initialized
// handshake and carrying the configured environment, working directory
// and (optionally) remote SSH execution.
package stdio

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/viant/scy/cred/secret"

	"github.com/nexusmcp/gateway"
	"github.com/nexusmcp/gateway/internal/ring"
	"github.com/nexusmcp/gateway/registry"
	stdioclient "github.com/nexusmcp/gateway/transport/client/stdio"
)

// ClientInfo identifies the gateway to a backend during the initialize
// handshake.
type ClientInfo struct {
	Name    string
	Version string
}

// Backend wraps a spawned stdio client with the diagnostics ring buffer
// and backend definition it was dialed from.
type Backend struct {
	*stdioclient.Client
	Stderr *ring.Buffer
	Server *registry.BackendServer
}

// DialOption configures an individual Dial call. Distinct from
// stdioclient.Option: these options shape the gateway-level dial
// (notification routing), not the wire client itself.
type DialOption func(*dialConfig)

type dialConfig struct {
	onNotify func(*jsonrpc.Notification)
}

// WithNotify registers fn to be called with every notification the
// backend sends after the handshake completes — the Session Manager
// wires this to a Session's subscriber fan-out so SSE Bridge channels
// subscribed to this backend receive its notifications.
func WithNotify(fn func(*jsonrpc.Notification)) DialOption {
	return func(c *dialConfig) { c.onNotify = fn }
}

// notifyHandler adapts a plain callback into a transport.Handler so it
// can be installed via stdioclient.WithHandler. Backends never receive
// server-initiated requests under MCP, so Serve always reports method
// not found; only OnNotification carries real traffic.
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

// Dial spawns server's command (locally, or over SSH when SSHHost is
// set) and performs the MCP initialize/initialized handshake. The
// returned Backend is Ready only once this call returns without error.
func Dial(ctx context.Context, server *registry.BackendServer, client ClientInfo, opts ...DialOption) (*Backend, error) {
	if server.Command == "" {
		return nil, fmt.Errorf("stdio backend %q: command is required", server.Name)
	}

	cfg := &dialConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	stderr := ring.New(64)
	options := []stdioclient.Option{
		stdioclient.WithArguments(server.Args...),
		stdioclient.WithCwd(server.Cwd),
		stdioclient.WithRunTimeout(int(server.Timeout().Milliseconds())),
		stdioclient.WithStderr(stderr),
	}
	if cfg.onNotify != nil {
		options = append(options, stdioclient.WithHandler(&notifyHandler{fn: cfg.onNotify}))
	}
	for k, v := range mergedEnv(server.Env) {
		options = append(options, stdioclient.WithEnvironment(k, v))
	}
	if server.SSHHost != "" {
		options = append(options, stdioclient.WithHost(server.SSHHost))
		if server.SSHSecretRef != "" {
			options = append(options, stdioclient.WithSecret(secret.Resource(server.SSHSecretRef)))
		}
	}

	c, err := stdioclient.New(server.Command, options...)
	if err != nil {
		return nil, fmt.Errorf("spawn stdio backend %q: %w", server.Name, err)
	}

	if err := handshake(ctx, c, server, client); err != nil {
		_ = c.Drain(ctx)
		return nil, err
	}

	return &Backend{Client: c, Stderr: stderr, Server: server}, nil
}

// mergedEnv layers server-specific overrides on top of the gateway
// process's own environment.
func mergedEnv(overrides map[string]string) map[string]string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			merged[k] = v
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

type initializeParams struct {
	ProtocolVersion string      `json:"protocolVersion"`
	Capabilities    struct{}    `json:"capabilities"`
	ClientInfo      clientInfo  `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

const protocolVersion = "2024-11-05"

func handshake(ctx context.Context, c *stdioclient.Client, server *registry.BackendServer, info ClientInfo) error {
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
