package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nexusmcp/gateway"
	"github.com/nexusmcp/gateway/gwerr"
	"github.com/nexusmcp/gateway/orchestrator"
	"github.com/nexusmcp/gateway/registry"
	"github.com/nexusmcp/gateway/session"
	"github.com/nexusmcp/gateway/transport/server/auth"
	"github.com/nexusmcp/gateway/transport/server/http/common"
)

// PingInterval bounds the keepalive cadence: a "ping" event is sent at
// least this often so intermediaries don't time out the stream.
const PingInterval = 10 * time.Second

// Bridge is the unified SSE endpoint: it owns every open ClientChannel
// for every project and translates each one's POSTed JSON-RPC messages
// into Orchestrator calls, delivering the reply as a `message` event on
// the same channel.
type Bridge struct {
	orchestrator  *orchestrator.Orchestrator
	sessions      *session.Manager
	registry      *registry.Registry
	verifier      auth.Verifier
	queueCapacity int

	mu       sync.Mutex
	channels map[string]*ClientChannel
}

// New constructs a Bridge. verifier may be nil, in which case every
// request is accepted unauthenticated (suitable for local/dev use only;
// production deployments always wire a Verifier).
func New(orch *orchestrator.Orchestrator, sessions *session.Manager, reg *registry.Registry, verifier auth.Verifier, queueCapacity int) *Bridge {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	return &Bridge{
		orchestrator:  orch,
		sessions:      sessions,
		registry:      reg,
		verifier:      verifier,
		queueCapacity: queueCapacity,
		channels:      make(map[string]*ClientChannel),
	}
}

// ServeHTTP dispatches the two unified-channel routes and their
// per-server-pinned counterparts. Path shapes recognized:
//
//	GET  /projects/{project_id}/unified/sse
//	POST /projects/{project_id}/unified/messages/?channel_id=...
//	GET  /projects/{project_id}/servers/{server}/sse
//	POST /projects/{project_id}/servers/{server}/messages/?channel_id=...
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) < 4 || parts[0] != "projects" {
		http.NotFound(w, r)
		return
	}
	projectID := parts[1]

	var pinnedServer string
	var leaf string
	switch {
	case parts[2] == "unified" && len(parts) == 4:
		leaf = parts[3]
	case parts[2] == "servers" && len(parts) == 5:
		pinnedServer = parts[3]
		leaf = parts[4]
	default:
		http.NotFound(w, r)
		return
	}

	identity, err := b.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	_ = identity // scopes are an external collaborator's concern; the core only gates on success/failure.

	switch leaf {
	case "sse":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		b.handleSSE(w, r, projectID, pinnedServer)
	case "messages", "messages/":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		b.handleMessage(w, r, projectID, pinnedServer)
	default:
		http.NotFound(w, r)
	}
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func (b *Bridge) authenticate(r *http.Request) (auth.Identity, error) {
	if b.verifier == nil {
		return auth.Identity{}, nil
	}
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if bearer == "" {
		return auth.Identity{}, auth.ErrUnauthorized
	}
	return b.verifier.Verify(r.Context(), bearer)
}

// handleSSE opens a ClientChannel, writes the endpoint event naming its
// POST URL, then streams queued events until the client disconnects.
func (b *Bridge) handleSSE(w http.ResponseWriter, r *http.Request, projectID, pinnedServer string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	writer := common.NewFlushWriter(w)

	channel := newClientChannel(projectID, b.queueCapacity)
	b.register(channel)
	defer b.close(channel)

	messagesPath := "messages/"
	if pinnedServer != "" {
		messagesPath = fmt.Sprintf("servers/%s/messages/", url.PathEscape(pinnedServer))
	} else {
		messagesPath = "unified/messages/"
	}
	endpoint := fmt.Sprintf("/projects/%s/%s?channel_id=%s", url.PathEscape(projectID), messagesPath, channel.ID)
	if _, err := writer.Write([]byte(fmt.Sprintf("event: endpoint\ndata: %s\n\n", endpoint))); err != nil {
		return
	}
	channel.setState(Open)

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := writer.Write([]byte("event: ping\ndata: {}\n\n")); err != nil {
				return
			}
		case ev := <-channel.queue:
			if _, err := writer.Write([]byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.name, ev.data))); err != nil {
				return
			}
		}
	}
}

func (b *Bridge) register(c *ClientChannel) {
	b.mu.Lock()
	b.channels[c.ID] = c
	b.mu.Unlock()
}

// close transitions c to Closing, unsubscribes it from every backend it
// routed through, then removes it from the Bridge's table.
func (b *Bridge) close(c *ClientChannel) {
	c.setState(Closing)
	c.cancel()
	for _, handle := range c.subscriptionHandles() {
		b.sessions.Unsubscribe(handle, c.ID)
	}
	c.setState(Closed)
	b.mu.Lock()
	delete(b.channels, c.ID)
	b.mu.Unlock()
}

func (b *Bridge) lookupChannel(id string) (*ClientChannel, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.channels[id]
	return c, ok
}

type wireMessage struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type serverParam struct {
	Server string `json:"_server"`
}

// handleMessage parses the POSTed JSON-RPC body, resolves the target
// backend(s), and hands the request to the Orchestrator asynchronously:
// the POST itself only acknowledges acceptance.
func (b *Bridge) handleMessage(w http.ResponseWriter, r *http.Request, projectID, pinnedServer string) {
	channelID := r.URL.Query().Get("channel_id")
	if channelID == "" {
		http.Error(w, "missing channel_id", http.StatusBadRequest)
		return
	}
	channel, ok := b.lookupChannel(channelID)
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}
	if channel.State() == Closing || channel.State() == Closed {
		http.Error(w, "channel closing", http.StatusConflict)
		return
	}

	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var msg wireMessage
	if err := json.Unmarshal(body, &msg); err != nil || msg.Method == "" {
		http.Error(w, "malformed json-rpc message", http.StatusBadRequest)
		return
	}

	if cap(channel.queue) > 0 && len(channel.queue) >= cap(channel.queue) {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "channel backpressure", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	// Derived from the channel's own lifetime, not the POST request's —
	// the request ends the moment we write 202, but the invoke it kicks
	// off must be cancelled when the channel (the SSE stream) closes.
	go b.dispatch(channel.Context(), channel, projectID, pinnedServer, msg)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, fmt.Errorf("empty body")
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// dispatch routes msg to one or more backends and delivers the outcome
// as a `message` event on channel. Fan-out (tools/list, resources/list
// with no pinned/explicit backend) merges every enabled backend's reply.
func (b *Bridge) dispatch(ctx context.Context, channel *ClientChannel, projectID, pinnedServer string, msg wireMessage) {
	isRequest := len(msg.Id) > 0 && string(msg.Id) != "null"

	serverRef := pinnedServer
	if serverRef == "" {
		var p serverParam
		if len(msg.Params) > 0 {
			_ = json.Unmarshal(msg.Params, &p)
		}
		serverRef = p.Server
	}

	if serverRef == "" && isRequest && (msg.Method == "tools/list" || msg.Method == "resources/list") {
		b.fanOut(ctx, channel, projectID, msg)
		return
	}

	if serverRef == "" {
		if isRequest {
			b.deliverError(channel, msg.Id, gwerr.NotFound.With("no _server specified and method does not support fan-out"))
		}
		return
	}

	b.ensureSubscribed(ctx, channel, projectID, serverRef)

	if !isRequest {
		// Fire-and-forget notification toward the backend; no reply to deliver.
		_, _ = b.orchestrator.Call(ctx, projectID, serverRef, requestFromWire(msg))
		return
	}

	resp, err := b.orchestrator.Call(ctx, projectID, serverRef, requestFromWire(msg))
	if err != nil {
		b.deliverError(channel, msg.Id, err)
		return
	}
	b.deliverResponse(channel, resp)
}

func requestFromWire(msg wireMessage) *jsonrpc.Request {
	var id jsonrpc.RequestId
	if len(msg.Id) > 0 {
		_ = json.Unmarshal(msg.Id, &id)
	}
	return &jsonrpc.Request{
		Id:      id,
		Jsonrpc: jsonrpc.Version,
		Method:  msg.Method,
		Params:  msg.Params,
	}
}

func (b *Bridge) deliverResponse(channel *ClientChannel, resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	channel.enqueueNonBlocking("message", data)
}

func (b *Bridge) deliverError(channel *ClientChannel, id jsonrpc.RequestId, err error) {
	code := -32603
	for k := gwerr.NotFound; k <= gwerr.Fatal; k++ {
		if gwerr.Is(err, k) {
			code = k.JSONRPCCode()
			break
		}
	}
	resp := jsonrpc.NewError(id, jsonrpc.NewInnerError(code, err.Error(), nil))
	data, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		return
	}
	channel.enqueueNonBlocking("message", data)
}

// ensureSubscribed acquires a handle to serverRef's Session (constructing
// it if necessary) and subscribes channel to its notifications, once per
// (channel, backend) pair. The acquired Handle is retained past its
// Release so Close can later Unsubscribe without forcing a fresh Acquire
// (and therefore without risking spawning a second backend process just
// to tear a subscription down).
func (b *Bridge) ensureSubscribed(ctx context.Context, channel *ClientChannel, projectID, serverRef string) {
	if channel.isSubscribed(serverRef) {
		return
	}
	handle, err := b.sessions.Acquire(ctx, projectID, serverRef)
	if err != nil {
		return
	}
	b.sessions.Subscribe(handle, channel.ID, func(n *jsonrpc.Notification) {
		data, err := json.Marshal(n)
		if err != nil {
			return
		}
		channel.enqueueNonBlocking("message", data)
	})
	channel.markSubscribedWithHandle(serverRef, handle)
	b.sessions.Release(handle)
}

// fanOut submits msg to every enabled backend in projectID and merges
// the results, prefixing each tool/resource name with its backend's
// name to preserve uniqueness across backends.
func (b *Bridge) fanOut(ctx context.Context, channel *ClientChannel, projectID string, msg wireMessage) {
	servers, err := b.registry.List(ctx, projectID)
	if err != nil {
		b.deliverError(channel, msg.Id, err)
		return
	}

	type item = map[string]interface{}
	var merged []item
	key := "tools"
	nameField := "name"
	if msg.Method == "resources/list" {
		key = "resources"
		nameField = "name"
	}

	var lastErr error
	anySucceeded := false
	for _, server := range servers {
		if !server.Enabled {
			continue
		}
		b.ensureSubscribed(ctx, channel, projectID, server.Name)
		resp, err := b.orchestrator.Call(ctx, projectID, server.Name, requestFromWire(msg))
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Error != nil {
			lastErr = fmt.Errorf("%s: %s", server.Name, resp.Error.Error.Message)
			continue
		}
		var result map[string]json.RawMessage
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			continue
		}
		var entries []item
		if raw, ok := result[key]; ok {
			_ = json.Unmarshal(raw, &entries)
		}
		for _, entry := range entries {
			if name, ok := entry[nameField].(string); ok {
				entry[nameField] = server.Name + ":" + name
			}
			merged = append(merged, entry)
		}
		anySucceeded = true
	}

	if !anySucceeded && lastErr != nil {
		b.deliverError(channel, msg.Id, lastErr)
		return
	}

	result := map[string]interface{}{key: merged}
	resultData, err := json.Marshal(result)
	if err != nil {
		b.deliverError(channel, msg.Id, err)
		return
	}
	var id jsonrpc.RequestId
	_ = json.Unmarshal(msg.Id, &id)
	resp := jsonrpc.NewResponse(id, resultData)
	b.deliverResponse(channel, resp)
}
