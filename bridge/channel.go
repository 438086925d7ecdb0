// Package bridge exposes the unified SSE endpoint: one long-lived client
// stream multiplexed over however many backend Sessions a project's
// requests touch.
package bridge

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nexusmcp/gateway/session"
)

// ChannelState is a ClientChannel's lifecycle stage.
type ChannelState int

const (
	Opening ChannelState = iota
	Open
	Closing
	Closed
)

func (s ChannelState) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// DefaultQueueCapacity is the outbound queue's default bound.
const DefaultQueueCapacity = 1024

// event is one SSE frame queued for delivery on a ClientChannel.
type event struct {
	name string // "message" or "ping"
	data []byte
}

// ClientChannel is one client's unified SSE stream: a bounded outbound
// event queue plus the set of backend names it has subscribed
// notifications from. The Bridge owns its lifecycle; callers only ever
// reach it through the Bridge's HTTP handlers.
type ClientChannel struct {
	ID        string
	ProjectID string

	mu            sync.Mutex
	state         ChannelState
	subscriptions map[string]*session.Handle // backend name -> the Handle subscribed under this channel's id

	queue chan event

	// ctx is cancelled when the channel closes (client disconnect, server
	// shutdown, or a fatal framing error), so every invoke dispatched on
	// its behalf is cancelled too instead of outliving the stream.
	ctx    context.Context
	cancel context.CancelFunc
}

// newClientChannel constructs an Opening ClientChannel for projectID with
// a fresh id and a queue bounded at capacity.
func newClientChannel(projectID string, capacity int) *ClientChannel {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientChannel{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		state:         Opening,
		subscriptions: make(map[string]*session.Handle),
		queue:         make(chan event, capacity),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Context returns the channel's own context, cancelled when the channel
// closes. Messages dispatched on the channel's behalf derive their
// invoke context from this, not from the POST request's own context,
// so a disconnect cancels every in-flight invoke it started.
func (c *ClientChannel) Context() context.Context {
	return c.ctx
}

func (c *ClientChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ClientChannel) setState(s ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// markSubscribedWithHandle records that c has subscribed to backend's
// notifications through handle, so Close knows what to unsubscribe from
// without needing a fresh Acquire.
func (c *ClientChannel) markSubscribedWithHandle(backend string, handle *session.Handle) {
	c.mu.Lock()
	c.subscriptions[backend] = handle
	c.mu.Unlock()
}

// isSubscribed reports whether c has already subscribed to backend.
func (c *ClientChannel) isSubscribed(backend string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[backend]
	return ok
}

// subscriptionHandles returns every backend-name -> Handle pair c has
// subscribed, for Close to unsubscribe from.
func (c *ClientChannel) subscriptionHandles() map[string]*session.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*session.Handle, len(c.subscriptions))
	for name, h := range c.subscriptions {
		out[name] = h
	}
	return out
}

// enqueueNonBlocking appends a message/ping event to the outbound queue,
// failing fast when it is full rather than blocking the caller (the
// backpressure check happens before accepting the POST that would
// produce this event, not here).
func (c *ClientChannel) enqueueNonBlocking(name string, data []byte) bool {
	select {
	case c.queue <- event{name: name, data: data}:
		return true
	default:
		return false
	}
}
