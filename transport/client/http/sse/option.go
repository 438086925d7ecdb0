package sse

import (
	"github.com/nexusmcp/gateway"
	"github.com/nexusmcp/gateway/transport"
	"net/http"
	"time"
)

// Option is a function that configures the Client
type Option func(*Client)

// WithClient sets the HTTP client used for both the SSE stream and the
// message POSTs.
func WithClient(client *http.Client) Option {
	return func(c *Client) {
		c.transport.sseClient = client
		c.transport.messageClient = client
	}
}

// WithHeaders attaches headers to every GET (stream) and POST (message)
// request this client makes, sourced from a BackendServer's headers field.
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		if c.transport.headers == nil {
			c.transport.headers = http.Header{}
		}
		for k, v := range headers {
			c.transport.headers.Set(k, v)
		}
	}
}

// WithHandshakeTimeout sets the handshake timeout for the SSE client
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.handshakeTimeout = timeout
	}
}

// WithTrips sets the trips for the SSE client
func WithTrips(trips *transport.RoundTrips) Option {
	return func(c *Client) {
		c.base.RoundTrips = trips
	}
}

// WithListener set listener on http tips
func WithListener(listener jsonrpc.Listener) Option {
	return func(c *Client) {
		c.base.Listener = listener
	}
}

func WithHandler(handler transport.Handler) Option {
	return func(c *Client) {
		c.base.Handler = handler
	}
}
