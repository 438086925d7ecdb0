package stdio

import (
	"github.com/nexusmcp/gateway"
	"github.com/nexusmcp/gateway/internal/ring"
	"github.com/nexusmcp/gateway/transport"
	"github.com/viant/scy/cred/secret"
	"time"
)

type Option func(c *Client)

// WithArguments is used to set the command line arguments for the base
func WithArguments(args ...string) Option {
	return func(c *Client) {
		c.args = args
	}
}

// WithEnvironment is used to set the environment for the base
func WithEnvironment(key, value string) Option {
	return func(c *Client) {
		if c.env == nil {
			c.env = make(map[string]string)
		}
		c.env[key] = value
	}
}

// WithSecret allows to inject a secret resource into the base
func WithSecret(resource secret.Resource) Option {
	return func(c *Client) {
		c.secret = resource // replace with actual secret resource initialization
	}
}

// WithHost routes the spawned command over SSH to host instead of
// running it locally. Requires WithSecret to resolve credentials.
func WithHost(host string) Option {
	return func(c *Client) {
		c.host = host
	}
}

// WithCwd sets the working directory the command is spawned in.
func WithCwd(cwd string) Option {
	return func(c *Client) {
		c.cwd = cwd
	}
}

// WithMaxFrameBytes caps the size of a single newline-delimited frame
// read from stdout. A frame exceeding the cap kills the session instead
// of growing the accumulation buffer without bound.
func WithMaxFrameBytes(n int) Option {
	return func(c *Client) {
		c.maxFrameBytes = n
	}
}

// WithStderr attaches a ring buffer capturing diagnostic output (process
// exit text, oversized-frame notices) for troubleshooting.
func WithStderr(buf *ring.Buffer) Option {
	return func(c *Client) {
		c.stderr = buf
	}
}

// WithTrips with trips
func WithTrips(trips *transport.RoundTrips) Option {
	return func(c *Client) {
		c.base.RoundTrips = trips
	}
}

// WithListener set listener on stdio base
func WithListener(listener jsonrpc.Listener) Option {
	return func(c *Client) {
		c.base.Listener = listener
	}
}

func WithRunTimeout(timeoutMs int) Option {
	return func(c *Client) {
		c.base.RunTimeout = time.Duration(timeoutMs) * time.Millisecond
	}
}

func WithHandler(handler transport.Handler) Option {
	return func(c *Client) {
		c.base.Handler = handler
	}
}
