package jsonrpc

// Listener observes every inbound and outbound Message on a transport's
// underlying connection, in addition to the normal request/response
// plumbing. Transports invoke it for requests, responses and notifications
// alike, letting callers tap raw wire traffic for logging or tracing
// without intercepting the round trip itself.
type Listener func(message *Message)
