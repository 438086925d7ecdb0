// Package gwerr defines the gateway's error taxonomy and its mapping onto
// JSON-RPC error codes returned to clients over the SSE Bridge.
package gwerr

import "fmt"

// Kind enumerates the gateway's error taxonomy. Everything except Fatal
// is recovered locally; a Kind value is never returned bare, only
// wrapped with a reason via With/Withf.
type Kind int

const (
	// NotFound: no such BackendServer in the project.
	NotFound Kind = iota
	// Unauthorized: external auth rejected the caller.
	Unauthorized
	// InitError: backend handshake failed; the Session is not cached.
	InitError
	// TransportGone: mid-session failure; the Session was removed.
	TransportGone
	// Timeout: deadline exceeded; request cancelled on the backend.
	Timeout
	// Backpressure: client channel outbound queue is full.
	Backpressure
	// DecryptError: ciphertext tampered or wrong key.
	DecryptError
	// Fatal: invariant violation. Not recovered; the process aborts.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case Unauthorized:
		return "unauthorized"
	case InitError:
		return "init error"
	case TransportGone:
		return "transport gone"
	case Timeout:
		return "timeout"
	case Backpressure:
		return "backpressure"
	case DecryptError:
		return "decrypt error"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("error kind %d", int(k))
}

func (k Kind) Error() string { return k.String() }

// With wraps the kind with a reason, preserving it for errors.Is/As.
func (k Kind) With(args ...interface{}) error {
	return fmt.Errorf("%w: %s", k, fmt.Sprint(args...))
}

// Withf wraps the kind with a formatted reason.
func (k Kind) Withf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", k, fmt.Sprintf(format, args...))
}

// JSONRPCCode returns the JSON-RPC error code the Orchestrator surfaces
// to a client for this Kind. Fatal has no wire representation: it aborts
// the process rather than reaching a client.
func (k Kind) JSONRPCCode() int {
	switch k {
	case NotFound:
		return -32001
	case InitError:
		return -32002
	case TransportGone:
		return -32003
	case Timeout:
		return -32004
	case DecryptError:
		return -32005
	case Unauthorized:
		return -32006
	default:
		return -32603 // InternalError
	}
}

// Is reports whether err's Kind matches k, looking through fmt.Errorf's
// %w wrapping.
func Is(err error, k Kind) bool {
	for err != nil {
		if kind, ok := err.(Kind); ok {
			return kind == k
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
