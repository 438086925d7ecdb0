// Package session is the process-wide cache of live connections to
// backend MCP servers: at-most-one construction per key, idle eviction
// guarded by an inflight interlock, and the stdio/SSE transport handle
// those connections are ultimately sealed behind.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexusmcp/gateway"
)

// Key identifies one backend connection, scoped to a project so the
// same server name can coexist across tenants.
type Key struct {
	ProjectID string
	ServerID  string
}

// State is a Session's lifecycle stage.
type State int

const (
	Initializing State = iota
	Ready
	Draining
	Dead
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Draining:
		return "draining"
	case Dead:
		return "dead"
	}
	return "unknown"
}

// conn is the sealed transport surface a Session drives: either a
// backend/stdio.Backend or a backend/sse.Backend, both of which already
// expose this method set.
type conn interface {
	Send(ctx context.Context, request *jsonrpc.Request) (*jsonrpc.Response, error)
	Notify(ctx context.Context, notification *jsonrpc.Notification) error
	Drain(ctx context.Context) error
}

// Session is one live backend connection. The Manager exclusively owns
// Sessions; callers only ever hold a Handle borrowed for the lifetime of
// one acquire/release pair.
type Session struct {
	Key          Key
	Transport    conn
	Capabilities json.RawMessage

	mu           sync.Mutex
	state        State
	createdAt    time.Time
	lastUsedAt   time.Time
	inflight     int64
	initErr      error
	initDone     chan struct{}

	subMu       sync.RWMutex
	subscribers map[string]func(*jsonrpc.Notification)
}

func newSession(key Key) *Session {
	return &Session{
		Key:         key,
		state:       Initializing,
		createdAt:   time.Now(),
		lastUsedAt:  time.Now(),
		initDone:    make(chan struct{}),
		subscribers: make(map[string]func(*jsonrpc.Notification)),
	}
}

// subscribe registers fn to receive every notification this Session's
// backend sends, under channelID (a ClientChannel's id). Re-subscribing
// the same channelID replaces its callback.
func (s *Session) subscribe(channelID string, fn func(*jsonrpc.Notification)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers[channelID] = fn
}

// unsubscribe removes channelID's callback, if any.
func (s *Session) unsubscribe(channelID string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subscribers, channelID)
}

// dispatch fans a backend notification out to every subscriber, in
// arrival order. It is invoked on the transport's reader goroutine, so
// subscriber callbacks must not block.
func (s *Session) dispatch(n *jsonrpc.Notification) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, fn := range s.subscribers {
		fn(n)
	}
}

// awaitReady blocks until construction finishes (success or failure) or
// ctx/deadline expires, whichever comes first.
func (s *Session) awaitReady(ctx context.Context, timeout time.Duration) error {
	select {
	case <-s.initDone:
		return s.initErr
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

func (s *Session) markReady(t conn, caps json.RawMessage) {
	s.mu.Lock()
	s.Transport = t
	s.Capabilities = caps
	s.state = Ready
	s.mu.Unlock()
	close(s.initDone)
}

func (s *Session) markFailed(err error) {
	s.mu.Lock()
	s.initErr = err
	s.state = Dead
	s.mu.Unlock()
	close(s.initDone)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) acquireSlot() {
	atomic.AddInt64(&s.inflight, 1)
	s.touch()
}

func (s *Session) releaseSlot() {
	atomic.AddInt64(&s.inflight, -1)
	s.touch()
}

func (s *Session) inflightCount() int64 {
	return atomic.LoadInt64(&s.inflight)
}

// idleFor reports how long the session has gone unused.
func (s *Session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastUsedAt)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Handle is a short-lived, borrowed reference to a Ready Session,
// returned by Manager.Acquire. Callers must Release it and must not
// retain it past the request or stream it was acquired for.
type Handle struct {
	session *Session
	m       *Manager
}

// Key returns the backing Session's key.
func (h *Handle) Key() Key { return h.session.Key }
