package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nexusmcp/gateway"
	"github.com/nexusmcp/gateway/backend/sse"
	"github.com/nexusmcp/gateway/backend/stdio"
	"github.com/nexusmcp/gateway/gwerr"
	"github.com/nexusmcp/gateway/registry"
)

// ClientInfo identifies the gateway during a backend's initialize
// handshake, forwarded unchanged to both transport dialers.
type ClientInfo struct {
	Name    string
	Version string
}

// drainingPollInterval is how often a caller retrying into a Draining
// Session checks back.
const drainingPollInterval = 5 * time.Millisecond

// Manager is the process-wide cache of Sessions. The key->Session table
// is guarded by one lock that is never held across I/O; per-Session
// state has its own finer-grained lock (see Session).
type Manager struct {
	registry *registry.Registry
	client   ClientInfo

	mu       sync.RWMutex
	sessions map[Key]*Session

	// aliasMu/aliases cache the (projectID, serverRef) -> Key resolution
	// so a warm Acquire never calls the Registry: the Registry issues one
	// round-trip per Get and must not sit on the hot path once a Session
	// is Ready. Entries are dropped lazily whenever
	// the Session they resolve to is gone, forcing re-resolution (which
	// also picks up a BackendServer edit made between calls).
	aliasMu sync.RWMutex
	aliases map[aliasKey]Key

	serversMu sync.RWMutex
	servers   map[Key]*registry.BackendServer

	group singleflight.Group

	// dialFunc performs the actual backend dial for constructAsync. It
	// defaults to m.dial; tests override it to count/fake constructions
	// without spawning a real child process or HTTP connection.
	dialFunc func(ctx context.Context, s *Session, server *registry.BackendServer)
}

// aliasKey is the caller-facing lookup a client actually names a backend
// by: a project plus whatever ref (opaque id or human name) it passed to
// Acquire.
type aliasKey struct {
	ProjectID string
	ServerRef string
}

// New constructs a Manager reading BackendServer rows through reg and
// identifying the gateway to backends as client during handshakes.
func New(reg *registry.Registry, client ClientInfo) *Manager {
	m := &Manager{
		registry: reg,
		client:   client,
		sessions: make(map[Key]*Session),
		aliases:  make(map[aliasKey]Key),
		servers:  make(map[Key]*registry.BackendServer),
	}
	m.dialFunc = m.dial
	return m
}

// Acquire resolves serverRef through the Registry on a cache miss only,
// then returns a Handle to a Ready Session, constructing one if
// necessary. Two concurrent Acquires for the same absent key result in
// exactly one transport being dialed; the second caller waits on the
// first's outcome.
func (m *Manager) Acquire(ctx context.Context, projectID, serverRef string) (*Handle, error) {
	aKey := aliasKey{ProjectID: projectID, ServerRef: serverRef}

	for {
		key, server, ok := m.resolve(ctx, aKey)
		if !ok {
			resolved, err := m.registry.Get(ctx, projectID, serverRef)
			if err != nil {
				return nil, err
			}
			server = resolved
			key = Key{ProjectID: projectID, ServerID: server.ID}
			m.putAlias(aKey, key)
			m.cacheServer(key, server)
		}

		existing, loaded := m.lookup(key)
		if !loaded {
			existing = m.constructAsync(ctx, key, server)
		}

		timeout := server.Timeout()
		if existing.State() == Initializing {
			if err := existing.awaitReady(ctx, timeout); err != nil {
				return nil, gwerr.InitError.Withf("waiting for %s: %v", key.ServerID, err)
			}
		}

		switch existing.State() {
		case Ready:
			existing.acquireSlot()
			return &Handle{session: existing, m: m}, nil
		case Dead:
			// The session that just finished constructing (or a
			// stale one raced by eviction) died; drop the alias so
			// the next attempt re-resolves via the Registry.
			m.dropIfDead(key, existing)
			m.dropAlias(aKey)
			continue
		default:
			// Draining: the old Session stays visible under key until
			// Evict finishes (or times out) so no second construction
			// races it; wait briefly for it to clear, then retry.
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(drainingPollInterval):
			}
			continue
		}
	}
}

// resolve returns the cached Key and BackendServer for aKey, if both the
// alias and a server-details cache entry for its Key are still present.
func (m *Manager) resolve(ctx context.Context, aKey aliasKey) (Key, *registry.BackendServer, bool) {
	m.aliasMu.RLock()
	key, ok := m.aliases[aKey]
	m.aliasMu.RUnlock()
	if !ok {
		return Key{}, nil, false
	}
	server, ok := m.lookupServer(key)
	if !ok {
		return Key{}, nil, false
	}
	return key, server, true
}

func (m *Manager) putAlias(aKey aliasKey, key Key) {
	m.aliasMu.Lock()
	m.aliases[aKey] = key
	m.aliasMu.Unlock()
}

func (m *Manager) dropAlias(aKey aliasKey) {
	m.aliasMu.Lock()
	delete(m.aliases, aKey)
	m.aliasMu.Unlock()
}

func (m *Manager) lookupServer(key Key) (*registry.BackendServer, bool) {
	m.serversMu.RLock()
	defer m.serversMu.RUnlock()
	s, ok := m.servers[key]
	return s, ok
}

func (m *Manager) cacheServer(key Key, server *registry.BackendServer) {
	m.serversMu.Lock()
	m.servers[key] = server
	m.serversMu.Unlock()
}

func (m *Manager) uncacheServer(key Key) {
	m.serversMu.Lock()
	delete(m.servers, key)
	m.serversMu.Unlock()
}

// lookup returns the current Session for key, if any.
func (m *Manager) lookup(key Key) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// constructAsync ensures exactly one dial is in flight for key and
// returns the (possibly just-registered) Session for the caller to wait
// on. Singleflight collapses concurrent callers onto one dial; the
// key->Session map publishes the in-progress Session immediately so
// State()=Initializing is externally observable while the dial runs.
func (m *Manager) constructAsync(ctx context.Context, key Key, server *registry.BackendServer) *Session {
	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return s
	}
	s := newSession(key)
	m.sessions[key] = s
	m.mu.Unlock()

	sfKey := fmt.Sprintf("%s/%s", key.ProjectID, key.ServerID)
	go func() {
		_, _, _ = m.group.Do(sfKey, func() (interface{}, error) {
			m.dialFunc(ctx, s, server)
			return nil, nil
		})
	}()
	return s
}

func (m *Manager) dial(ctx context.Context, s *Session, server *registry.BackendServer) {
	switch server.Transport {
	case registry.TransportStdio:
		backend, err := stdio.Dial(ctx, server, stdio.ClientInfo(m.client), stdio.WithNotify(s.dispatch))
		if err != nil {
			s.markFailed(gwerr.InitError.Withf("dial stdio backend %q: %v", server.Name, err))
			return
		}
		s.markReady(backend, json.RawMessage(nil))
	case registry.TransportSSE:
		backend, err := sse.Dial(ctx, server, sse.ClientInfo(m.client), sse.WithNotify(s.dispatch))
		if err != nil {
			s.markFailed(gwerr.InitError.Withf("dial sse backend %q: %v", server.Name, err))
			return
		}
		s.markReady(backend, json.RawMessage(nil))
	default:
		s.markFailed(gwerr.InitError.Withf("backend %q: unknown transport %q", server.Name, server.Transport))
	}
}

func (m *Manager) dropIfDead(key Key, s *Session) {
	m.mu.Lock()
	dropped := false
	if current, ok := m.sessions[key]; ok && current == s && current.State() == Dead {
		delete(m.sessions, key)
		dropped = true
	}
	m.mu.Unlock()
	if dropped {
		m.uncacheServer(key)
	}
}

// Release decrements the Handle's Session's inflight count and updates
// last_used_at.
func (m *Manager) Release(h *Handle) {
	h.session.releaseSlot()
}

// Invoke forwards request on the Handle's transport and waits for its
// reply. A caller-side deadline or cancellation surfaces as Timeout and
// leaves the Session itself alone; any other transport-level failure
// transitions the Session to Dead and evicts it so the next Acquire
// constructs a fresh one.
func (m *Manager) Invoke(ctx context.Context, h *Handle, request *jsonrpc.Request) (*jsonrpc.Response, error) {
	resp, err := h.session.Transport.Send(ctx, request)
	if err != nil {
		if ctx.Err() != nil {
			return nil, gwerr.Timeout.Withf("invoke on %s: %v", h.session.Key.ServerID, ctx.Err())
		}
		h.session.setState(Dead)
		m.dropIfDead(h.session.Key, h.session)
		return nil, gwerr.TransportGone.Withf("invoke on %s: %v", h.session.Key.ServerID, err)
	}
	return resp, nil
}

// Evict transitions the Session at key to Draining, refuses to be
// looked up by new Acquires (Acquire's Draining branch treats it as
// still present and retries rather than racing a second construction),
// waits for inflight_count==0 up to grace, then Drains the transport
// and removes the entry. The Session stays visible under key — in
// state Draining, not Dead — for the whole drain window, so at most
// one non-Dead Session per key is ever observable. Sessions already
// Dead are removed immediately regardless of grace.
func (m *Manager) Evict(ctx context.Context, key Key, grace time.Duration) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	wasDead := s.State() == Dead
	if !wasDead {
		s.setState(Draining)
	}
	m.mu.Unlock()

	if wasDead || s.Transport == nil {
		m.removeIfCurrent(key, s)
		m.uncacheServer(key)
		return nil
	}

	defer func() {
		m.removeIfCurrent(key, s)
		m.uncacheServer(key)
	}()

	deadline := time.Now().Add(grace)
	for s.inflightCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	return s.Transport.Drain(ctx)
}

// removeIfCurrent deletes key from the session table only if s is still
// the entry registered there, so a concurrent construction that already
// replaced it (e.g. after the prior occupant went Dead) is never undone.
func (m *Manager) removeIfCurrent(key Key, s *Session) {
	m.mu.Lock()
	if current, ok := m.sessions[key]; ok && current == s {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
}

// Snapshot returns every key currently tracked, for the Janitor's
// eligibility scan. It never holds the lock during the caller's use of
// the result.
func (m *Manager) Snapshot() []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]Key, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	return keys
}

// Eligible reports whether the session at key is idle-eligible for
// eviction: last_used_at older than idleTimeout and inflight_count==0,
// or already Dead.
func (m *Manager) Eligible(key Key, idleTimeout time.Duration) bool {
	s, ok := m.lookup(key)
	if !ok {
		return false
	}
	if s.State() == Dead {
		return true
	}
	return s.inflightCount() == 0 && s.idleFor() >= idleTimeout
}

// Subscribe registers fn to receive every notification the Handle's
// backend sends, keyed by channelID (a ClientChannel's id). Callers
// must Unsubscribe before the channel closes.
func (m *Manager) Subscribe(h *Handle, channelID string, fn func(*jsonrpc.Notification)) {
	h.session.subscribe(channelID, fn)
}

// Unsubscribe removes channelID's notification callback from the
// Handle's backend.
func (m *Manager) Unsubscribe(h *Handle, channelID string) {
	h.session.unsubscribe(channelID)
}

// DrainAll evicts every tracked session, for use at process shutdown.
func (m *Manager) DrainAll(ctx context.Context, grace time.Duration) {
	for _, key := range m.Snapshot() {
		_ = m.Evict(ctx, key, grace)
	}
}
