package session

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nexusmcp/gateway"
	"github.com/nexusmcp/gateway/crypto"
	"github.com/nexusmcp/gateway/registry"
)

func newTestManager(t *testing.T, server registry.BackendServer) *Manager {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := registry.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	key, err := crypto.NewEncryptionKey(make([]byte, crypto.KeySize))
	if err != nil {
		t.Fatalf("NewEncryptionKey: %v", err)
	}
	if err := store.Put(context.Background(), server, key); err != nil {
		t.Fatalf("Put: %v", err)
	}
	reg := registry.New(store, key)
	return New(reg, ClientInfo{Name: "test", Version: "0"})
}

func unsupportedServer(id, name string) registry.BackendServer {
	return registry.BackendServer{
		ID:        id,
		ProjectID: "P1",
		Name:      name,
		Transport: registry.Transport("unsupported"),
		Enabled:   true,
	}
}

func TestManager_Acquire_UnknownServerReturnsNotFound(t *testing.T) {
	m := newTestManager(t, unsupportedServer("srv-1", "fs"))

	_, err := m.Acquire(context.Background(), "P1", "does-not-exist")
	if err == nil {
		t.Fatalf("expected an error for an unknown server")
	}
}

func TestManager_Acquire_FailedDialIsTrackedThenReplacedOnRetry(t *testing.T) {
	m := newTestManager(t, unsupportedServer("srv-1", "fs"))

	_, err := m.Acquire(context.Background(), "P1", "fs")
	if err == nil {
		t.Fatalf("expected Acquire against an unsupported transport to fail")
	}
	if n := len(m.Snapshot()); n != 1 {
		t.Fatalf("Snapshot length = %d, want 1 dead session tracked", n)
	}

	// A second Acquire discovers the cached alias points at a Dead
	// session, drops it, and re-resolves through the Registry — leaving
	// exactly one (new) dead session tracked, not two.
	_, err = m.Acquire(context.Background(), "P1", "fs")
	if err == nil {
		t.Fatalf("expected the retried Acquire to also fail")
	}
	if n := len(m.Snapshot()); n != 1 {
		t.Fatalf("Snapshot length after retry = %d, want 1", n)
	}
}

// TestManager_Acquire_SinglePerKeyConstructionUnderConcurrency verifies
// spec.md's "Singleflight under load" scenario: N concurrent Acquire
// calls for the same absent key collapse onto exactly one construction
// (dial), and every caller ends up with a handle to the same Session.
func TestManager_Acquire_SinglePerKeyConstructionUnderConcurrency(t *testing.T) {
	stdioServer := registry.BackendServer{
		ID:        "srv-1",
		ProjectID: "P1",
		Name:      "fs",
		Transport: registry.TransportStdio,
		Command:   "echo-mcp",
		Enabled:   true,
	}
	m := newTestManager(t, stdioServer)

	var dials int32
	m.dialFunc = func(ctx context.Context, s *Session, server *registry.BackendServer) {
		atomic.AddInt32(&dials, 1)
		s.markReady(&fakeConn{}, nil)
	}

	const n = 50
	var wg sync.WaitGroup
	handles := make([]*Handle, n)
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			h, err := m.Acquire(context.Background(), "P1", "fs")
			handles[i] = h
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Acquire[%d]: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Fatalf("dial count = %d, want exactly 1", got)
	}
	for i, h := range handles {
		if h.session != handles[0].session {
			t.Fatalf("handle[%d] bound to a different Session than handle[0]", i)
		}
	}
	if n := len(m.Snapshot()); n != 1 {
		t.Fatalf("Snapshot length = %d, want 1", n)
	}
}

func TestManager_Eligible_DeadSessionAlwaysEligible(t *testing.T) {
	m := newTestManager(t, unsupportedServer("srv-1", "fs"))
	_, _ = m.Acquire(context.Background(), "P1", "fs")

	keys := m.Snapshot()
	if len(keys) != 1 {
		t.Fatalf("expected exactly one tracked key, got %d", len(keys))
	}
	if !m.Eligible(keys[0], time.Hour) {
		t.Fatalf("expected a Dead session to be Eligible regardless of idleTimeout")
	}
}

func TestManager_Eligible_UnknownKeyIsNotEligible(t *testing.T) {
	m := newTestManager(t, unsupportedServer("srv-1", "fs"))
	if m.Eligible(Key{ProjectID: "P1", ServerID: "missing"}, 0) {
		t.Fatalf("expected an untracked key to never be Eligible")
	}
}

func TestManager_Evict_RemovesDeadSessionWithoutDraining(t *testing.T) {
	m := newTestManager(t, unsupportedServer("srv-1", "fs"))
	_, _ = m.Acquire(context.Background(), "P1", "fs")

	keys := m.Snapshot()
	if len(keys) != 1 {
		t.Fatalf("expected exactly one tracked key, got %d", len(keys))
	}

	if err := m.Evict(context.Background(), keys[0], time.Second); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if n := len(m.Snapshot()); n != 0 {
		t.Fatalf("Snapshot length after Evict = %d, want 0", n)
	}
}

func TestManager_Evict_UnknownKeyIsANoop(t *testing.T) {
	m := newTestManager(t, unsupportedServer("srv-1", "fs"))
	if err := m.Evict(context.Background(), Key{ProjectID: "P1", ServerID: "missing"}, time.Second); err != nil {
		t.Fatalf("Evict on an unknown key: %v", err)
	}
}

func TestManager_DrainAll_ClearsEveryTrackedSession(t *testing.T) {
	m := newTestManager(t, unsupportedServer("srv-1", "fs"))
	_, _ = m.Acquire(context.Background(), "P1", "fs")

	if n := len(m.Snapshot()); n == 0 {
		t.Fatalf("expected at least one tracked session before DrainAll")
	}
	m.DrainAll(context.Background(), time.Second)
	if n := len(m.Snapshot()); n != 0 {
		t.Fatalf("Snapshot length after DrainAll = %d, want 0", n)
	}
}

func TestManager_SubscribeUnsubscribe_RoutesThroughSessionHandle(t *testing.T) {
	s := newSession(Key{ProjectID: "P1", ServerID: "fs"})
	s.markReady(&fakeConn{}, nil)
	m := &Manager{}
	h := &Handle{session: s, m: m}

	var received *jsonrpc.Notification
	m.Subscribe(h, "chan-1", func(n *jsonrpc.Notification) { received = n })

	n := &jsonrpc.Notification{Jsonrpc: jsonrpc.Version, Method: "notifications/ping"}
	s.dispatch(n)
	if received != n {
		t.Fatalf("expected Subscribe to route the notification through")
	}

	m.Unsubscribe(h, "chan-1")
	received = nil
	s.dispatch(n)
	if received != nil {
		t.Fatalf("expected Unsubscribe to stop delivery")
	}
}

func TestManager_Release_DecrementsInflightAndTouches(t *testing.T) {
	s := newSession(Key{ProjectID: "P1", ServerID: "fs"})
	s.markReady(&fakeConn{}, nil)
	s.acquireSlot()

	m := &Manager{}
	h := &Handle{session: s, m: m}
	m.Release(h)

	if s.inflightCount() != 0 {
		t.Fatalf("inflightCount = %d, want 0 after Release", s.inflightCount())
	}
}
