package registry

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nexusmcp/gateway/crypto"
	"github.com/nexusmcp/gateway/gwerr"
)

func newTestKey(t *testing.T) *crypto.EncryptionKey {
	t.Helper()
	key, err := crypto.NewEncryptionKey(make([]byte, crypto.KeySize))
	if err != nil {
		t.Fatalf("NewEncryptionKey: %v", err)
	}
	return key
}

func TestSQLiteStore_PutGet_RoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer func() { _ = db.Close() }()

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	key := newTestKey(t)
	reg := New(store, key)

	ctx := context.Background()
	server := BackendServer{
		ID:        "srv-1",
		ProjectID: "P1",
		Name:      "fs",
		Transport: TransportStdio,
		Enabled:   true,
		TimeoutMS: 30000,
		Command:   "echo-mcp",
		Args:      []string{"--root", "/tmp"},
		Env:       map[string]string{"TOKEN": "abc"},
	}
	if err := store.Put(ctx, server, key); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := reg.Get(ctx, "P1", "fs")
	if err != nil {
		t.Fatalf("Get by name: %v", err)
	}
	if got.Command != "echo-mcp" {
		t.Fatalf("Command = %q, want echo-mcp", got.Command)
	}
	if got.Env["TOKEN"] != "abc" {
		t.Fatalf("Env[TOKEN] = %q, want abc", got.Env["TOKEN"])
	}

	byID, err := reg.Get(ctx, "P1", "srv-1")
	if err != nil {
		t.Fatalf("Get by id: %v", err)
	}
	if byID.Name != "fs" {
		t.Fatalf("Name = %q, want fs", byID.Name)
	}
}

func TestSQLiteStore_Get_NotFound(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer func() { _ = db.Close() }()

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	reg := New(store, newTestKey(t))

	_, err = reg.Get(context.Background(), "P1", "missing")
	if err == nil {
		t.Fatalf("expected NotFound, got nil error")
	}
	if !gwerr.Is(err, gwerr.NotFound) {
		t.Fatalf("expected gwerr.NotFound, got %v", err)
	}
}

func TestSQLiteStore_DuplicateNamesAcrossProjects(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer func() { _ = db.Close() }()

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	key := newTestKey(t)
	reg := New(store, key)
	ctx := context.Background()

	if err := store.Put(ctx, BackendServer{ID: "p1-fs", ProjectID: "P1", Name: "fs", Transport: TransportStdio, Command: "cmd-a"}, key); err != nil {
		t.Fatalf("Put P1: %v", err)
	}
	if err := store.Put(ctx, BackendServer{ID: "p2-fs", ProjectID: "P2", Name: "fs", Transport: TransportStdio, Command: "cmd-b"}, key); err != nil {
		t.Fatalf("Put P2: %v", err)
	}

	p1, err := reg.Get(ctx, "P1", "fs")
	if err != nil {
		t.Fatalf("Get P1/fs: %v", err)
	}
	p2, err := reg.Get(ctx, "P2", "fs")
	if err != nil {
		t.Fatalf("Get P2/fs: %v", err)
	}
	if p1.Command != "cmd-a" || p2.Command != "cmd-b" {
		t.Fatalf("cross-contamination: p1.Command=%q p2.Command=%q", p1.Command, p2.Command)
	}
}
