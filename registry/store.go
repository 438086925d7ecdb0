package registry

import (
	"context"
	"strings"

	"github.com/nexusmcp/gateway/crypto"
	"github.com/nexusmcp/gateway/gwerr"
)

// encryptedRow is the shape persisted by a Store: Args/Env/Headers are
// still sealed envelope tokens, not plaintext.
type encryptedRow struct {
	server      BackendServer
	argsToken   string
	envToken    string
	headerToken string
}

// Store is the persistence boundary the Registry reads through. It
// never decrypts; that is the Registry's job.
type Store interface {
	// Get looks up a BackendServer by id or name within a project.
	// Returns gwerr.NotFound if no row matches.
	Get(ctx context.Context, projectID, serverRef string) (*encryptedRow, error)

	// List returns every BackendServer row scoped to projectID, for the
	// Bridge's unified-channel tools/list and resources/list fan-out.
	List(ctx context.Context, projectID string) ([]*encryptedRow, error)
}

// Registry is the pure read adapter over persisted BackendServer
// definitions, scoped by project. It issues one Store round-trip per
// Get and decrypts before returning — it never caches, so the Session
// Manager must not call it once a session is Ready.
type Registry struct {
	store Store
	key   *crypto.EncryptionKey
}

// New constructs a Registry over store, decrypting encrypted columns
// with key.
func New(store Store, key *crypto.EncryptionKey) *Registry {
	return &Registry{store: store, key: key}
}

// Get resolves server_ref (the opaque id or the human name) within
// projectID and returns the backend definition with Args/Env/Headers
// decrypted. Returns gwerr.NotFound if absent, gwerr.DecryptError if any
// encrypted column fails to decrypt.
func (r *Registry) Get(ctx context.Context, projectID, serverRef string) (*BackendServer, error) {
	row, err := r.store.Get(ctx, projectID, serverRef)
	if err != nil {
		return nil, err
	}
	return r.decrypt(row)
}

// List returns every BackendServer scoped to projectID, decrypted, for
// the Bridge's unified-channel fan-out over every enabled backend.
func (r *Registry) List(ctx context.Context, projectID string) ([]*BackendServer, error) {
	rows, err := r.store.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	servers := make([]*BackendServer, 0, len(rows))
	for _, row := range rows {
		server, err := r.decrypt(row)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func (r *Registry) decrypt(row *encryptedRow) (*BackendServer, error) {
	server := row.server
	if row.argsToken != "" {
		args, err := r.key.DecryptString(row.argsToken)
		if err != nil {
			return nil, gwerr.DecryptError.Withf("server %s args: %v", server.Name, err)
		}
		server.Args = splitNonEmpty(args, "\x00")
	}
	if row.envToken != "" {
		env, err := r.key.DecryptString(row.envToken)
		if err != nil {
			return nil, gwerr.DecryptError.Withf("server %s env: %v", server.Name, err)
		}
		server.Env = parseKV(env)
	}
	if row.headerToken != "" {
		headers, err := r.key.DecryptString(row.headerToken)
		if err != nil {
			return nil, gwerr.DecryptError.Withf("server %s headers: %v", server.Name, err)
		}
		server.Headers = parseKV(headers)
	}
	return &server, nil
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseKV is the inverse of joinKV: it has no escaping for an embedded
// '\n' in a value, matching joinKV's same constraint.
func parseKV(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := map[string]string{}
	for _, line := range strings.Split(s, "\n") {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}
