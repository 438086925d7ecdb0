package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nexusmcp/gateway/crypto"
	"github.com/nexusmcp/gateway/gwerr"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore persists BackendServer rows in a single `backend_servers`
// table opened from DATABASE_URL. Unlike a migration framework, its
// schema is applied idempotently at startup — schema evolution beyond
// that one table is an external concern.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens the database at dsn and applies the embedded schema.
func OpenSQLite(dsn string) (*SQLiteStore, func() error, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, db.Close, nil
}

// NewSQLiteStore wraps an already-open *sql.DB and applies the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite db is nil")
	}
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, projectID, serverRef string) (*encryptedRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, transport, enabled, disabled_on_startup_until,
		       timeout_ms, auto_approve_tools, jwt_required,
		       command, args, env, cwd, url, headers, ssh_host, ssh_secret_ref
		FROM backend_servers
		WHERE project_id = ? AND (id = ? OR name = ?)`,
		projectID, serverRef, serverRef)

	var (
		out                      encryptedRow
		disabledUntil            sql.NullString
		autoApprove              string
		command, cwd, url        sql.NullString
		args, env, headers       sql.NullString
		sshHost, sshSecretRef    sql.NullString
	)
	err := row.Scan(
		&out.server.ID, &out.server.ProjectID, &out.server.Name, &out.server.Transport,
		&out.server.Enabled, &disabledUntil, &out.server.TimeoutMS, &autoApprove,
		&out.server.JWTRequired, &command, &args, &env, &cwd, &url, &headers,
		&sshHost, &sshSecretRef,
	)
	if err == sql.ErrNoRows {
		return nil, gwerr.NotFound.Withf("backend server %q in project %q", serverRef, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("query backend server: %w", err)
	}

	out.server.Command = command.String
	out.server.Cwd = cwd.String
	out.server.URL = url.String
	out.server.SSHHost = sshHost.String
	out.server.SSHSecretRef = sshSecretRef.String
	out.argsToken = args.String
	out.envToken = env.String
	out.headerToken = headers.String
	if disabledUntil.Valid && disabledUntil.String != "" {
		t, err := time.Parse(time.RFC3339Nano, disabledUntil.String)
		if err == nil {
			out.server.DisabledOnStartupUntil = &t
		}
	}
	if autoApprove != "" {
		out.server.AutoApproveTools = strings.Split(autoApprove, ",")
	}
	return &out, nil
}

// List implements Store. Rows are returned in name order so fan-out
// results (and their backend-name prefixes) are deterministic.
func (s *SQLiteStore) List(ctx context.Context, projectID string) ([]*encryptedRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, transport, enabled, disabled_on_startup_until,
		       timeout_ms, auto_approve_tools, jwt_required,
		       command, args, env, cwd, url, headers, ssh_host, ssh_secret_ref
		FROM backend_servers
		WHERE project_id = ?
		ORDER BY name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query backend servers: %w", err)
	}
	defer rows.Close()

	var out []*encryptedRow
	for rows.Next() {
		var (
			row                   encryptedRow
			disabledUntil         sql.NullString
			autoApprove           string
			command, cwd, url     sql.NullString
			args, env, headers    sql.NullString
			sshHost, sshSecretRef sql.NullString
		)
		if err := rows.Scan(
			&row.server.ID, &row.server.ProjectID, &row.server.Name, &row.server.Transport,
			&row.server.Enabled, &disabledUntil, &row.server.TimeoutMS, &autoApprove,
			&row.server.JWTRequired, &command, &args, &env, &cwd, &url, &headers,
			&sshHost, &sshSecretRef,
		); err != nil {
			return nil, fmt.Errorf("scan backend server: %w", err)
		}
		row.server.Command = command.String
		row.server.Cwd = cwd.String
		row.server.URL = url.String
		row.server.SSHHost = sshHost.String
		row.server.SSHSecretRef = sshSecretRef.String
		row.argsToken = args.String
		row.envToken = env.String
		row.headerToken = headers.String
		if disabledUntil.Valid && disabledUntil.String != "" {
			if t, err := time.Parse(time.RFC3339Nano, disabledUntil.String); err == nil {
				row.server.DisabledOnStartupUntil = &t
			}
		}
		if autoApprove != "" {
			row.server.AutoApproveTools = strings.Split(autoApprove, ",")
		}
		out = append(out, &row)
	}
	return out, rows.Err()
}

// Put inserts or replaces a BackendServer row, encrypting Args/Env/
// Headers with key. It exists for seeding and tests: the core's
// Registry contract is read-only (see the Store interface), and
// BackendServer CRUD otherwise belongs to the external admin
// collaborator.
func (s *SQLiteStore) Put(ctx context.Context, server BackendServer, key *crypto.EncryptionKey) error {
	argsToken, err := encryptJoined(key, strings.Join(server.Args, "\x00"))
	if err != nil {
		return fmt.Errorf("encrypt args: %w", err)
	}
	envToken, err := encryptJoined(key, joinKV(server.Env))
	if err != nil {
		return fmt.Errorf("encrypt env: %w", err)
	}
	headerToken, err := encryptJoined(key, joinKV(server.Headers))
	if err != nil {
		return fmt.Errorf("encrypt headers: %w", err)
	}

	var disabledUntil interface{}
	if server.DisabledOnStartupUntil != nil {
		disabledUntil = server.DisabledOnStartupUntil.Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backend_servers (
			id, project_id, name, transport, enabled, disabled_on_startup_until,
			timeout_ms, auto_approve_tools, jwt_required,
			command, args, env, cwd, url, headers, ssh_host, ssh_secret_ref
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, name) DO UPDATE SET
			transport = excluded.transport,
			enabled = excluded.enabled,
			disabled_on_startup_until = excluded.disabled_on_startup_until,
			timeout_ms = excluded.timeout_ms,
			auto_approve_tools = excluded.auto_approve_tools,
			jwt_required = excluded.jwt_required,
			command = excluded.command,
			args = excluded.args,
			env = excluded.env,
			cwd = excluded.cwd,
			url = excluded.url,
			headers = excluded.headers,
			ssh_host = excluded.ssh_host,
			ssh_secret_ref = excluded.ssh_secret_ref
	`,
		server.ID, server.ProjectID, server.Name, server.Transport, server.Enabled, disabledUntil,
		server.TimeoutMS, strings.Join(server.AutoApproveTools, ","), server.JWTRequired,
		server.Command, argsToken, envToken, server.Cwd, server.URL, headerToken,
		server.SSHHost, server.SSHSecretRef,
	)
	if err != nil {
		return fmt.Errorf("upsert backend server: %w", err)
	}
	return nil
}

func encryptJoined(key *crypto.EncryptionKey, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return key.EncryptString(plaintext)
}

// joinKV serializes m as newline-delimited "key=value" pairs for
// encryption. Neither keys nor values may contain '\n' or a literal
// '='-before-'\n' ambiguity; Put is the seed/test-only write path (see
// DESIGN.md), so this is not hardened against arbitrary env values.
func joinKV(m map[string]string) string {
	var b strings.Builder
	for k, v := range m {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}
