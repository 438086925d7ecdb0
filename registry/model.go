package registry

import "time"

// Transport names the wire protocol a BackendServer speaks.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportSSE   Transport = "sse"
)

// JWTRequirement is the tri-state override of a project's default JWT
// policy for one backend. "inherit" cascading to the project default is
// resolved by the external auth collaborator; the core only ever reads
// this already-resolved value off the row.
type JWTRequirement string

const (
	JWTInherit  JWTRequirement = "inherit"
	JWTRequired JWTRequirement = "required"
	JWTDisabled JWTRequirement = "disabled"
)

// BackendServer is the persisted definition of one MCP backend, scoped
// to a project. Encrypted fields (Args, Env, Headers) are plaintext by
// the time a caller sees a value returned from the Registry; Get
// decrypts them before returning.
type BackendServer struct {
	ID                    string
	ProjectID             string
	Name                  string
	Transport             Transport
	Enabled               bool
	DisabledOnStartupUntil *time.Time
	TimeoutMS             int64
	AutoApproveTools      []string
	JWTRequired           JWTRequirement

	// stdio
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string

	// sse
	URL     string
	Headers map[string]string

	// SSHHost, when set, routes stdio spawning over SSH via the
	// gosh ssh runner instead of spawning locally. SSHSecretRef names a
	// viant/scy secret resource resolving the SSH credential.
	SSHHost      string
	SSHSecretRef string
}

// Timeout returns TimeoutMS as a time.Duration, defaulting to 30s when
// unset.
func (b *BackendServer) Timeout() time.Duration {
	if b.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(b.TimeoutMS) * time.Millisecond
}

// AutoApproves reports whether toolName is pre-approved for this backend.
func (b *BackendServer) AutoApproves(toolName string) bool {
	for _, t := range b.AutoApproveTools {
		if t == toolName {
			return true
		}
	}
	return false
}
