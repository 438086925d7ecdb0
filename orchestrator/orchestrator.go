// Package orchestrator is the thin façade the SSE Bridge calls through:
// it turns a (project, server reference, JSON-RPC request) tuple into an
// acquire/invoke/release round trip against the Session Manager,
// enforces per-project tool auto-approval, and translates transport
// failures into the gateway's public error taxonomy.
package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/nexusmcp/gateway"
	"github.com/nexusmcp/gateway/gwerr"
	"github.com/nexusmcp/gateway/registry"
	"github.com/nexusmcp/gateway/session"
)

// ApprovalHook is consulted for a tools/call request whose tool name is
// not in the backend's auto_approve_tools set. The hook itself — e.g. a
// human-in-the-loop prompt or a policy service — is an external
// collaborator; the Orchestrator only calls it and honors its verdict.
type ApprovalHook func(ctx context.Context, projectID string, server *registry.BackendServer, toolName string) (bool, error)

// alwaysApprove is the default hook when none is configured: every call
// not covered by auto_approve_tools is allowed. Deployments that need a
// real approval gate supply their own ApprovalHook.
func alwaysApprove(context.Context, string, *registry.BackendServer, string) (bool, error) {
	return true, nil
}

// Orchestrator wires a Session Manager and the Registry it reads server
// definitions from (for the auto-approve check) behind one Call entry
// point.
type Orchestrator struct {
	sessions *session.Manager
	registry *registry.Registry
	approve  ApprovalHook
}

// New constructs an Orchestrator. If approve is nil, every tools/call
// not covered by auto_approve_tools is allowed.
func New(sessions *session.Manager, reg *registry.Registry, approve ApprovalHook) *Orchestrator {
	if approve == nil {
		approve = alwaysApprove
	}
	return &Orchestrator{sessions: sessions, registry: reg, approve: approve}
}

type toolCallParams struct {
	Name string `json:"name"`
}

// Call resolves serverRef within projectID to a live Session, applies
// the tool auto-approve check for tools/call requests, forwards request,
// and releases the Session regardless of outcome. Errors are already
// members of the gwerr taxonomy; callers map them to wire codes via
// gwerr.Kind.JSONRPCCode.
func (o *Orchestrator) Call(ctx context.Context, projectID, serverRef string, request *jsonrpc.Request) (*jsonrpc.Response, error) {
	server, err := o.registry.Get(ctx, projectID, serverRef)
	if err != nil {
		return nil, err
	}

	ctx, cancel := Deadline(ctx, server)
	defer cancel()

	handle, err := o.sessions.Acquire(ctx, projectID, serverRef)
	if err != nil {
		return nil, err
	}
	defer o.sessions.Release(handle)

	if request.Method == "tools/call" {
		if err := o.checkApproval(ctx, projectID, server, request); err != nil {
			return nil, err
		}
	}

	resp, err := o.sessions.Invoke(ctx, handle, request)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (o *Orchestrator) checkApproval(ctx context.Context, projectID string, server *registry.BackendServer, request *jsonrpc.Request) error {
	var params toolCallParams
	if len(request.Params) > 0 {
		if err := json.Unmarshal(request.Params, &params); err != nil {
			return gwerr.InitError.Withf("invalid tools/call params: %v", err)
		}
	}

	if server.AutoApproves(params.Name) {
		return nil
	}

	approved, err := o.approve(ctx, projectID, server, params.Name)
	if err != nil {
		return err
	}
	if !approved {
		return gwerr.Unauthorized.Withf("tool %q on %q not approved", params.Name, server.Name)
	}
	return nil
}

// Deadline derives the context deadline for a call against server,
// falling back to server's own configured timeout when the caller's
// context carries none. Call applies it before acquiring the Session, so
// a slow/hung backend is bounded by the server's timeout_ms.
func Deadline(ctx context.Context, server *registry.BackendServer) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, server.Timeout())
}
