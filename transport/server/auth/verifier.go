package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/nexusmcp/gateway"
)

// ErrUnauthorized is returned by Verify for any bearer that fails
// verification: missing, malformed, or signed under the wrong secret.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated principal a Verifier resolves a bearer
// token to. The Bridge only reads Subject; it never inspects Scopes
// itself (scope enforcement belongs to the external auth collaborator).
type Identity struct {
	Subject string
	Scopes  []string
}

// Verifier checks an inbound bearer token from the Bridge's HTTP edge
// and resolves it to an Identity. Real JWT/OAuth verification is an
// external collaborator's job; this interface is the seam a real
// implementation substitutes in.
type Verifier interface {
	Verify(ctx context.Context, bearer string) (Identity, error)
}

// HS256Verifier is the default Verifier: an HMAC-SHA256 bearer check
// against a single shared secret (AUTH_SECRET), good enough for
// single-process deployments where a full JWT/OAuth verifier isn't
// wired in. Tokens are `subject.signature`, signature =
// base64url(HMAC-SHA256(secret, subject)) — deliberately not a JWT, so
// it carries no claim format a real verifier would need to honor.
type HS256Verifier struct {
	secret []byte
	grants Store
	idle   time.Duration
}

// NewHS256Verifier constructs an HS256Verifier keyed by secret. grants,
// if non-nil, records a Grant per successful verification so the
// durable store can later revoke it; pass nil to skip that bookkeeping
// (e.g. in tests).
func NewHS256Verifier(secret string, grants Store, idleTTL time.Duration) *HS256Verifier {
	return &HS256Verifier{secret: []byte(secret), grants: grants, idle: idleTTL}
}

// Sign produces a bearer token for subject under the verifier's secret,
// for use by tests and local tooling that need a token to present.
func (v *HS256Verifier) Sign(subject string) string {
	return subject + "." + v.signature(subject)
}

func (v *HS256Verifier) signature(subject string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(subject))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks bearer's signature and, if valid, records a Grant so the
// durable store can track and later revoke this bearer-session.
func (v *HS256Verifier) Verify(ctx context.Context, bearer string) (Identity, error) {
	subject, sig, ok := strings.Cut(bearer, ".")
	if !ok || subject == "" || sig == "" {
		return Identity{}, ErrUnauthorized
	}
	expected := v.signature(subject)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return Identity{}, ErrUnauthorized
	}

	if v.grants != nil {
		grant := NewGrant(subject)
		if v.idle > 0 {
			grant.ExpiresAt = time.Now().Add(v.idle)
		}
		if err := v.grants.Put(ctx, grant); err != nil {
			jsonrpc.DefaultLogger.Errorf("auth: recording grant for %q: %v", subject, err)
		}
	}

	return Identity{Subject: subject}, nil
}
