package auth

import (
	"context"
	"testing"
	"time"
)

func TestHS256Verifier_RoundTrip(t *testing.T) {
	v := NewHS256Verifier("s3cr3t", NewMemoryStore(time.Hour, 24*time.Hour, time.Minute), time.Hour)
	token := v.Sign("user-1")

	id, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.Subject != "user-1" {
		t.Fatalf("Subject = %q, want user-1", id.Subject)
	}
}

func TestHS256Verifier_RejectsTamperedToken(t *testing.T) {
	v := NewHS256Verifier("s3cr3t", nil, 0)
	token := v.Sign("user-1") + "x"

	if _, err := v.Verify(context.Background(), token); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestHS256Verifier_RejectsWrongSecret(t *testing.T) {
	signed := NewHS256Verifier("secret-a", nil, 0).Sign("user-1")
	verifier := NewHS256Verifier("secret-b", nil, 0)

	if _, err := verifier.Verify(context.Background(), signed); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestHS256Verifier_RejectsMalformedBearer(t *testing.T) {
	v := NewHS256Verifier("secret", nil, 0)
	if _, err := v.Verify(context.Background(), "not-a-token"); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
