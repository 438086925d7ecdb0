package sse

import (
	"context"
	"testing"

	"github.com/nexusmcp/gateway/registry"
)

func TestDial_RequiresURL(t *testing.T) {
	server := &registry.BackendServer{Name: "no-url"}
	_, err := Dial(context.Background(), server, ClientInfo{Name: "gateway", Version: "test"})
	if err == nil {
		t.Fatalf("expected error for missing url")
	}
}
