package transport

import (
	"context"
	"github.com/nexusmcp/gateway"
)

type Transport interface {
	Notifier
	Send(ctx context.Context, request *jsonrpc.Request) (*jsonrpc.Response, error)
}
