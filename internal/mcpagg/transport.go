package mcpagg

import (
	"context"
	"encoding/json"
)

// transport sends one JSON-RPC request and returns its raw result payload.
// Implementations handle both the HTTP+SSE and stdio wire formats described
// in the Agent Process's MCP client contract; callers never see the
// transport-level framing.
//
// call returns an *rpcError when the upstream responded with a JSON-RPC
// error object, and a plain error for transport-level failures (connection
// refused, non-2xx status, malformed frame).
type transport interface {
	call(ctx context.Context, method string, params any) (json.RawMessage, error)
	notify(ctx context.Context, method string, params any) error
	close() error
}

// connect initializes the session (MCP's initialize handshake followed by
// the notifications/initialized notification) and returns a ready-to-use
// transport.
func connect(ctx context.Context, t transport) error {
	_, err := t.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "neko-mcpagg", Version: "1.0.0"},
	})
	if err != nil {
		return err
	}
	return t.notify(ctx, "notifications/initialized", struct{}{})
}
