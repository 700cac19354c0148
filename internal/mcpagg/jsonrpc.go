// Package mcpagg speaks the MCP protocol (JSON-RPC 2.0 over HTTP+SSE or
// stdio) to one or more upstream MCP servers, merges their tool catalogs
// under first-seen-wins namespace rules, and routes tools/call requests back
// to the owning upstream.
package mcpagg

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// JSON-RPC 2.0 error codes used by this package, per the protocol's reserved
// range and the spec's error taxonomy.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

const jsonrpcVersion = "2.0"

// request is a JSON-RPC 2.0 request envelope. ID is omitted for
// notifications (e.g. notifications/initialized).
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response is a JSON-RPC 2.0 response envelope.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("mcp: rpc error %d: %s", e.Code, e.Message)
}

// newRequest builds a request envelope with a fresh random id and
// JSON-encoded params.
func newRequest(method string, params any) (request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return request{}, fmt.Errorf("mcp: marshal params for %s: %w", method, err)
	}
	return request{
		JSONRPC: jsonrpcVersion,
		ID:      uuid.NewString(),
		Method:  method,
		Params:  raw,
	}, nil
}

// newNotification builds a notification envelope (no id; no response expected).
func newNotification(method string, params any) (request, error) {
	req, err := newRequest(method, params)
	if err != nil {
		return request{}, err
	}
	req.ID = ""
	return req, nil
}

// initializeParams is the params payload for the initialize method.
type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// protocolVersion is the MCP protocol version this aggregator speaks.
const protocolVersion = "2024-11-05"

// mcpTool is a single entry from a tools/list result.
type mcpTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// toolsListResult is the result payload of tools/list.
type toolsListResult struct {
	Tools []mcpTool `json:"tools"`
}

// callToolParams is the params payload of tools/call.
type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// callToolResult is the result payload of tools/call.
type callToolResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// text concatenates all text-typed content blocks, mirroring how the
// teacher's mcphost flattens an MCP result into a single string.
func (r callToolResult) text() string {
	var out string
	for _, c := range r.Content {
		out += c.Text
	}
	return out
}
