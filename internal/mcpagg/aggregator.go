package mcpagg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wislap/neko-runtime/internal/config"
	"github.com/wislap/neko-runtime/internal/observe"
	"github.com/wislap/neko-runtime/internal/resilience"
	"github.com/wislap/neko-runtime/pkg/types"
)

// ErrToolNotFound is returned by ExecuteTool when name does not match any
// tool in the merged catalog.
var ErrToolNotFound = errors.New("mcpagg: tool not found")

// ErrUpstreamNotFound is returned when a routed tool's upstream has since
// been removed.
var ErrUpstreamNotFound = errors.New("mcpagg: upstream not found")

// toolEntry records which upstream owns a merged catalog entry.
type toolEntry struct {
	def      types.ToolDefinition
	upstream string
}

// upstreamConn is a live connection to one configured MCP server.
type upstreamConn struct {
	cfg config.MCPServerConfig
	t   transport
}

// Aggregator fans out to multiple upstream MCP servers, merges their tool
// catalogs under first-seen-wins namespace rules, and routes tools/call
// requests back to the owning upstream. The zero value is not usable;
// create instances with [New].
type Aggregator struct {
	mu        sync.RWMutex
	upstreams map[string]*upstreamConn
	tools     map[string]toolEntry

	breakers *resilience.CircuitBreakerGroup
	metrics  *observe.Metrics
}

// New creates an empty Aggregator. Upstreams are added with Connect.
func New(metrics *observe.Metrics) *Aggregator {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Aggregator{
		upstreams: make(map[string]*upstreamConn),
		tools:     make(map[string]toolEntry),
		breakers:  resilience.NewCircuitBreakerGroup(resilience.CircuitBreakerConfig{}),
		metrics:   metrics,
	}
}

// Connect dials every server in servers in order and merges their tool
// catalogs. Failures to reach one upstream are logged and skipped — the
// aggregator continues with whatever upstreams succeeded, matching the
// teacher's "warn and move on" posture for optional integrations.
func (a *Aggregator) Connect(ctx context.Context, servers []config.MCPServerConfig) {
	for _, cfg := range servers {
		if err := a.ConnectOne(ctx, cfg); err != nil {
			slog.Warn("mcp upstream connect failed", "upstream", cfg.Name, "error", err)
		}
	}
}

// ConnectOne connects a single upstream server, performs the initialize
// handshake, fetches its tool catalog, and merges it into the aggregator.
// If cfg.Name is already connected, the old connection is closed first.
func (a *Aggregator) ConnectOne(ctx context.Context, cfg config.MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcpagg: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcpagg: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var t transport
	var err error
	switch cfg.Transport {
	case config.TransportHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcpagg: http server %q requires a non-empty url", cfg.Name)
		}
		t = newHTTPTransport(cfg.URL, cfg.APIKey)
	case config.TransportStdio:
		if cfg.Command == "" {
			return fmt.Errorf("mcpagg: stdio server %q requires a non-empty command", cfg.Name)
		}
		t, err = newStdioTransport(ctx, cfg.Command, cfg.Args, cfg.Env)
		if err != nil {
			return fmt.Errorf("mcpagg: connect %q: %w", cfg.Name, err)
		}
	}

	if err := connect(ctx, t); err != nil {
		_ = t.close()
		a.metrics.RecordMCPUpstreamError(ctx, cfg.Name)
		return fmt.Errorf("mcpagg: initialize %q: %w", cfg.Name, err)
	}

	raw, err := t.call(ctx, "tools/list", struct{}{})
	if err != nil {
		_ = t.close()
		a.metrics.RecordMCPUpstreamError(ctx, cfg.Name)
		return fmt.Errorf("mcpagg: tools/list %q: %w", cfg.Name, err)
	}
	var listResult toolsListResult
	if err := json.Unmarshal(raw, &listResult); err != nil {
		_ = t.close()
		return fmt.Errorf("mcpagg: decode tools/list %q: %w", cfg.Name, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.upstreams[cfg.Name]; ok {
		_ = old.t.close()
		for name, e := range a.tools {
			if e.upstream == cfg.Name {
				delete(a.tools, name)
			}
		}
	}

	a.upstreams[cfg.Name] = &upstreamConn{cfg: cfg, t: t}

	for _, mt := range listResult.Tools {
		if _, claimed := a.tools[mt.Name]; claimed {
			slog.Warn("mcp tool name collision, first-seen wins", "tool", mt.Name, "rejected_upstream", cfg.Name)
			continue
		}
		a.tools[mt.Name] = toolEntry{
			def: types.ToolDefinition{
				Name:        mt.Name,
				Description: mt.Description,
				Parameters:  mt.InputSchema,
			},
			upstream: cfg.Name,
		}
	}
	return nil
}

// Tools returns the merged tool catalog. The returned slice is a fresh copy
// safe to retain or mutate.
func (a *Aggregator) Tools() []types.ToolDefinition {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(a.tools))
	for _, e := range a.tools {
		out = append(out, e.def)
	}
	return out
}

// ExecuteTool invokes tools/call on the upstream owning name and returns its
// flattened text result. Returns [ErrToolNotFound] if name is unknown, and
// an *rpcError (-32602) behavior is reported via a plain wrapped error since
// Go's static type system makes returning a [rpcError] to a generic caller
// brittle — callers needing the JSON-RPC code should type-assert.
func (a *Aggregator) ExecuteTool(ctx context.Context, name string, args map[string]any) (string, error) {
	a.mu.RLock()
	entry, ok := a.tools[name]
	a.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}

	a.mu.RLock()
	conn, ok := a.upstreams[entry.upstream]
	a.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUpstreamNotFound, entry.upstream)
	}

	breaker := a.breakers.Get(entry.upstream)
	var callResult callToolResult
	err := breaker.Execute(func() error {
		raw, err := conn.t.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &callResult); err != nil {
			return fmt.Errorf("mcpagg: decode tools/call result for %q: %w", name, err)
		}
		return nil
	})
	if err != nil {
		a.metrics.RecordMCPUpstreamError(ctx, entry.upstream)
		return "", fmt.Errorf("mcpagg: execute %q on %q: %w", name, entry.upstream, err)
	}
	if callResult.IsError {
		return callResult.text(), fmt.Errorf("mcpagg: tool %q reported an application error", name)
	}
	return callResult.text(), nil
}

// Upstream returns the server name owning tool name, and whether it exists.
func (a *Aggregator) Upstream(name string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.tools[name]
	if !ok {
		return "", false
	}
	return e.upstream, true
}

// Servers returns the currently connected upstream server configs.
func (a *Aggregator) Servers() []config.MCPServerConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]config.MCPServerConfig, 0, len(a.upstreams))
	for _, c := range a.upstreams {
		out = append(out, c.cfg)
	}
	return out
}

// Disconnect closes and removes the named upstream along with any tools it
// contributed to the catalog.
func (a *Aggregator) Disconnect(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, ok := a.upstreams[name]
	if !ok {
		return fmt.Errorf("mcpagg: upstream %q not connected", name)
	}
	delete(a.upstreams, name)
	for toolName, e := range a.tools {
		if e.upstream == name {
			delete(a.tools, toolName)
		}
	}
	a.breakers.Remove(name)
	return conn.t.close()
}

// Close disconnects every upstream.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for name, conn := range a.upstreams {
		if err := conn.t.close(); err != nil {
			errs = append(errs, fmt.Errorf("mcpagg: close %q: %w", name, err))
		}
	}
	a.upstreams = make(map[string]*upstreamConn)
	a.tools = make(map[string]toolEntry)
	return errors.Join(errs...)
}
