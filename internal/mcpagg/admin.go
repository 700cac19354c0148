package mcpagg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/wislap/neko-runtime/internal/config"
	"github.com/wislap/neko-runtime/internal/httpx"
)

// persistTimeout bounds how long a single admin mutation's connect attempt
// may take before the HTTP handler gives up and reports the error, leaving
// the server unregistered rather than blocking the admin caller indefinitely.
const persistTimeout = 15 * time.Second

// AdminAPI exposes the MCP Aggregation Core's server CRUD surface, bound to
// localhost by the caller (the Agent process's HTTP mux, not this package).
// Every successful mutation is persisted to StatePath via an atomic
// rewrite so a restart rebuilds the same upstream set.
type AdminAPI struct {
	agg       *Aggregator
	StatePath string
}

// NewAdminAPI wires agg to an admin surface persisting to statePath.
func NewAdminAPI(agg *Aggregator, statePath string) *AdminAPI {
	return &AdminAPI{agg: agg, StatePath: statePath}
}

// Register mounts the admin routes on mux under /mcp/admin/servers.
func (a *AdminAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /mcp/admin/servers", a.handleList)
	mux.HandleFunc("POST /mcp/admin/servers", a.handleAdd)
	mux.HandleFunc("DELETE /mcp/admin/servers/{name}", a.handleRemove)
	mux.HandleFunc("POST /mcp/admin/servers/{name}/reconnect", a.handleReconnect)
}

type serverView struct {
	config.MCPServerConfig
	CircuitState string `json:"circuit_state"`
}

func (a *AdminAPI) handleList(w http.ResponseWriter, _ *http.Request) {
	states := a.agg.breakers.States()
	servers := a.agg.Servers()
	views := make([]serverView, 0, len(servers))
	for _, s := range servers {
		state := "closed"
		if st, ok := states[s.Name]; ok {
			state = st.String()
		}
		views = append(views, serverView{MCPServerConfig: s, CircuitState: state})
	}
	httpx.WriteOK(w, map[string]any{"success": true, "servers": views})
}

func (a *AdminAPI) handleAdd(w http.ResponseWriter, r *http.Request) {
	var cfg config.MCPServerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, fmt.Errorf("mcpagg admin: decode body: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), persistTimeout)
	defer cancel()

	if err := a.agg.ConnectOne(ctx, cfg); err != nil {
		httpx.WriteError(w, http.StatusBadGateway, err)
		return
	}
	if err := a.persist(); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.WriteOK(w, map[string]bool{"success": true})
}

func (a *AdminAPI) handleRemove(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := a.agg.Disconnect(name); err != nil {
		httpx.WriteError(w, http.StatusNotFound, err)
		return
	}
	if err := a.persist(); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.WriteOK(w, map[string]bool{"success": true})
}

func (a *AdminAPI) handleReconnect(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var cfg config.MCPServerConfig
	var found bool
	for _, s := range a.agg.Servers() {
		if s.Name == name {
			cfg = s
			found = true
			break
		}
	}
	if !found {
		httpx.WriteError(w, http.StatusNotFound, fmt.Errorf("mcpagg admin: server %q not registered", name))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), persistTimeout)
	defer cancel()
	if err := a.agg.ConnectOne(ctx, cfg); err != nil {
		httpx.WriteError(w, http.StatusBadGateway, err)
		return
	}
	httpx.WriteOK(w, map[string]bool{"success": true})
}

// persist atomically rewrites StatePath with the current server list:
// write to a sibling temp file, then rename over the target so readers never
// observe a partially written file.
func (a *AdminAPI) persist() error {
	if a.StatePath == "" {
		return nil
	}
	servers := a.agg.Servers()
	data, err := json.MarshalIndent(map[string]any{"servers": servers}, "", "  ")
	if err != nil {
		return fmt.Errorf("mcpagg admin: marshal state: %w", err)
	}

	dir := filepath.Dir(a.StatePath)
	tmp, err := os.CreateTemp(dir, ".mcp_servers-*.json.tmp")
	if err != nil {
		return fmt.Errorf("mcpagg admin: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("mcpagg admin: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("mcpagg admin: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, a.StatePath); err != nil {
		return fmt.Errorf("mcpagg admin: rename into place: %w", err)
	}
	return nil
}

// LoadPersisted reads a previously persisted server list from path, if it
// exists. A missing file is not an error — it simply means no servers have
// been registered via the admin API yet.
func LoadPersisted(path string) ([]config.MCPServerConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mcpagg admin: read %s: %w", path, err)
	}
	var state struct {
		Servers []config.MCPServerConfig `json:"servers"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("mcpagg admin: decode %s: %w", path, err)
	}
	return state.Servers, nil
}
