package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// pluginExecuteTimeout bounds a single plugin HTTP call.
const pluginExecuteTimeout = 5 * time.Second

// PluginDescriptor is one entry from the user-plugin registry.
type PluginDescriptor struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
	Endpoint    string         `json:"endpoint"`
}

// PluginRegistry fetches and caches the user-plugin list from an external
// registry service. Unlike the capability cache, it is refreshed on every
// AnalyzeAndExecute call that has the plugin backend enabled — the registry
// endpoint is expected to be cheap and local.
type PluginRegistry struct {
	registryURL string
	client      *http.Client

	mu      sync.Mutex
	plugins []PluginDescriptor
}

// NewPluginRegistry creates a registry client pointed at registryURL. An
// empty registryURL disables the plugin backend entirely.
func NewPluginRegistry(registryURL string) *PluginRegistry {
	return &PluginRegistry{
		registryURL: registryURL,
		client:      &http.Client{Timeout: pluginExecuteTimeout},
	}
}

// Enabled reports whether a registry URL was configured.
func (r *PluginRegistry) Enabled() bool { return r.registryURL != "" }

// Refresh GETs the registry endpoint and replaces the cached plugin list.
func (r *PluginRegistry) Refresh(ctx context.Context) ([]PluginDescriptor, error) {
	if !r.Enabled() {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.registryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dispatch: build plugin registry request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch: fetch plugin registry: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("dispatch: plugin registry returned status %d", resp.StatusCode)
	}

	var plugins []PluginDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&plugins); err != nil {
		return nil, fmt.Errorf("dispatch: decode plugin registry: %w", err)
	}

	r.mu.Lock()
	r.plugins = plugins
	r.mu.Unlock()
	return plugins, nil
}

// Find returns the cached plugin descriptor for id, from the most recent
// Refresh.
func (r *PluginRegistry) Find(id string) (PluginDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.plugins {
		if p.ID == id {
			return p, true
		}
	}
	return PluginDescriptor{}, false
}

// Execute POSTs {task_id, args} to the plugin's registered endpoint with a
// 5s timeout. Any HTTP 2xx is success; the response body becomes the
// result, decoded as JSON when possible and wrapped as {"raw_text": ...}
// otherwise.
func (r *PluginRegistry) Execute(ctx context.Context, plugin PluginDescriptor, taskID string, args map[string]any) (string, error) {
	body, err := json.Marshal(map[string]any{"task_id": taskID, "args": args})
	if err != nil {
		return "", fmt.Errorf("dispatch: marshal plugin request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, pluginExecuteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, plugin.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("dispatch: build plugin execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("dispatch: execute plugin %q: %w", plugin.ID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("dispatch: read plugin %q response: %w", plugin.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("dispatch: plugin %q returned status %d", plugin.ID, resp.StatusCode)
	}

	var parsed any
	if json.Unmarshal(respBody, &parsed) == nil {
		return string(respBody), nil
	}
	wrapped, _ := json.Marshal(map[string]string{"raw_text": string(respBody)})
	return string(wrapped), nil
}
