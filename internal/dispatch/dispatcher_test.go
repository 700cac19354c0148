package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/wislap/neko-runtime/internal/config"
	"github.com/wislap/neko-runtime/internal/mcpagg"
	"github.com/wislap/neko-runtime/internal/observe"
	"github.com/wislap/neko-runtime/pkg/provider/llm"
	"github.com/wislap/neko-runtime/pkg/types"
)

// keyedProvider answers Complete based on which classifier's system prompt
// triggered the call, so a single provider instance can drive a
// multi-backend dispatch test with distinct verdicts per backend.
type keyedProvider struct {
	mu        sync.Mutex
	responses map[string]string // substring of SystemPrompt -> JSON verdict
}

func (p *keyedProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, resp := range p.responses {
		if strings.Contains(req.SystemPrompt, key) {
			return &llm.CompletionResponse{Content: resp}, nil
		}
	}
	return &llm.CompletionResponse{Content: `{"has_task":false}`}, nil
}

func (p *keyedProvider) StreamCompletion(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return nil, fmt.Errorf("not implemented")
}
func (p *keyedProvider) CountTokens([]types.Message) (int, error)    { return 0, nil }
func (p *keyedProvider) Capabilities() types.ModelCapabilities       { return types.ModelCapabilities{} }

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type fakeGUIQueue struct {
	mu    sync.Mutex
	tasks []GUITask
}

func (q *fakeGUIQueue) Enqueue(task GUITask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func newTestAggregator(t *testing.T, tools []map[string]any) *mcpagg.Aggregator {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		method, _ := req["method"].(string)
		id, _ := req["id"].(string)
		var result any
		switch method {
		case "initialize":
			result = map[string]any{}
		case "tools/list":
			result = map[string]any{"tools": tools}
		case "tools/call":
			result = map[string]any{"content": []map[string]any{{"type": "text", "text": "done"}}}
		default:
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": id, "result": result}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	agg := mcpagg.New(testMetrics(t))
	if err := agg.ConnectOne(context.Background(), config.MCPServerConfig{Name: "u1", Transport: config.TransportHTTP, URL: srv.URL}); err != nil {
		t.Fatalf("ConnectOne: %v", err)
	}
	return agg
}

func TestDispatcher_AllBackendsDisabled(t *testing.T) {
	d := New(Config{Metrics: testMetrics(t)})
	res, err := d.AnalyzeAndExecute(context.Background(), "lanlan", nil, config.AgentFlags{})
	if err != nil {
		t.Fatalf("AnalyzeAndExecute: %v", err)
	}
	if res.ExecutionMethod != BackendNone {
		t.Errorf("ExecutionMethod = %q, want none", res.ExecutionMethod)
	}
}

func TestDispatcher_MCPPriorityOverGUI(t *testing.T) {
	agg := newTestAggregator(t, []map[string]any{{"name": "set_timer", "description": "sets a timer"}})
	provider := &keyedProvider{responses: map[string]string{
		"tools":   `{"has_task":true,"can_execute":true,"tool_name":"set_timer","tool_args":{},"reason":"user asked"}`,
		"desktop": `{"has_task":true,"can_execute":true,"task_description":"open app","reason":"user asked"}`,
	}}
	guiQueue := &fakeGUIQueue{}
	d := New(Config{Classifier: provider, Aggregator: agg, GUIQueue: guiQueue, Metrics: testMetrics(t)})

	res, err := d.AnalyzeAndExecute(context.Background(), "lanlan", []Message{{Role: "user", Content: "set a timer"}},
		config.AgentFlags{MCPEnabled: true, GUIEnabled: true})
	if err != nil {
		t.Fatalf("AnalyzeAndExecute: %v", err)
	}
	if res.ExecutionMethod != BackendMCP {
		t.Fatalf("ExecutionMethod = %q, want mcp", res.ExecutionMethod)
	}
	if !res.Success {
		t.Errorf("expected success, result = %+v", res)
	}
	if len(guiQueue.tasks) != 0 {
		t.Errorf("GUI queue should be empty when MCP wins, got %d", len(guiQueue.tasks))
	}
}

func TestDispatcher_NoBackendAccepts(t *testing.T) {
	provider := &keyedProvider{}
	d := New(Config{Classifier: provider, GUIQueue: &fakeGUIQueue{}, Metrics: testMetrics(t)})
	res, err := d.AnalyzeAndExecute(context.Background(), "lanlan", []Message{{Role: "user", Content: "hi"}}, config.AgentFlags{GUIEnabled: true})
	if err != nil {
		t.Fatalf("AnalyzeAndExecute: %v", err)
	}
	if res.ExecutionMethod != BackendNone {
		t.Errorf("ExecutionMethod = %q, want none", res.ExecutionMethod)
	}
}

func TestTaskRegistry_MonotonicTransitions(t *testing.T) {
	r := NewTaskRegistry(nil)
	e := r.Create("lanlan", BackendMCP)
	if err := r.Transition(e.ID, StatusRunning, nil); err != nil {
		t.Fatalf("transition to running: %v", err)
	}
	if err := r.Transition(e.ID, StatusCompleted, &TaskResult{Success: true}); err != nil {
		t.Fatalf("transition to completed: %v", err)
	}
	if err := r.Transition(e.ID, StatusRunning, nil); err == nil {
		t.Error("expected error moving backwards from completed to running")
	}
}
