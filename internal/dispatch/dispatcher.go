package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wislap/neko-runtime/internal/config"
	"github.com/wislap/neko-runtime/internal/mcpagg"
	"github.com/wislap/neko-runtime/internal/observe"
	"github.com/wislap/neko-runtime/pkg/provider/llm"
	"github.com/wislap/neko-runtime/pkg/types"
)

// ErrNoBackendAccepted names the "no enabled backend's classifier accepted
// the task" outcome. AnalyzeAndExecute does not return it: in that case it
// returns a nil error and a TaskResult with ExecutionMethod [BackendNone]
// whose Reason carries the classifiers' combined reasons.
var ErrNoBackendAccepted = errors.New("dispatch: no backend accepted the task")

// ErrDuplicateTask is returned by AnalyzeAndExecute when the deduper matches
// an already in-flight task for the same character. Callers surface this as
// HTTP 409 with the matched task id.
var ErrDuplicateTask = errors.New("dispatch: duplicate task")

// capabilityTTL bounds how long a refreshed tool catalog is reused before
// RefreshCapabilities reads the aggregator's catalog again.
const capabilityTTL = 10 * time.Second

// GUITask describes one unit of work handed to the GUI-auto exclusivity
// scheduler.
type GUITask struct {
	ID          string
	Character   string
	Instruction string
}

// GUIEnqueuer accepts a GUI-automation task. Implemented by
// [internal/coordination]'s exclusivity scheduler; kept as an interface here
// so dispatch does not import coordination.
type GUIEnqueuer interface {
	Enqueue(task GUITask) error
}

// Dispatcher is the Agent Dispatch Core. A zero value is not usable; build
// one with [New].
type Dispatcher struct {
	classifier llm.Provider
	aggregator *mcpagg.Aggregator
	plugins    *PluginRegistry
	guiQueue   GUIEnqueuer
	dedupe     Deduper
	registry   *TaskRegistry
	metrics    *observe.Metrics
	notifyURL  string
	httpClient *http.Client

	capMu       sync.Mutex
	capCache    []types.ToolDefinition
	capCachedAt time.Time
}

// Config wires a Dispatcher's collaborators.
type Config struct {
	Classifier     llm.Provider
	Aggregator     *mcpagg.Aggregator
	Plugins        *PluginRegistry
	GUIQueue       GUIEnqueuer
	Dedupe         Deduper
	Metrics        *observe.Metrics
	NotifyTaskURL  string // Main process's /api/notify_task_result
}

// New builds a Dispatcher. Dedupe defaults to [FingerprintDeduper] when nil.
func New(cfg Config) *Dispatcher {
	dedupe := cfg.Dedupe
	if dedupe == nil {
		dedupe = FingerprintDeduper{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Dispatcher{
		classifier: cfg.Classifier,
		aggregator: cfg.Aggregator,
		plugins:    cfg.Plugins,
		guiQueue:   cfg.GUIQueue,
		dedupe:     dedupe,
		registry:   NewTaskRegistry(metrics),
		metrics:    metrics,
		notifyURL:  cfg.NotifyTaskURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Registry exposes the underlying task registry for HTTP handlers and
// metrics reporting.
func (d *Dispatcher) Registry() *TaskRegistry { return d.registry }

// RefreshCapabilities returns the aggregator's merged tool catalog
// ([mcpagg.Aggregator.Tools], which the aggregator keeps from its last
// tools/list per upstream) and caches it for capabilityTTL, so concurrent
// callers within the same window are served the cached copy. It sends no
// tools/list request of its own.
func (d *Dispatcher) RefreshCapabilities() []types.ToolDefinition {
	d.capMu.Lock()
	defer d.capMu.Unlock()
	if time.Since(d.capCachedAt) < capabilityTTL && d.capCache != nil {
		return d.capCache
	}
	d.capCache = d.aggregator.Tools()
	d.capCachedAt = time.Now()
	return d.capCache
}

// backendOutcome is one enabled backend's classifier result, kept alongside
// the backend tag for priority resolution after all classifiers return.
type backendOutcome struct {
	backend Backend
	verdict classifierVerdict
}

// AnalyzeAndExecute implements the Agent Dispatch Core's core operation: it
// runs every enabled backend's classifier concurrently, resolves priority
// MCP > GUI > plugin among the backends that accepted, deduplicates against
// in-flight tasks for character, and executes the winning backend.
func (d *Dispatcher) AnalyzeAndExecute(ctx context.Context, character string, messages []Message, flags config.AgentFlags) (*TaskResult, error) {
	if !flags.MCPEnabled && !flags.GUIEnabled && !flags.PluginEnabled {
		return &TaskResult{ExecutionMethod: BackendNone, Reason: "all backends disabled"}, nil
	}

	outcomes, err := d.runClassifiers(ctx, messages, flags)
	if err != nil {
		return nil, err
	}

	winner, ok := resolvePriority(outcomes)
	if !ok {
		reasons := combinedReasons(outcomes)
		return &TaskResult{ExecutionMethod: BackendNone, Reason: reasons}, nil
	}

	if taskID, dup := d.dedupe.IsDuplicate(winner.verdict.TaskDescription, d.registry.Pending(character)); dup {
		return nil, fmt.Errorf("%w: matches task %s", ErrDuplicateTask, taskID)
	}

	entry := d.registry.Create(character, winner.backend)
	_ = d.registry.Transition(entry.ID, StatusRunning, nil)

	result, execErr := d.execute(ctx, entry.ID, character, winner)

	// A GUI task's "success" here only means it was accepted onto the
	// exclusivity scheduler's queue — the worker subprocess hasn't run yet.
	// The registry entry stays Running until the scheduler's result poller
	// reports a terminal outcome; forcing it Completed now would let a
	// later worker failure try to move the entry backwards to Failed.
	if winner.backend == BackendGUI && execErr == nil && result.Success {
		d.metrics.RecordTaskDispatched(ctx, string(winner.backend), "queued")
		return result, nil
	}

	status := StatusCompleted
	if execErr != nil || !result.Success {
		status = StatusFailed
	}
	_ = d.registry.Transition(entry.ID, status, result)
	d.metrics.RecordTaskDispatched(ctx, string(winner.backend), string(status))

	if winner.backend == BackendMCP && result.Success && d.notifyURL != "" {
		d.notifyMain(ctx, character, entry.ID, result)
	}
	return result, nil
}

// runClassifiers issues one classifier call per enabled backend concurrently
// via an errgroup; a classifier failure is logged and excluded from the
// outcome set rather than failing the whole dispatch.
func (d *Dispatcher) runClassifiers(ctx context.Context, messages []Message, flags config.AgentFlags) ([]backendOutcome, error) {
	var (
		mu       sync.Mutex
		outcomes []backendOutcome
	)
	g, gctx := errgroup.WithContext(ctx)

	if flags.MCPEnabled && d.aggregator != nil {
		g.Go(func() error {
			tools := d.RefreshCapabilities()
			if len(tools) == 0 {
				return nil
			}
			v, err := runClassifier(gctx, d.classifier, "mcp", mcpSystemPrompt(tools), messages)
			if err != nil {
				slog.Warn("dispatch: mcp classifier failed", "error", err)
				return nil
			}
			if v.HasTask {
				mu.Lock()
				outcomes = append(outcomes, backendOutcome{backend: BackendMCP, verdict: v})
				mu.Unlock()
			}
			return nil
		})
	}

	if flags.GUIEnabled && d.guiQueue != nil {
		g.Go(func() error {
			v, err := runClassifier(gctx, d.classifier, "gui", guiSystemPrompt, messages)
			if err != nil {
				slog.Warn("dispatch: gui classifier failed", "error", err)
				return nil
			}
			if v.HasTask {
				mu.Lock()
				outcomes = append(outcomes, backendOutcome{backend: BackendGUI, verdict: v})
				mu.Unlock()
			}
			return nil
		})
	}

	if flags.PluginEnabled && d.plugins != nil && d.plugins.Enabled() {
		g.Go(func() error {
			plugins, err := d.plugins.Refresh(gctx)
			if err != nil {
				slog.Warn("dispatch: plugin registry refresh failed", "error", err)
				return nil
			}
			if len(plugins) == 0 {
				return nil
			}
			v, err := runClassifier(gctx, d.classifier, "plugin", pluginSystemPrompt(plugins), messages)
			if err != nil {
				slog.Warn("dispatch: plugin classifier failed", "error", err)
				return nil
			}
			if v.HasTask {
				mu.Lock()
				outcomes = append(outcomes, backendOutcome{backend: BackendPlugin, verdict: v})
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// resolvePriority picks the accepted outcome with the highest priority:
// MCP > GUI > plugin. An outcome only counts toward priority if can_execute
// is also true.
func resolvePriority(outcomes []backendOutcome) (backendOutcome, bool) {
	order := []Backend{BackendMCP, BackendGUI, BackendPlugin}
	for _, b := range order {
		for _, o := range outcomes {
			if o.backend == b && o.verdict.CanExecute {
				return o, true
			}
		}
	}
	return backendOutcome{}, false
}

func combinedReasons(outcomes []backendOutcome) string {
	var b bytes.Buffer
	for i, o := range outcomes {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s", o.backend, o.verdict.Reason)
	}
	if b.Len() == 0 {
		return "no backend reported a task"
	}
	return b.String()
}

// execute runs the winning backend's execution path and packages the
// outcome. Execution failures are recorded on the returned TaskResult, not
// returned as an error, so the caller still persists a terminal registry
// entry.
func (d *Dispatcher) execute(ctx context.Context, taskID, character string, outcome backendOutcome) (*TaskResult, error) {
	switch outcome.backend {
	case BackendMCP:
		return d.executeMCP(ctx, taskID, outcome.verdict), nil
	case BackendGUI:
		return d.executeGUI(taskID, character, outcome.verdict), nil
	case BackendPlugin:
		return d.executePlugin(ctx, taskID, outcome.verdict), nil
	default:
		return &TaskResult{TaskID: taskID, ExecutionMethod: BackendNone}, nil
	}
}

func (d *Dispatcher) executeMCP(ctx context.Context, taskID string, v classifierVerdict) *TaskResult {
	out, err := d.aggregator.ExecuteTool(ctx, v.ToolName, v.ToolArgs)
	res := &TaskResult{
		TaskID:          taskID,
		ExecutionMethod: BackendMCP,
		ToolName:        v.ToolName,
		ToolArgs:        v.ToolArgs,
		Reason:          v.Reason,
	}
	if err != nil {
		slog.Warn("dispatch: mcp execution failed", "tool", v.ToolName, "error", err)
		res.Success = false
		res.Result = err.Error()
		return res
	}
	res.Success = true
	res.Result = out
	return res
}

func (d *Dispatcher) executeGUI(taskID, character string, v classifierVerdict) *TaskResult {
	err := d.guiQueue.Enqueue(GUITask{ID: taskID, Character: character, Instruction: v.TaskDescription})
	res := &TaskResult{TaskID: taskID, ExecutionMethod: BackendGUI, Reason: v.Reason}
	if err != nil {
		slog.Warn("dispatch: gui enqueue failed", "error", err)
		res.Success = false
		res.Result = err.Error()
		return res
	}
	// The GUI worker reports its terminal result asynchronously through the
	// exclusivity scheduler's result queue; this call only records
	// successful enqueue.
	res.Success = true
	res.Result = "enqueued"
	return res
}

func (d *Dispatcher) executePlugin(ctx context.Context, taskID string, v classifierVerdict) *TaskResult {
	res := &TaskResult{TaskID: taskID, ExecutionMethod: BackendPlugin, Reason: v.Reason}
	plugin, ok := d.plugins.Find(v.PluginID)
	if !ok {
		res.Success = false
		res.Result = fmt.Sprintf("plugin %q not found in registry", v.PluginID)
		return res
	}
	if plugin.Endpoint == "" {
		res.Success = false
		res.Result = fmt.Sprintf("plugin %q has no endpoint", v.PluginID)
		return res
	}
	out, err := d.plugins.Execute(ctx, plugin, taskID, v.PluginArgs)
	if err != nil {
		slog.Warn("dispatch: plugin execution failed", "plugin", v.PluginID, "error", err)
		res.Success = false
		res.Result = err.Error()
		return res
	}
	res.Success = true
	res.Result = out
	return res
}

// notifyMain POSTs an idempotent task-result notification to the Main
// Process so it can append a ≤240-char summary to the next conversational
// turn. Failures are logged only — a missed notification never fails the
// dispatch that already succeeded.
func (d *Dispatcher) notifyMain(ctx context.Context, character, taskID string, result *TaskResult) {
	payload := map[string]any{
		"character": character,
		"task_id":   taskID,
		"tool_name": result.ToolName,
		"summary":   truncateSummary(result.Result),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("dispatch: marshal notify_task_result payload failed", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.notifyURL, bytes.NewReader(body))
	if err != nil {
		slog.Warn("dispatch: build notify_task_result request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.httpClient.Do(req)
	if err != nil {
		slog.Warn("dispatch: notify_task_result request failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		slog.Warn("dispatch: notify_task_result returned error status", "status", resp.StatusCode)
	}
}
