// Package observe provides application-wide observability primitives for the
// N.E.K.O runtime: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all runtime metrics.
const meterName = "github.com/wislap/neko-runtime"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SessionDuration tracks the lifetime of a Realtime Session, recorded
	// when the session closes.
	SessionDuration metric.Float64Histogram

	// ClassifierDuration tracks latency of the Agent Dispatch Core's
	// MCP/GUI/Plugin classifier calls.
	ClassifierDuration metric.Float64Histogram

	// ToolExecutionDuration tracks MCP tool execution latency, across both
	// local and upstream-forwarded calls.
	ToolExecutionDuration metric.Float64Histogram

	// GUITaskDuration tracks how long a dequeued GUI-automation task spends
	// running before the worker exits.
	GUITaskDuration metric.Float64Histogram

	// --- Counters ---

	// SessionsStarted counts Realtime Session connect attempts. Use with
	// attribute: attribute.String("character", ...), attribute.String("status", ...)
	SessionsStarted metric.Int64Counter

	// ThrottleEvents counts ErrorOverloaded throttle-window entries. Use
	// with attribute: attribute.String("character", ...)
	ThrottleEvents metric.Int64Counter

	// RepetitionsDetected counts flagged repeated-transcript events.
	RepetitionsDetected metric.Int64Counter

	// ToolCalls counts MCP tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// TasksDispatched counts Agent Dispatch Core task registry entries by
	// terminal backend. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	TasksDispatched metric.Int64Counter

	// MCPUpstreamErrors counts JSON-RPC or transport errors from an MCP
	// upstream. Use with attribute: attribute.String("upstream", ...)
	MCPUpstreamErrors metric.Int64Counter

	// GUITasksQueued counts GUI-automation tasks accepted into the
	// exclusivity scheduler's queue.
	GUITasksQueued metric.Int64Counter

	// GUITasksRejected counts GUI-automation tasks rejected because the
	// bounded queue was full.
	GUITasksRejected metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live Realtime Sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveCharacters tracks the number of characters with a running
	// Session Manager.
	ActiveCharacters metric.Int64UpDownCounter

	// TaskRegistrySize tracks the number of non-terminal entries in the
	// Agent Dispatch Core's task registry.
	TaskRegistrySize metric.Int64UpDownCounter

	// GUIQueueDepth tracks the current depth of the GUI-auto exclusivity
	// scheduler's pending queue.
	GUIQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both sub-second tool calls and multi-minute session lifetimes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionDuration, err = m.Float64Histogram("neko.session.duration",
		metric.WithDescription("Lifetime of a Realtime Session from connect to close."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClassifierDuration, err = m.Float64Histogram("neko.dispatch.classifier.duration",
		metric.WithDescription("Latency of an Agent Dispatch Core classifier call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("neko.mcp.tool_execution.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GUITaskDuration, err = m.Float64Histogram("neko.gui_auto.task.duration",
		metric.WithDescription("Duration of a dequeued GUI-automation worker run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.SessionsStarted, err = m.Int64Counter("neko.session.started",
		metric.WithDescription("Total Realtime Session connect attempts by character and status."),
	); err != nil {
		return nil, err
	}
	if met.ThrottleEvents, err = m.Int64Counter("neko.session.throttle_events",
		metric.WithDescription("Total ErrorOverloaded throttle-window entries by character."),
	); err != nil {
		return nil, err
	}
	if met.RepetitionsDetected, err = m.Int64Counter("neko.session.repetitions_detected",
		metric.WithDescription("Total repeated-transcript detections."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("neko.mcp.tool_calls",
		metric.WithDescription("Total MCP tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.TasksDispatched, err = m.Int64Counter("neko.dispatch.tasks",
		metric.WithDescription("Total Agent Dispatch Core tasks by backend and terminal status."),
	); err != nil {
		return nil, err
	}
	if met.MCPUpstreamErrors, err = m.Int64Counter("neko.mcp.upstream_errors",
		metric.WithDescription("Total JSON-RPC/transport errors by MCP upstream name."),
	); err != nil {
		return nil, err
	}
	if met.GUITasksQueued, err = m.Int64Counter("neko.gui_auto.tasks_queued",
		metric.WithDescription("Total GUI-automation tasks accepted into the scheduler queue."),
	); err != nil {
		return nil, err
	}
	if met.GUITasksRejected, err = m.Int64Counter("neko.gui_auto.tasks_rejected",
		metric.WithDescription("Total GUI-automation tasks rejected because the queue was full."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("neko.active_sessions",
		metric.WithDescription("Number of live Realtime Sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCharacters, err = m.Int64UpDownCounter("neko.active_characters",
		metric.WithDescription("Number of characters with a running Session Manager."),
	); err != nil {
		return nil, err
	}
	if met.TaskRegistrySize, err = m.Int64UpDownCounter("neko.dispatch.task_registry_size",
		metric.WithDescription("Number of non-terminal entries in the task registry."),
	); err != nil {
		return nil, err
	}
	if met.GUIQueueDepth, err = m.Int64UpDownCounter("neko.gui_auto.queue_depth",
		metric.WithDescription("Current depth of the GUI-auto exclusivity scheduler queue."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("neko.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionStarted is a convenience method recording a session connect
// attempt with its outcome.
func (m *Metrics) RecordSessionStarted(ctx context.Context, character, status string) {
	m.SessionsStarted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("character", character),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordTaskDispatched is a convenience method recording a task registry
// entry reaching a terminal status.
func (m *Metrics) RecordTaskDispatched(ctx context.Context, backend, status string) {
	m.TasksDispatched.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}

// RecordMCPUpstreamError is a convenience method recording an upstream
// transport or protocol error.
func (m *Metrics) RecordMCPUpstreamError(ctx context.Context, upstream string) {
	m.MCPUpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("upstream", upstream)),
	)
}
