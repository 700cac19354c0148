// Package dispatch implements the Agent Dispatch Core: given a window of
// recent conversation turns, it decides whether a task is present and routes
// it to exactly one of three backends — an MCP tool, the GUI-automation
// worker, or a user plugin — using concurrent classifier calls against an
// auxiliary LLM and a fixed MCP > GUI > plugin priority order.
package dispatch

import (
	"time"
)

// Message is one turn of the conversation window handed to AnalyzeAndExecute.
type Message struct {
	Role    string
	Content string
}

// Backend names a dispatch target.
type Backend string

const (
	BackendMCP    Backend = "mcp"
	BackendGUI    Backend = "gui"
	BackendPlugin Backend = "plugin"
	BackendNone   Backend = "none"
)

// classifierVerdict is the common shape every backend-specific classifier
// prompt is asked to return, decoded forgivingly (code-fence wrappers are
// stripped before parsing; a JSON failure is treated as HasTask=false).
type classifierVerdict struct {
	HasTask         bool           `json:"has_task"`
	CanExecute      bool           `json:"can_execute"`
	TaskDescription string         `json:"task_description"`
	Reason          string         `json:"reason"`
	ToolName        string         `json:"tool_name"`
	ToolArgs        map[string]any `json:"tool_args"`
	PluginID        string         `json:"plugin_id"`
	PluginArgs      map[string]any `json:"plugin_args"`
}

// TaskResult is returned by AnalyzeAndExecute and recorded in the task
// registry.
type TaskResult struct {
	TaskID          string
	ExecutionMethod Backend
	Success         bool
	Result          string
	ToolName        string
	ToolArgs        map[string]any
	Reason          string
}

// summaryLimit bounds the notify_task_result summary posted back to the Main
// Process.
const summaryLimit = 240

func truncateSummary(s string) string {
	if len(s) <= summaryLimit {
		return s
	}
	return s[:summaryLimit]
}

// Status is a Task Registry Entry's lifecycle stage. Entries transition
// monotonically: a consumer observing Completed or Failed will never later
// observe Pending or Running.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Entry is one Task Registry record.
type Entry struct {
	ID        string
	Character string
	Backend   Backend
	Status    Status
	Result    *TaskResult
	CreatedAt time.Time
	UpdatedAt time.Time
}
