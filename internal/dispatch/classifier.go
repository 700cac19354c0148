package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wislap/neko-runtime/internal/resilience"
	"github.com/wislap/neko-runtime/pkg/provider/llm"
	"github.com/wislap/neko-runtime/pkg/types"
)

// classifierRetry matches the spec's "3 attempts, backoff [1s, 2s]" schedule
// exactly, including the deliberate absence of a delay after the final
// attempt — see [resilience.Retry]'s doc comment.
var classifierRetry = resilience.RetryConfig{Delays: nil, Attempts: 3}

// runClassifier sends messages plus a backend-specific system prompt to the
// auxiliary model at temperature 0 and parses the reply as a
// [classifierVerdict]. Transient failures (including timeouts) retry per
// classifierRetry; a classifier failure after all retries is non-fatal to
// the overall dispatch — callers should log and treat it as HasTask=false.
func runClassifier(ctx context.Context, provider llm.Provider, name, systemPrompt string, messages []Message) (classifierVerdict, error) {
	retryCfg := classifierRetry
	retryCfg.Name = name

	result, err := resilience.Retry(ctx, retryCfg, func() (any, error) {
		resp, err := provider.Complete(ctx, llm.CompletionRequest{
			Messages:     toTypesMessages(messages),
			Temperature:  0,
			SystemPrompt: systemPrompt,
		})
		if err != nil {
			return nil, fmt.Errorf("dispatch: %s classifier call: %w", name, err)
		}
		return resp.Content, nil
	})
	if err != nil {
		return classifierVerdict{}, err
	}

	verdict, perr := parseVerdict(result.(string))
	if perr != nil {
		return classifierVerdict{HasTask: false}, nil
	}
	return verdict, nil
}

// parseVerdict strips a markdown code-fence wrapper (```json ... ``` or
// ``` ... ```), if present, before decoding — classifiers frequently wrap
// their JSON reply in one regardless of prompt instructions not to.
func parseVerdict(raw string) (classifierVerdict, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var v classifierVerdict
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return classifierVerdict{}, fmt.Errorf("dispatch: parse classifier verdict: %w", err)
	}
	return v, nil
}

func toTypesMessages(messages []Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, types.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// mcpSystemPrompt renders the MCP classifier's system prompt from the
// current merged tool catalog.
func mcpSystemPrompt(tools []types.ToolDefinition) string {
	var b strings.Builder
	b.WriteString("You decide whether the conversation asks for an action one of the following tools can perform.\n")
	b.WriteString("Respond with JSON only: {\"has_task\":bool,\"can_execute\":bool,\"task_description\":string,\"tool_name\":string,\"tool_args\":object,\"reason\":string}.\n")
	b.WriteString("Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return b.String()
}

const guiSystemPrompt = `You decide whether the conversation asks for a desktop/GUI automation action (opening an app, clicking, typing into a visible window).
Respond with JSON only: {"has_task":bool,"can_execute":bool,"task_description":string,"reason":string}.`

// pluginSystemPrompt renders the plugin classifier's system prompt from the
// current plugin registry.
func pluginSystemPrompt(plugins []PluginDescriptor) string {
	var b strings.Builder
	b.WriteString("You decide whether the conversation asks for an action one of the following user plugins can perform.\n")
	b.WriteString("Respond with JSON only: {\"has_task\":bool,\"can_execute\":bool,\"task_description\":string,\"plugin_id\":string,\"plugin_args\":object,\"reason\":string}.\n")
	b.WriteString("Available plugins:\n")
	for _, p := range plugins {
		fmt.Fprintf(&b, "- %s: %s\n", p.ID, p.Description)
	}
	return b.String()
}
