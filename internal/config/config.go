// Package config provides the configuration schema, loader, and provider
// registry for the N.E.K.O runtime's Main and Agent processes.
package config

// Config is the root configuration structure, shared by the Main and Agent
// processes (each reads only the sections it needs).
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Characters []CharacterConfig `yaml:"characters"`
	Classifier ProviderEntry     `yaml:"classifier"`
	MCP        MCPConfig         `yaml:"mcp"`
	Plugins    PluginsConfig     `yaml:"plugins"`
	Memory     MemoryConfig      `yaml:"memory"`
	Monitor    MonitorConfig     `yaml:"monitor"`
	GUIAuto    GUIAutoConfig     `yaml:"gui_auto"`
	Budget     BudgetConfig      `yaml:"budget"`
}

// LogLevel controls slog verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, "":
		return true
	default:
		return false
	}
}

// ServerConfig holds the listen addresses for the Main and Agent HTTP/WS
// surfaces, plus logging verbosity shared by both processes.
type ServerConfig struct {
	// MainListenAddr is where the Main process serves /ws/{character} and
	// the Memory-facing /api/notify_task_result endpoint.
	MainListenAddr string `yaml:"main_listen_addr"`

	// AgentListenAddr is where the Agent process serves its localhost-bound
	// dispatch and MCP admin API.
	AgentListenAddr string `yaml:"agent_listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry is the common configuration block for a pluggable upstream
// backend. Name selects the constructor registered in [Registry].
type ProviderEntry struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// AgentFlags controls which Agent Dispatch Core backends are enabled for a
// character.
type AgentFlags struct {
	MCPEnabled    bool `yaml:"mcp_enabled"`
	GUIEnabled    bool `yaml:"gui_enabled"`
	PluginEnabled bool `yaml:"plugin_enabled"`
}

// CharacterConfig describes a single user-facing persona and the realtime
// upstream backing its Session Manager.
type CharacterConfig struct {
	// Name is the character's unique identifier, used in /ws/{name} and in
	// the Agent Dispatch API's lanlan_name field.
	Name string `yaml:"name"`

	// SystemPrompt is injected as the upstream's Instructions.
	SystemPrompt string `yaml:"system_prompt"`

	// VoiceID selects the synthesised voice; empty uses the upstream default.
	VoiceID string `yaml:"voice_id"`

	// UserLanguage, if set and not "en", routes outgoing transcripts through
	// a translation hook before they reach the user/monitor.
	UserLanguage string `yaml:"user_language"`

	// AggressiveIdle enables the Realtime Session Core's silence-timeout
	// watcher for this character's upstream.
	AggressiveIdle bool `yaml:"aggressive_idle"`

	AgentFlags AgentFlags `yaml:"agent_flags"`

	// Realtime configures the upstream S2S provider for this character's
	// Session Manager.
	Realtime ProviderEntry `yaml:"realtime"`
}

// MCPConfig holds the list of MCP upstream servers the Agent Process
// aggregates tools from.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// Transport selects how an MCP upstream is reached.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportStdio, TransportHTTP:
		return true
	default:
		return false
	}
}

// MCPServerConfig mirrors the persisted mcp_servers.json entry shape:
// {"type":"stdio","command":...,"args":[...]} or
// {"type":"http","url":...,"api_key":...}.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport Transport         `yaml:"type"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	URL       string            `yaml:"url"`
	APIKey    string            `yaml:"api_key"`
	Env       map[string]string `yaml:"env"`
}

// PluginsConfig points at the external user-plugin registry consulted by the
// Agent Dispatch Core's plugin classifier arm.
type PluginsConfig struct {
	RegistryURL string `yaml:"registry_url"`
}

// MemoryConfig points at the external Memory Process.
type MemoryConfig struct {
	BaseURL string `yaml:"base_url"`
}

// MonitorConfig points at the external Monitor Process consumed by each
// character's sync-connector thread.
type MonitorConfig struct {
	BaseURL string `yaml:"base_url"`
}

// GUIAutoConfig configures the GUI-automation exclusivity scheduler.
type GUIAutoConfig struct {
	// WorkerCommand is the executable launched (one instance at a time) to
	// carry out a dispatched GUI-automation instruction.
	WorkerCommand string `yaml:"worker_command"`

	// QueueCapacity bounds the pending GUI-auto queue. Zero uses the
	// package default.
	QueueCapacity int `yaml:"queue_capacity"`
}

// BudgetConfig holds throttle, backpressure, and retry knobs shared across
// the Realtime Session Core and Agent Dispatch Core.
type BudgetConfig struct {
	SendSemaphoreLimit       int     `yaml:"send_semaphore_limit"`
	ThrottleWindowSeconds    int     `yaml:"throttle_window_seconds"`
	SilenceTimeoutSeconds    int     `yaml:"silence_timeout_seconds"`
	RepetitionThreshold      float64 `yaml:"repetition_threshold"`
	ClassifierTimeoutSeconds int     `yaml:"classifier_timeout_seconds"`
	PluginTimeoutSeconds     int     `yaml:"plugin_timeout_seconds"`
	CapabilitiesTTLSeconds   int     `yaml:"capabilities_ttl_seconds"`
}
