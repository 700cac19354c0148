package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind. Used by
// [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"s2s": {"openai-realtime", "gemini-live"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("llm", cfg.Classifier.Name)

	if len(cfg.Characters) > 0 && cfg.Classifier.Name == "" {
		slog.Warn("no classifier provider configured; analyze_and_execute will treat every backend as has_task=false")
	}

	seen := make(map[string]int, len(cfg.Characters))
	for i, ch := range cfg.Characters {
		prefix := fmt.Sprintf("characters[%d]", i)
		validateProviderName("s2s", ch.Realtime.Name)

		if ch.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[ch.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q duplicates characters[%d]", prefix, ch.Name, prev))
			}
			seen[ch.Name] = i
		}
		if ch.Realtime.Name == "" {
			errs = append(errs, fmt.Errorf("%s.realtime.name is required", prefix))
		}
		if !(ch.AgentFlags.MCPEnabled || ch.AgentFlags.GUIEnabled || ch.AgentFlags.PluginEnabled) {
			slog.Warn("character has every agent dispatch backend disabled; analyze_and_execute always bails out early", "character", ch.Name)
		}
	}

	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.type %q is invalid; valid values: stdio, http", prefix, srv.Transport))
			continue
		}
		switch srv.Transport {
		case TransportStdio:
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when type is stdio", prefix))
			}
		case TransportHTTP:
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when type is http", prefix))
			}
		}
	}

	for _, ch := range cfg.Characters {
		if ch.AgentFlags.GUIEnabled && cfg.GUIAuto.WorkerCommand == "" {
			slog.Warn("gui_auto.worker_command is empty but a character has gui_enabled; GUI tasks will fail to spawn", "character", ch.Name)
			break
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
