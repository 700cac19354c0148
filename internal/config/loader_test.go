package config_test

import (
	"strings"
	"testing"

	"github.com/wislap/neko-runtime/internal/config"
)

func TestValidate_DuplicateCharacterNames(t *testing.T) {
	t.Parallel()
	yaml := `
classifier:
  name: openai
characters:
  - name: Mira
    realtime:
      name: openai-realtime
  - name: Mira
    realtime:
      name: gemini-live
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate character names, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
characters:
  - name: Mira
    realtime:
      name: openai-realtime
  - name: Mira
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
	if !strings.Contains(errStr, "realtime.name") {
		t.Errorf("error should mention realtime.name, got: %v", err)
	}
}

func TestValidate_MCPDuplicateNameAllowedButMissingNameRejected(t *testing.T) {
	t.Parallel()
	yaml := `
mcp:
  servers:
    - type: stdio
      command: /usr/local/bin/mcp-tools
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing mcp server name, got nil")
	}
	if !strings.Contains(err.Error(), "mcp.servers[0].name") {
		t.Errorf("error should mention mcp.servers[0].name, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated.
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	llmNames := config.ValidProviderNames["llm"]
	if len(llmNames) == 0 {
		t.Fatal("ValidProviderNames[\"llm\"] should not be empty")
	}
	found := false
	for _, n := range llmNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"llm\"] should contain \"openai\"")
	}
}
