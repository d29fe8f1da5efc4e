package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
default_provider = "anthropic"

[providers.anthropic]
kind = "anthropic"
model = "claude-sonnet-4"
temperature = 0.7
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultProvider != "anthropic" {
		t.Fatalf("default_provider = %q", cfg.DefaultProvider)
	}
	if cfg.Providers["anthropic"].Model != "claude-sonnet-4" {
		t.Fatalf("unexpected provider: %+v", cfg.Providers["anthropic"])
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestValidateRequiresAtLeastOneProvider(t *testing.T) {
	cfg := &Config{Providers: map[string]ProviderConfig{}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error with no providers")
	}
}

func TestValidateRejectsUnknownDefaultProvider(t *testing.T) {
	cfg := &Config{
		DefaultProvider: "ghost",
		Providers:       map[string]ProviderConfig{"anthropic": {Model: "m", Temperature: 0.5}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown default_provider")
	}
}

func TestResolveAgentDefault(t *testing.T) {
	cfg := &Config{Agents: map[string]AgentTOML{}}
	agent, err := cfg.ResolveAgent("")
	if err != nil {
		t.Fatalf("ResolveAgent: %v", err)
	}
	if !agent.TrustAllTools {
		t.Fatal("expected the default agent to trust all tools")
	}
	if len(agent.Tools) == 0 {
		t.Fatal("expected the default agent to allow at least @builtin/*")
	}
}

func TestResolveAgentNamed(t *testing.T) {
	cfg := &Config{Agents: map[string]AgentTOML{
		"reviewer": {
			Prompt: "You review code.",
			Tools:  []string{"fs_read", "grep"},
		},
	}}
	agent, err := cfg.ResolveAgent("reviewer")
	if err != nil {
		t.Fatalf("ResolveAgent: %v", err)
	}
	if agent.SystemPrompt != "You review code." {
		t.Fatalf("unexpected prompt: %q", agent.SystemPrompt)
	}
	if len(agent.Tools) != 2 {
		t.Fatalf("unexpected tools: %v", agent.Tools)
	}
}

func TestResolveAgentUnknownNameErrors(t *testing.T) {
	cfg := &Config{Agents: map[string]AgentTOML{}}
	if _, err := cfg.ResolveAgent("ghost"); err == nil {
		t.Fatal("expected an error for an unconfigured agent name")
	}
}

func TestDataDirRespectsEnvOverride(t *testing.T) {
	t.Setenv("LOOM_DATA_DIR", "/tmp/loom-test-data")
	dir, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir: %v", err)
	}
	if dir != "/tmp/loom-test-data" {
		t.Fatalf("DataDir = %q, want override", dir)
	}
}
