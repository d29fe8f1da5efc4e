package main

import (
	"testing"

	"github.com/loomcli/loom/internal/config"
	"github.com/loomcli/loom/internal/contextmgr"
)

func TestExitCodeForErrorKind(t *testing.T) {
	cases := []struct {
		kind string
		want int
	}{
		{"auth", exitAuthFailure},
		{"quota", exitQuota},
		{"transport", exitGeneric},
		{"", exitGeneric},
	}
	for _, tc := range cases {
		if got := exitCodeForErrorKind(tc.kind); got != tc.want {
			t.Errorf("exitCodeForErrorKind(%q) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestResolveDefaultConfigPathFallsBackToCwd(t *testing.T) {
	t.Setenv("LOOM_DATA_DIR", "/nonexistent-loom-data-dir")
	got := resolveDefaultConfigPath()
	if got != "config.toml" {
		t.Errorf("resolveDefaultConfigPath() = %q, want %q", got, "config.toml")
	}
}

func TestResolveHooksTranslatesTriggerMap(t *testing.T) {
	cfg := &config.Config{Agents: map[string]config.AgentTOML{
		"reviewer": {Hooks: map[string]string{"pre_tool_use": "echo start"}},
	}}
	hooks := resolveHooks(cfg, "reviewer")
	if got := hooks[contextmgr.HookPreToolUse]; len(got) != 1 || got[0] != "echo start" {
		t.Fatalf("unexpected hooks: %+v", hooks)
	}
}

func TestResolveHooksUnknownAgentReturnsNil(t *testing.T) {
	cfg := &config.Config{Agents: map[string]config.AgentTOML{}}
	if hooks := resolveHooks(cfg, "ghost"); hooks != nil {
		t.Fatalf("expected nil hooks for unconfigured agent, got %+v", hooks)
	}
}

func TestResolveNamedAgentsSkipsInvalid(t *testing.T) {
	cfg := &config.Config{Agents: map[string]config.AgentTOML{
		"reviewer": {Prompt: "review code"},
		"broken":   {Resources: []string{"/nonexistent/path/for/test"}},
	}}
	agents := resolveNamedAgents(cfg)
	if _, ok := agents["reviewer"]; !ok {
		t.Fatal("expected reviewer agent to resolve")
	}
	if _, ok := agents["broken"]; ok {
		t.Fatal("expected broken agent (missing resource file) to be skipped")
	}
}
