// Package config handles configuration loading from TOML files and
// environment variables: the session-level Config (model, data dir,
// MCP servers) and the AgentConfig the core's C8/C9 consult directly
// (spec.md §3's Agent configuration view: prompt, tool allowlist,
// aliases, settings, resources, hooks, trust_all_tools).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/loomcli/loom/internal/agentloop"
)

// Config is the root configuration structure.
type Config struct {
	DefaultProvider string                    `toml:"default_provider"`
	Providers       map[string]ProviderConfig `toml:"providers"`
	MCP             MCPConfig                 `toml:"mcp"`
	Cache           CacheConfig               `toml:"cache"`
	Agents          map[string]AgentTOML      `toml:"agents"`
}

// CacheConfig holds session-store settings.
type CacheConfig struct {
	TTLHours int `toml:"ttl_hours"`
}

// CacheTTLOrDefault returns the configured TTL or 24 hours if unset.
func (c CacheConfig) CacheTTLOrDefault() int {
	if c.TTLHours <= 0 {
		return 24
	}
	return c.TTLHours
}

// ProviderConfig holds LLM provider settings. Kind and Endpoint are
// parsed but not consulted: cmd/loom always builds the Anthropic
// backend from Model.
type ProviderConfig struct {
	Kind        string  `toml:"kind"`
	Endpoint    string  `toml:"endpoint"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
}

// MCPConfig holds MCP proxy settings.
type MCPConfig struct {
	Upstream string `toml:"upstream"`
}

// AgentTOML is the on-disk shape of one named agent under [agents.NAME]
// in config.toml; ResolveAgent resolves it (reading its resources file
// references into the prompt) into an agentloop.AgentConfig.
// ToolSettings is parsed but not carried into the AgentConfig.
type AgentTOML struct {
	Prompt        string            `toml:"prompt"`
	Tools         []string          `toml:"tools"`
	ToolAliases   map[string]string `toml:"tool_aliases"`
	ToolSettings  map[string]string `toml:"tool_settings"`
	Resources     []string          `toml:"resources"`
	Hooks         map[string]string `toml:"hooks"`
	TrustAllTools bool              `toml:"trust_all_tools"`
	ThinkingMode  bool              `toml:"thinking"`
}

// Load reads configuration from a TOML file and applies environment
// variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Providers: make(map[string]ProviderConfig),
		Agents:    make(map[string]AgentTOML),
	}

	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("providers: at least one provider must be configured"))
	} else {
		for name, providerCfg := range c.Providers {
			errs = append(errs, validateProviderConfig(name, providerCfg)...)
		}
	}

	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("default_provider=%q does not exist in providers", c.DefaultProvider))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateProviderConfig(name string, cfg ProviderConfig) []error {
	var errs []error
	if cfg.Model == "" {
		errs = append(errs, fmt.Errorf("providers.%s.model is required", name))
	}
	if cfg.Temperature < 0.0 || cfg.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("providers.%s.temperature=%v must be between 0.0 and 2.0", name, cfg.Temperature))
	}
	return errs
}

// applyEnvOverrides applies environment variable overrides to the
// configuration, grounded on the teacher's SYMB_MCP_ENDPOINT pattern.
func applyEnvOverrides(cfg *Config) {
	for _, setter := range []struct {
		env   string
		apply func(string)
	}{
		{"LOOM_MCP_ENDPOINT", func(v string) {
			if v != "" {
				cfg.MCP.Upstream = v
			}
		}},
	} {
		setter.apply(os.Getenv(setter.env))
	}
}

// ResolveAgent turns a named AgentTOML entry into an agentloop.AgentConfig,
// appending any configured resource files to the system prompt the way
// the teacher inlines reference material. Returns the zero agent
// ("default", trusting every built-in) if name is unset and not found.
func (c *Config) ResolveAgent(name string) (agentloop.AgentConfig, error) {
	entry, ok := c.Agents[name]
	if !ok {
		if name != "" && name != "default" {
			return agentloop.AgentConfig{}, fmt.Errorf("agent %q not configured", name)
		}
		return agentloop.AgentConfig{
			Name:          "default",
			Tools:         []string{"@builtin/*"},
			TrustAllTools: true,
		}, nil
	}

	prompt := entry.Prompt
	for _, ref := range entry.Resources {
		data, err := os.ReadFile(ref) //nolint:gosec // path comes from the agent's own trusted config
		if err != nil {
			return agentloop.AgentConfig{}, fmt.Errorf("agent %q resource %q: %w", name, ref, err)
		}
		prompt += "\n\n---\n" + string(data)
	}

	tools := entry.Tools
	if len(tools) == 0 {
		tools = []string{"@builtin/*"}
	}

	return agentloop.AgentConfig{
		Name:          name,
		SystemPrompt:  prompt,
		Tools:         tools,
		ToolAliases:   entry.ToolAliases,
		TrustAllTools: entry.TrustAllTools,
	}, nil
}

// ThinkingEnabled reports whether the named agent has the thinking
// scratchpad tool enabled, per spec.md C3 ("only when enabled in
// settings"). Unconfigured agents default to disabled.
func (c *Config) ThinkingEnabled(name string) bool {
	return c.Agents[name].ThinkingMode
}

// DataDir returns the path to loom's data directory (~/.config/loom),
// honoring the LOOM_DATA_DIR override named in spec.md §6.
func DataDir() (string, error) {
	if override := os.Getenv("LOOM_DATA_DIR"); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "loom"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
