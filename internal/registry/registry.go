// Package registry implements the tool registry: name -> (schema,
// permission policy, invoker) lookup, agent-filtered listing, and input
// validation against each tool's JSON Schema.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomcli/loom/internal/message"
)

// ProgressFunc is the progress sink an invoker may write human-readable
// progress lines to during execution, surfaced by the host without
// blocking further execution.
type ProgressFunc func(text string)

// Invoker is the function signature every registered tool implements.
// It receives the parsed input, a tool-specific agent context value
// (opaque to the registry), a progress sink, the cancellation context,
// and a writer the invoker may use to emit a human-readable description
// of what it is doing (surfaced by the host as ToolCallBegin's
// rendered_description/input_summary).
type Invoker func(ctx context.Context, input json.RawMessage, agentCtx any, progress ProgressFunc, describe io.Writer) (message.ResultStatus, []message.ResultContent, error)

// entry bundles a ToolSpec with its compiled schema and invoker.
type entry struct {
	spec     message.ToolSpec
	schema   *jsonschema.Schema
	invoker  Invoker
}

// Registry composes built-in tools, MCP-provided tools (namespaced
// "@server/tool"), and the reserved "summary" tool used by subagent
// termination. It is read-only after session init, except for the
// session-local allow-augmentation applied by the permission layer via
// AllowAlways, which this package does not itself track (see
// internal/permission).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register compiles spec's input schema once and adds it under
// spec.Name. Compilation failure is a configuration error (ConfigInvalid
// per spec.md §7) and is returned rather than panicking, since it can
// originate from an external MCP server's advertised schema.
func (r *Registry) Register(spec message.ToolSpec, invoker Invoker) error {
	schema, err := compileSchema(spec.Name, spec.InputSchema)
	if err != nil {
		return fmt.Errorf("registry: compile schema for %q: %w", spec.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[spec.Name] = &entry{spec: spec, schema: schema, invoker: invoker}
	return nil
}

// Unregister removes a tool, used when an MCP server disconnects.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	resourceName := "tool:" + name
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(resourceName)
}

// Lookup returns the ToolSpec for name, or false if not registered.
func (r *Registry) Lookup(name string) (message.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return message.ToolSpec{}, false
	}
	return e.spec, true
}

// Invoker returns the invoker for name, or false if not registered.
func (r *Registry) Invoker(name string) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.invoker, true
}

// ValidationDiagnostic describes why a tool input failed schema
// validation, surfaced verbatim in the synthesized Error tool-result.
type ValidationDiagnostic struct {
	ToolName string
	Err      error
}

func (d *ValidationDiagnostic) Error() string {
	return fmt.Sprintf("tool %q input failed schema validation: %v", d.ToolName, d.Err)
}

// Validate checks inputJSON against name's compiled schema.
func (r *Registry) Validate(name string, inputJSON json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: unknown tool %q", name)
	}
	if len(inputJSON) == 0 {
		inputJSON = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(inputJSON, &doc); err != nil {
		return &ValidationDiagnostic{ToolName: name, Err: err}
	}
	if err := e.schema.Validate(doc); err != nil {
		return &ValidationDiagnostic{ToolName: name, Err: err}
	}
	return nil
}

// AgentView is the subset of agent configuration the registry needs to
// filter and alias tools for list_for_agent.
type AgentView struct {
	Tools        []string          // allowed-set patterns, wildcard-capable
	ToolAliases  map[string]string // alias -> canonical tool name
}

// ListForAgent returns every registered ToolSpec whose name matches
// agent's allowed-set after alias resolution, sorted by name for
// deterministic host rendering.
func (r *Registry) ListForAgent(agent AgentView) []message.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resolved := make(map[string]string, len(agent.ToolAliases))
	for alias, canon := range agent.ToolAliases {
		resolved[canon] = alias
	}

	var out []message.ToolSpec
	for name, e := range r.entries {
		var matched bool
		if IsMCPTool(name) {
			server, _ := SplitMCPName(name)
			matched = MatchesAllowlistMCP(agent.Tools, name, server)
		} else {
			matched = MatchesAllowlist(agent.Tools, name)
		}
		if !matched {
			continue
		}
		spec := e.spec
		if alias, ok := resolved[name]; ok {
			spec.Name = alias
		}
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// builtInPrefix and builtInPrefixWithSlash mirror BUILT_IN_PREFIX /
// BUILT_IN_PREFIX_WITH_SLASH from the original chat-cli's
// tool_permission_checker.rs.
const (
	builtInPrefix          = "@builtin"
	builtInPrefixWithSlash = "@builtin/"
)

// MatchesAllowlist reports whether a native (non-MCP) tool name is
// granted by an agent's allowed-set: "@builtin", "@builtin/", and
// "@builtin/*" all grant every built-in; any non-"@"-prefixed pattern,
// or a pattern under "@builtin/", is matched against the bare tool name
// with wildcards. This is the one namespace-aware matcher both
// Registry.ListForAgent and internal/permission's allowlist check call,
// so "list for agent" and "is this tool allowed" agree by construction.
func MatchesAllowlist(allowed []string, toolName string) bool {
	for _, pattern := range allowed {
		if rest, ok := strings.CutPrefix(pattern, builtInPrefix); ok {
			if rest == "" || rest == "/" || rest == "/*" {
				return true
			}
		}
	}

	var patterns []string
	for _, pattern := range allowed {
		if !strings.HasPrefix(pattern, "@") {
			patterns = append(patterns, pattern)
			continue
		}
		if rest, ok := strings.CutPrefix(pattern, builtInPrefixWithSlash); ok {
			patterns = append(patterns, rest)
		}
	}
	return matchesAny(toolName, patterns)
}

// MatchesAllowlistMCP reports whether an MCP tool ("@server/tool") is
// granted by an agent's allowed-set: a bare "@server" pattern grants
// every tool on that server; otherwise "@server/tool_glob" is checked
// against the fully qualified name.
func MatchesAllowlistMCP(allowed []string, fullName, server string) bool {
	var patterns []string
	for _, pattern := range allowed {
		if strings.HasPrefix(pattern, "@") {
			patterns = append(patterns, pattern)
		}
	}
	serverPattern := "@" + server
	if matchesAny(serverPattern, patterns) {
		return true
	}
	return matchesAny(fullName, patterns)
}

// matchesAny reports whether name matches at least one pattern, using
// shell-style wildcard semantics.
func matchesAny(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, p := range patterns {
		if WildcardMatch(p, name) {
			return true
		}
	}
	return false
}

// WildcardMatch implements shell-style "*"/"?" matching over tool names,
// which may contain "@" and "/" (MCP namespacing) that path.Match would
// treat specially in ways that don't fit this alphabet. It is the only
// matcher: the allowlist matchers above and internal/permission's
// denylist check both call it.
func WildcardMatch(pattern, name string) bool {
	return wildcardMatch(pattern, name)
}

func wildcardMatch(pattern, name string) bool {
	return matchHere(pattern, name)
}

func matchHere(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			// Collapse consecutive stars.
			for len(pattern) > 1 && pattern[1] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if matchHere(pattern[1:], s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			pattern = pattern[1:]
			s = s[1:]
		default:
			if len(s) == 0 || s[0] != pattern[0] {
				return false
			}
			pattern = pattern[1:]
			s = s[1:]
		}
	}
	return len(s) == 0
}

// IsMCPTool reports whether name is namespaced as "@server/tool" or
// "@server".
func IsMCPTool(name string) bool {
	return strings.HasPrefix(name, "@")
}

// SplitMCPName splits "@server/tool" into ("server", "tool"); for a
// bare "@server" it returns ("server", "").
func SplitMCPName(name string) (server, tool string) {
	if !strings.HasPrefix(name, "@") {
		return "", name
	}
	rest := name[1:]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i], rest[i+1:]
	}
	return rest, ""
}

// ReservedSummaryTool is the name of the subagent termination contract
// tool every child registry must expose.
const ReservedSummaryTool = "summary"
