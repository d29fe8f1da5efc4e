// Package permission implements the per-tool Allow/Ask/Deny evaluation
// the agent loop consults before dispatching a tool-use to the
// executor. Wildcard and namespace semantics are grounded directly on
// the original chat-cli's util/tool_permission_checker.rs and
// cli/tool/permission.rs.
package permission

import (
	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/registry"
)

// Verdict is the tri-state result of evaluating one tool-use.
type Verdict = message.PermissionVerdict

const (
	Allow = message.Allow
	Ask   = message.Ask
	Deny  = message.Deny
)

// Result is the accumulated outcome of evaluating one tool-use,
// carrying reasons for Deny verdicts so the host can display them
// (ApprovalRequest / ToolCallEnd rendering).
type Result struct {
	Verdict Verdict
	Reasons []string
}

// Context is the input to Evaluate: the agent's configuration view, the
// tool name (as the model invoked it, possibly an alias), its
// canonical spec (for denylist policy and reentrance), and whether the
// tool is already accepted for this session (AllowAlways augmentation).
type Context struct {
	AllowedTools  []string // agent.tools, wildcard patterns
	TrustAllTools bool
	AlreadyAllowed bool // true if a prior AllowAlways covered this tool name this session
	// DenylistContext is the tool-specific string tool-specific policy
	// denylist patterns are matched against (for shell_exec, the
	// command line; for other tools, typically the tool name itself).
	DenylistContext string
}

// Evaluate computes the Allow/Ask/Deny verdict for one tool-use,
// following cli/tool/permission.rs's evaluate_single_tool_permission:
// an already-accepted tool is Allow; otherwise the allowlist match
// yields Allow or Ask (Ask may be short-circuited to Allow by
// trust_all_tools, but this never overrides a Deny); a denylist match
// always forces Deny regardless of the allowlist outcome.
func Evaluate(ctx Context, spec message.ToolSpec, toolName string) Result {
	if matchesDenylist(spec.Policy.Denylist, ctx.DenylistContext) {
		return Result{Verdict: Deny, Reasons: []string{"tool input matches a denylisted pattern for " + toolName}}
	}

	if ctx.AlreadyAllowed {
		return Result{Verdict: Allow}
	}

	server, _ := registry.SplitMCPName(toolName)
	isMCP := registry.IsMCPTool(toolName)

	var allowed bool
	if isMCP {
		allowed = isToolInAllowlistMCP(ctx.AllowedTools, toolName, server)
	} else {
		allowed = isToolInAllowlistNative(ctx.AllowedTools, toolName)
	}

	if allowed {
		return Result{Verdict: Allow}
	}

	if ctx.TrustAllTools {
		return Result{Verdict: Allow}
	}

	return Result{Verdict: Ask, Reasons: []string{toolName + " is not in the agent's allowed-set"}}
}

// isToolInAllowlistNative delegates to registry.MatchesAllowlist, which
// holds the canonical "@builtin" namespace semantics so ListForAgent's
// listing and this allowlist check can never disagree.
func isToolInAllowlistNative(allowed []string, toolName string) bool {
	return registry.MatchesAllowlist(allowed, toolName)
}

// isToolInAllowlistMCP delegates to registry.MatchesAllowlistMCP, which
// holds the canonical "@server" namespace semantics.
func isToolInAllowlistMCP(allowed []string, fullName, server string) bool {
	return registry.MatchesAllowlistMCP(allowed, fullName, server)
}

func matchesDenylist(denylist []string, context string) bool {
	if len(denylist) == 0 {
		return false
	}
	for _, p := range denylist {
		if registry.WildcardMatch(p, context) {
			return true
		}
	}
	return false
}
