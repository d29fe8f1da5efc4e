// Package tools implements the built-in tool set the registry exposes
// by default: fs_read, fs_write, fs_list, grep, shell_exec, thinking, the
// reserved summary tool, and delegate. Each is adapted from the
// teacher's internal/mcptools handlers onto registry.Invoker's
// signature instead of an MCP proxy's ToolHandler.
package tools

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/loomcli/loom/internal/agentloop"
	"github.com/loomcli/loom/internal/contextmgr"
	"github.com/loomcli/loom/internal/executor"
	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/modelstream"
	"github.com/loomcli/loom/internal/registry"
)

// Deps bundles the session-level collaborators needed to wire the
// delegate tool; every other built-in only needs the per-call
// toolctx.Context passed as agentCtx. AgentConfigs and MaxDepth may be
// left zero-valued (no named sub-agent personas, default depth).
type Deps struct {
	Backend      modelstream.Backend
	Executor     *executor.Executor
	ContextMgr   *contextmgr.Manager
	ParentAgent  agentloop.AgentConfig
	AgentConfigs map[string]agentloop.AgentConfig
	MaxDepth     int
}

// Register adds every built-in tool to reg, including delegate wired
// against deps.
func Register(reg *registry.Registry, deps Deps) error {
	specs := []struct {
		spec    message.ToolSpec
		invoker registry.Invoker
	}{
		{fsReadSpec, fsReadInvoker},
		{fsWriteSpec, fsWriteInvoker},
		{fsListSpec, fsListInvoker},
		{grepSpec, grepInvoker},
		{shellExecSpec, shellExecInvoker},
		{thinkingSpec, thinkingInvoker},
		{summarySpec, summaryInvoker},
		{delegateSpec, delegateInvoker(delegateDeps{
			backend:      deps.Backend,
			registry:     reg,
			executor:     deps.Executor,
			contextMgr:   deps.ContextMgr,
			parentAgent:  deps.ParentAgent,
			agentConfigs: deps.AgentConfigs,
			maxDepth:     deps.MaxDepth,
		})},
	}
	for _, s := range specs {
		if err := reg.Register(s.spec, s.invoker); err != nil {
			return fmt.Errorf("tools: register %q: %w", s.spec.Name, err)
		}
	}
	return nil
}

// errText and okText both wrap a formatted string as a single-entry
// ResultContent slice; kept distinct because a success path and an
// error path reading the same call site should stay easy to tell apart
// at a glance.
func errText(format string, args ...any) []message.ResultContent {
	return []message.ResultContent{{Kind: message.ContentText, Text: fmt.Sprintf(format, args...)}}
}

func okText(format string, args ...any) []message.ResultContent {
	return []message.ResultContent{{Kind: message.ContentText, Text: fmt.Sprintf(format, args...)}}
}

// validatePathWithRoot resolves file against root, rejecting any path
// that escapes it (absolute or via "..").
func validatePathWithRoot(file, root string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid root path: %w", err)
	}
	var absPath string
	if filepath.IsAbs(file) {
		absPath = file
	} else {
		absPath = filepath.Join(rootAbs, file)
	}
	absPath, err = filepath.Abs(absPath)
	if err != nil {
		return "", fmt.Errorf("invalid file path: %w", err)
	}
	relPath, err := filepath.Rel(rootAbs, absPath)
	if err != nil || strings.HasPrefix(relPath, "..") || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("access denied: path outside working directory")
	}
	return absPath, nil
}
