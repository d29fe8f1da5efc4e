// Package subagent implements the delegate built-in (C9): a bounded
// child Conversation and Loop spawned from a running turn to hand off a
// focused task, grounded on the teacher's internal/subagent package and
// mcptools.SubAgentHandler.
//
// The child never asks the host for approval (TrustAllTools is forced
// on its AgentConfig, matching the teacher's proxy-direct execution)
// and reports its outcome through the reserved "summary" tool rather
// than the last assistant message scraped from its transcript.
package subagent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/loomcli/loom/internal/agentloop"
	"github.com/loomcli/loom/internal/contextmgr"
	"github.com/loomcli/loom/internal/executor"
	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/modelstream"
	"github.com/loomcli/loom/internal/registry"
	"github.com/loomcli/loom/internal/toolctx"
)

const (
	// DefaultMaxDepth bounds delegation depth, counting the root turn
	// as depth 0: Run refuses a call when the caller's Depth+1 reaches
	// it, so with 2 the root may spawn a child (depth 1) and that
	// child's own delegate call is refused. This matches the teacher's
	// MaxSubAgentDepth = 1 extra level, now configurable instead of a
	// compile-time constant.
	DefaultMaxDepth = 2

	// DefaultMaxIterations is the default tool-round ceiling for a
	// child turn, grounded on the teacher's MaxSubAgentIterations.
	DefaultMaxIterations = 5

	// MaxAllowedIterations bounds a caller-supplied max_iterations,
	// grounded on the teacher's MaxAllowedIterations.
	MaxAllowedIterations = 20
)

// Options configures one delegate() call.
type Options struct {
	Backend    modelstream.Backend
	Registry   *registry.Registry
	Executor   *executor.Executor
	ContextMgr *contextmgr.Manager

	// ParentToolCtx is the delegating agent's own tool context; the
	// child's Context is derived from it via Child(), sharing the
	// shell and delta tracker but getting its own read tracker,
	// scratchpad, and summary Capture.
	ParentToolCtx *toolctx.Context

	// ParentAgent is the delegating agent's own configuration; the
	// child inherits its tool allowlist and aliases unless AgentName
	// selects a distinct configured child agent. Only a literal
	// "delegate" entry is dropped from the inherited allowlist; a
	// wildcard entry covering delegate is kept, and Run's depth check
	// refuses the grandchild call.
	ParentAgent  agentloop.AgentConfig
	AgentConfigs map[string]agentloop.AgentConfig

	Depth    int // the CALLER's depth; 0 for the root turn
	MaxDepth int // 0 uses DefaultMaxDepth

	Task          string
	AgentName     string
	MaxIterations int
}

// Result reports a completed delegate() call.
type Result struct {
	Summary      string
	ContextNote  string
	InputTokens  int
	OutputTokens int
}

// Run spawns a child Conversation and Loop, drives it to completion, and
// returns its reported summary. It never blocks on the host: the child
// never asks for approval (Run forces TrustAllTools on the child's
// config) and its HostEvent stream
// is discarded, since only the parent turn's events reach the host.
func Run(ctx context.Context, opts Options) (Result, error) {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if opts.Depth+1 >= maxDepth {
		return Result{}, agentloop.ErrMaxDepthExceeded
	}
	if strings.TrimSpace(opts.Task) == "" {
		return Result{}, fmt.Errorf("subagent: task is required")
	}

	maxIter := DefaultMaxIterations
	if opts.MaxIterations > 0 {
		if opts.MaxIterations > MaxAllowedIterations {
			return Result{}, fmt.Errorf("subagent: max_iterations too large (max %d)", MaxAllowedIterations)
		}
		maxIter = opts.MaxIterations
	}

	childAgent := opts.ParentAgent
	if opts.AgentName != "" {
		cfg, ok := opts.AgentConfigs[opts.AgentName]
		if !ok {
			return Result{}, fmt.Errorf("subagent: unknown agent %q", opts.AgentName)
		}
		childAgent = cfg
	}
	childAgent.Tools = restrictedToolSet(childAgent.Tools)
	childAgent.TrustAllTools = true
	childAgent.SystemPrompt = buildSystemPrompt(childAgent.SystemPrompt, opts.Task)

	childToolCtx := opts.ParentToolCtx.Child()
	conv := message.New()
	events := make(chan agentloop.HostEvent, 64)
	var usage agentloop.Usage
	var drainWg sync.WaitGroup
	drainWg.Add(1)
	go func() {
		defer drainWg.Done()
		for ev := range events {
			if ev.Type == agentloop.HostTurnComplete {
				usage.InputTokens += ev.Usage.InputTokens
				usage.OutputTokens += ev.Usage.OutputTokens
			}
		}
	}()

	loop := agentloop.New(agentloop.Config{
		Backend:       opts.Backend,
		Registry:      opts.Registry,
		Executor:      opts.Executor,
		ContextMgr:    opts.ContextMgr,
		Agent:         childAgent,
		Scratchpad:    childToolCtx.Scratchpad,
		MaxToolRounds: maxIter,
		AgentCtx:      childToolCtx,
	}, conv, events)

	_, err := loop.SubmitPrompt(ctx, opts.Task, nil)
	close(events)
	drainWg.Wait()
	if err != nil {
		return Result{}, fmt.Errorf("subagent: %w", err)
	}

	summary, note, called := childToolCtx.Summary.Result()
	if !called {
		return Result{}, fmt.Errorf("subagent: task finished without calling %s", registry.ReservedSummaryTool)
	}
	return Result{Summary: summary, ContextNote: note, InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens}, nil
}

// restrictedToolSet drops "delegate" from an allowlist and ensures the
// reserved summary tool is always reachable, regardless of what the
// parent's own allowlist happened to contain.
func restrictedToolSet(tools []string) []string {
	out := make([]string, 0, len(tools)+1)
	var sawSummary bool
	for _, t := range tools {
		if t == "delegate" {
			continue
		}
		if t == registry.ReservedSummaryTool {
			sawSummary = true
		}
		out = append(out, t)
	}
	if !sawSummary {
		out = append(out, registry.ReservedSummaryTool)
	}
	return out
}

func buildSystemPrompt(base, task string) string {
	role := strings.TrimSpace(`
You are a focused sub-agent working on a task assigned by a parent agent.
Complete the task using the tools available to you, then call the
"summary" tool exactly once with what you accomplished. Calling summary
ends your turn: do not call further tools after it. You cannot delegate
further sub-tasks.`)
	parts := []string{role}
	if base != "" {
		parts = append(parts, base)
	}
	parts = append(parts, "Task:\n"+task)
	return strings.Join(parts, "\n\n---\n\n")
}
