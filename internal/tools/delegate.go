package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/loomcli/loom/internal/agentloop"
	"github.com/loomcli/loom/internal/contextmgr"
	"github.com/loomcli/loom/internal/executor"
	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/modelstream"
	"github.com/loomcli/loom/internal/registry"
	"github.com/loomcli/loom/internal/subagent"
	"github.com/loomcli/loom/internal/toolctx"
)

type delegateArgs struct {
	Task          string `json:"task"`
	AgentName     string `json:"agent_name,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

var delegateSpec = message.ToolSpec{
	Name: "delegate",
	Description: fmt.Sprintf(`Hands off a focused task to a bounded sub-agent that works independently and reports back via the reserved %q tool. Use this to parallelize or isolate a well-scoped piece of work (e.g. "investigate X and summarize what you find") rather than doing it inline. The sub-agent cannot itself delegate further.`, registry.ReservedSummaryTool),
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"task":           {"type": "string", "description": "The task to hand off, written as a self-contained instruction"},
			"agent_name":     {"type": "string", "description": "Optional: name of a configured agent persona to run the task as"},
			"max_iterations": {"type": "integer", "description": "Optional: cap on the sub-agent's tool-call rounds (default 5, max 20)"}
		},
		"required": ["task"]
	}`),
	Builtin: true,
}

// delegateDeps bundles the session-level collaborators delegateInvoker
// needs beyond the per-call opaque agentCtx: a running Loop's Backend,
// Executor, Registry, and ContextMgr don't change across tool calls, so
// Register closes over them once at wiring time instead of
// smuggling them through toolctx.Context (which only carries state that
// varies per agent instance, not per session).
type delegateDeps struct {
	backend      modelstream.Backend
	registry     *registry.Registry
	executor     *executor.Executor
	contextMgr   *contextmgr.Manager
	parentAgent  agentloop.AgentConfig
	agentConfigs map[string]agentloop.AgentConfig
	maxDepth     int
}

func delegateInvoker(deps delegateDeps) registry.Invoker {
	return func(ctx context.Context, input json.RawMessage, agentCtx any, _ registry.ProgressFunc, _ io.Writer) (message.ResultStatus, []message.ResultContent, error) {
		tc, ok := agentCtx.(*toolctx.Context)
		if !ok {
			return message.StatusError, errText("delegate: missing tool context"), nil
		}
		var args delegateArgs
		if err := json.Unmarshal(input, &args); err != nil {
			return message.StatusError, errText("invalid arguments: %v", err), nil
		}

		result, err := subagent.Run(ctx, subagent.Options{
			Backend:       deps.backend,
			Registry:      deps.registry,
			Executor:      deps.executor,
			ContextMgr:    deps.contextMgr,
			ParentToolCtx: tc,
			ParentAgent:   deps.parentAgent,
			AgentConfigs:  deps.agentConfigs,
			Depth:         tc.Depth,
			MaxDepth:      deps.maxDepth,
			Task:          args.Task,
			AgentName:     args.AgentName,
			MaxIterations: args.MaxIterations,
		})
		if err != nil {
			return message.StatusError, errText("delegate: %v", err), nil
		}

		text := result.Summary
		if result.ContextNote != "" {
			text += "\n\n" + result.ContextNote
		}
		return message.StatusSuccess, []message.ResultContent{{Kind: message.ContentText, Text: text}}, nil
	}
}
