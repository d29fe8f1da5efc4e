package tools

import (
	"context"
	"encoding/json"
	"io"

	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/registry"
	"github.com/loomcli/loom/internal/toolctx"
)

type thinkingArgs struct {
	Notes string `json:"notes"`
}

var thinkingSpec = message.ToolSpec{
	Name: "thinking",
	Description: `Records your current plan and reasoning to a scratchpad. Use this to think through a problem before acting, or to keep track of a multi-step plan as you work. Overwrites any previous scratchpad content — pass the full updated plan each time, not a delta.`,
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"notes": {"type": "string", "description": "Your current plan, reasoning, or notes"}
		},
		"required": ["notes"]
	}`),
	Builtin: true,
}

func thinkingInvoker(_ context.Context, input json.RawMessage, agentCtx any, _ registry.ProgressFunc, _ io.Writer) (message.ResultStatus, []message.ResultContent, error) {
	tc, ok := agentCtx.(*toolctx.Context)
	if !ok {
		return message.StatusError, errText("thinking: missing tool context"), nil
	}
	if !tc.ThinkingEnabled {
		return message.StatusError, errText("thinking is not enabled for this agent"), nil
	}
	var args thinkingArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return message.StatusError, errText("invalid arguments: %v", err), nil
	}
	tc.Scratchpad.Set(args.Notes)
	return message.StatusSuccess, okText("noted"), nil
}
