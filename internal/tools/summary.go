package tools

import (
	"context"
	"encoding/json"
	"io"

	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/registry"
	"github.com/loomcli/loom/internal/toolctx"
)

type summaryArgs struct {
	Summary     string `json:"summary"`
	ContextNote string `json:"context_note,omitempty"`
}

// summarySpec is the reserved tool a subagent child calls to report back
// to the delegating parent. Calling it does not stop the child's loop;
// the first call's report is kept and later calls do not replace it.
// registry.ReservedSummaryTool must equal this spec's Name.
var summarySpec = message.ToolSpec{
	Name: registry.ReservedSummaryTool,
	Description: `Ends your task and reports the outcome to whoever delegated it to you. Call this exactly once, after you've finished the task (or determined it cannot be completed). context_note is optional: anything the parent should know that doesn't belong in the summary itself.`,
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"summary":      {"type": "string", "description": "What you accomplished, or why you could not"},
			"context_note": {"type": "string", "description": "Optional: additional context for the parent agent"}
		},
		"required": ["summary"]
	}`),
	Builtin: true,
}

func summaryInvoker(_ context.Context, input json.RawMessage, agentCtx any, _ registry.ProgressFunc, _ io.Writer) (message.ResultStatus, []message.ResultContent, error) {
	tc, ok := agentCtx.(*toolctx.Context)
	if !ok {
		return message.StatusError, errText("summary: missing tool context"), nil
	}
	if tc.Summary == nil {
		return message.StatusError, errText("summary can only be called from within a delegated sub-task"), nil
	}
	var args summaryArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return message.StatusError, errText("invalid arguments: %v", err), nil
	}
	if args.Summary == "" {
		return message.StatusError, errText("summary cannot be empty"), nil
	}
	tc.Summary.Set(args.Summary, args.ContextNote)
	return message.StatusSuccess, okText("summary recorded"), nil
}
