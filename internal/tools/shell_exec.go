package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/loomcli/loom/internal/delta"
	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/registry"
	"github.com/loomcli/loom/internal/shell"
	"github.com/loomcli/loom/internal/toolctx"
)

type shellExecArgs struct {
	Command string `json:"command"`
}

// shellExecDenylist is matched against the whole command line (see
// agentloop's denylistContext), translated from shell.BannedCommands
// and shell.DefaultBlockFuncs's argument-level blockers into glob
// patterns a shell_exec ToolSpec.Policy.Denylist can carry.
var shellExecDenylist = buildShellDenylist()

func buildShellDenylist() []string {
	patterns := make([]string, 0, len(shell.BannedCommands)*2+8)
	for _, cmd := range shell.BannedCommands {
		patterns = append(patterns, cmd, cmd+" *")
	}
	patterns = append(patterns,
		"npm install -g*", "npm install --global*",
		"pnpm add -g*", "pnpm add --global*",
		"yarn global*",
		"pip install*", "pip3 install*",
		"gem install*", "cargo install*", "go install*",
		"go test*-exec*",
	)
	return patterns
}

var shellExecSpec = message.ToolSpec{
	Name: "shell_exec",
	Description: `Executes a shell command in a persistent in-process shell. Working directory and exported environment variables carry over between calls. Destructive, network, privilege-escalation, and package-manager commands are blocked.`,
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The shell command to run"}
		},
		"required": ["command"]
	}`),
	Policy: message.PermissionPolicy{
		Denylist: shellExecDenylist,
	},
	Builtin: true,
}

func shellExecInvoker(ctx context.Context, input json.RawMessage, agentCtx any, _ registry.ProgressFunc, _ io.Writer) (message.ResultStatus, []message.ResultContent, error) {
	tc, ok := agentCtx.(*toolctx.Context)
	if !ok {
		return message.StatusError, errText("shell_exec: missing tool context"), nil
	}
	var args shellExecArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return message.StatusError, errText("invalid arguments: %v", err), nil
	}
	if args.Command == "" {
		return message.StatusError, errText("command cannot be empty"), nil
	}
	if tc.Sh == nil {
		return message.StatusError, errText("shell_exec: no shell configured"), nil
	}

	var pre map[string]delta.FileSnapshot
	trackDeltas := tc.Deltas != nil && tc.Deltas.TurnID() > 0
	if trackDeltas {
		pre = delta.SnapshotDir(tc.Root)
	}

	var stdout, stderr bytes.Buffer
	runErr := tc.Sh.ExecStream(ctx, args.Command, &stdout, &stderr)
	exitCode := shell.ExitCode(runErr)

	if trackDeltas {
		post := delta.SnapshotDir(tc.Root)
		delta.RecordDeltas(tc.Deltas, tc.Root, pre, post)
	}

	status := message.StatusSuccess
	if exitCode != 0 {
		status = message.StatusError
	}

	var b []byte
	b = append(b, []byte(fmt.Sprintf("$ %s\n", args.Command))...)
	if stdout.Len() > 0 {
		b = append(b, stdout.Bytes()...)
	}
	if stderr.Len() > 0 {
		b = append(b, []byte("[stderr]\n")...)
		b = append(b, stderr.Bytes()...)
	}
	b = append(b, []byte(fmt.Sprintf("\n[exit %d] [cwd %s]", exitCode, tc.Sh.Dir()))...)

	return status, []message.ResultContent{{Kind: message.ContentText, Text: string(b)}}, nil
}
