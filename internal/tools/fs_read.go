package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/loomcli/loom/internal/hashline"
	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/registry"
	"github.com/loomcli/loom/internal/toolctx"
)

// fsReadArgs are the arguments to fs_read.
type fsReadArgs struct {
	File  string `json:"file"`
	Start int    `json:"start,omitempty"`
	End   int    `json:"end,omitempty"`
}

// fsReadSpec describes fs_read: reads a file and returns hashline-tagged
// content so fs_write can later anchor edits by line+hash.
var fsReadSpec = message.ToolSpec{
	Name:        "fs_read",
	Description: `Reads a file and returns hashline-tagged content. Each line is returned as "linenum:hash|content". You MUST fs_read a file before editing it with fs_write. Use start/end for line ranges.`,
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"file":  {"type": "string", "description": "Path to the file to read"},
			"start": {"type": "integer", "description": "Optional: starting line number (1-indexed, inclusive)"},
			"end":   {"type": "integer", "description": "Optional: ending line number (1-indexed, inclusive)"}
		},
		"required": ["file"]
	}`),
	Builtin: true,
}

func fsReadInvoker(_ context.Context, input json.RawMessage, agentCtx any, _ registry.ProgressFunc, _ io.Writer) (message.ResultStatus, []message.ResultContent, error) {
	tc, ok := agentCtx.(*toolctx.Context)
	if !ok {
		return message.StatusError, errText("fs_read: missing tool context"), nil
	}
	var args fsReadArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return message.StatusError, errText("invalid arguments: %v", err), nil
	}
	if args.File == "" {
		return message.StatusError, errText("file path cannot be empty"), nil
	}

	absPath, err := validatePathWithRoot(args.File, tc.Root)
	if err != nil {
		return message.StatusError, errText("%v", err), nil
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return message.StatusError, errText("failed to read file: %v", err), nil
	}
	tc.Reads.MarkRead(absPath)

	lines := strings.Split(string(content), "\n")
	selected, startLine, err := extractRange(lines, string(content), args.Start, args.End)
	if err != nil {
		return message.StatusError, errText("%v", err), nil
	}

	tagged := hashline.TagLines(selected, startLine)
	rangeInfo := ""
	if args.Start > 0 || args.End > 0 {
		end := args.End
		if end <= 0 || end > len(lines) {
			end = len(lines)
		}
		rangeInfo = fmt.Sprintf(" (lines %d-%d)", startLine, end)
	}
	text := fmt.Sprintf("Read %s%s (%d lines):\n\n%s", args.File, rangeInfo, len(tagged), hashline.FormatTagged(tagged))
	return message.StatusSuccess, []message.ResultContent{{Kind: message.ContentText, Text: text}}, nil
}

// extractRange returns the selected content and start line number for a
// 1-indexed, inclusive line range; a zero start/end selects the whole file.
func extractRange(lines []string, full string, start, end int) (string, int, error) {
	if start <= 0 && end <= 0 {
		return full, 1, nil
	}
	if start <= 0 {
		start = 1
	}
	if start < 1 || start > len(lines) {
		return "", 0, fmt.Errorf("start line %d out of range (file has %d lines)", start, len(lines))
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return "", 0, fmt.Errorf("invalid range: start (%d) > end (%d)", start, end)
	}
	return strings.Join(lines[start-1:end], "\n"), start, nil
}
