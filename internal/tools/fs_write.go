package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomcli/loom/internal/hashline"
	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/registry"
	"github.com/loomcli/loom/internal/toolctx"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
)

// fsWriteArgs mirror the teacher's EditArgs: exactly one operation field
// must be set.
type fsWriteArgs struct {
	File    string       `json:"file"`
	Replace *fsReplaceOp `json:"replace,omitempty"`
	Insert  *fsInsertOp  `json:"insert,omitempty"`
	Delete  *fsDeleteOp  `json:"delete,omitempty"`
	Create  *fsCreateOp  `json:"create,omitempty"`
}

type fsReplaceOp struct {
	Start   hashline.Anchor `json:"start"`
	End     hashline.Anchor `json:"end"`
	Content string          `json:"content"`
}

type fsInsertOp struct {
	After   hashline.Anchor `json:"after"`
	Content string          `json:"content"`
}

type fsDeleteOp struct {
	Start hashline.Anchor `json:"start"`
	End   hashline.Anchor `json:"end"`
}

type fsCreateOp struct {
	Content string `json:"content"`
}

const anchorSchema = `{"type": "object", "properties": {"line": {"type": "integer", "description": "1-indexed line number"}, "hash": {"type": "string", "description": "2-char hex hash from fs_read output"}}, "required": ["line", "hash"]}`

var fsWriteSpec = message.ToolSpec{
	Name: "fs_write",
	Description: `Edit a file using hash-anchored operations. You MUST fs_read the file first to get line hashes.
Each line from fs_read is tagged as "linenum:hash|content". Use the line number and hash as anchors.
Exactly one operation per call: replace, insert, delete, or create.
If a hash does not match, the file changed since you read it — re-read and retry.
After each edit you receive fresh hashes and a unified diff of what changed.`,
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"file": {"type": "string", "description": "Path to the file to edit"},
			"replace": {
				"type": "object",
				"description": "Replace lines from start to end (inclusive) with new content",
				"properties": {
					"start":   ` + anchorSchema + `,
					"end":     ` + anchorSchema + `,
					"content": {"type": "string", "description": "Replacement text (may be multiple lines)"}
				},
				"required": ["start", "end", "content"]
			},
			"insert": {
				"type": "object",
				"description": "Insert new lines after the anchored line",
				"properties": {
					"after":   ` + anchorSchema + `,
					"content": {"type": "string", "description": "Text to insert (may be multiple lines)"}
				},
				"required": ["after", "content"]
			},
			"delete": {
				"type": "object",
				"description": "Delete lines from start to end (inclusive)",
				"properties": {
					"start": ` + anchorSchema + `,
					"end":   ` + anchorSchema + `
				},
				"required": ["start", "end"]
			},
			"create": {
				"type": "object",
				"description": "Create a new file (fails if file already exists)",
				"properties": {
					"content": {"type": "string", "description": "Full file content"}
				},
				"required": ["content"]
			}
		},
		"required": ["file"]
	}`),
	Builtin: true,
}

func fsWriteInvoker(_ context.Context, input json.RawMessage, agentCtx any, _ registry.ProgressFunc, _ io.Writer) (message.ResultStatus, []message.ResultContent, error) {
	tc, ok := agentCtx.(*toolctx.Context)
	if !ok {
		return message.StatusError, errText("fs_write: missing tool context"), nil
	}
	var args fsWriteArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return message.StatusError, errText("invalid arguments: %v", err), nil
	}
	if args.File == "" {
		return message.StatusError, errText("file path cannot be empty"), nil
	}
	if err := validateWriteOps(args); err != nil {
		return message.StatusError, errText("%v", err), nil
	}

	absPath, err := validatePathWithRoot(args.File, tc.Root)
	if err != nil {
		return message.StatusError, errText("%v", err), nil
	}

	if args.Create != nil {
		return handleCreate(tc, absPath, args.File, args.Create)
	}

	if !tc.Reads.WasRead(absPath) {
		return message.StatusError, errText("you must fs_read the file before editing it. Read %s first to get its line hashes", args.File), nil
	}
	return applyEdit(tc, absPath, args)
}

func validateWriteOps(args fsWriteArgs) error {
	ops := 0
	for _, set := range []bool{args.Replace != nil, args.Insert != nil, args.Delete != nil, args.Create != nil} {
		if set {
			ops++
		}
	}
	if ops != 1 {
		return fmt.Errorf("exactly one operation (replace, insert, delete, or create) must be specified")
	}
	return nil
}

func applyEdit(tc *toolctx.Context, absPath string, args fsWriteArgs) (message.ResultStatus, []message.ResultContent, error) {
	before, err := os.ReadFile(absPath)
	if err != nil {
		return message.StatusError, errText("failed to read file: %v", err), nil
	}
	lines := strings.Split(string(before), "\n")

	var after string
	switch {
	case args.Replace != nil:
		after, err = applyReplace(lines, args.Replace)
	case args.Insert != nil:
		after, err = applyInsert(lines, args.Insert)
	case args.Delete != nil:
		after, err = applyDelete(lines, args.Delete)
	}
	if err != nil {
		return message.StatusError, errText("%v", err), nil
	}

	if tc.Deltas != nil {
		tc.Deltas.RecordModify(absPath, before)
	}
	if err := os.WriteFile(absPath, []byte(after), 0o600); err != nil {
		return message.StatusError, errText("failed to write file: %v", err), nil
	}

	diff := unifiedDiff(args.File, string(before), after)
	tagged := hashline.TagLines(after, 1)
	text := fmt.Sprintf("Edited %s (%d lines):\n\n%s\n\n%s", args.File, len(tagged), hashline.FormatTagged(tagged), diff)
	return message.StatusSuccess, okText(text), nil
}

func handleCreate(tc *toolctx.Context, absPath, displayPath string, op *fsCreateOp) (message.ResultStatus, []message.ResultContent, error) {
	if _, err := os.Stat(absPath); err == nil {
		return message.StatusError, errText("file already exists: %s (use replace/insert/delete to modify)", displayPath), nil
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return message.StatusError, errText("failed to create directories: %v", err), nil
	}
	if tc.Deltas != nil {
		tc.Deltas.RecordCreate(absPath)
	}
	if err := os.WriteFile(absPath, []byte(op.Content), 0o600); err != nil {
		return message.StatusError, errText("failed to create file: %v", err), nil
	}

	tagged := hashline.TagLines(op.Content, 1)
	text := fmt.Sprintf("Created %s (%d lines):\n\n%s", displayPath, len(tagged), hashline.FormatTagged(tagged))
	return message.StatusSuccess, okText(text), nil
}

// unifiedDiff renders a before/after diff with gotextdiff, the teacher's
// diff library, so the model sees exactly what its edit changed.
func unifiedDiff(path, before, after string) string {
	edits := myers.ComputeEdits(span.URIFromPath(path), before, after)
	return fmt.Sprint(gotextdiff.ToUnified(path, path, before, edits))
}

func applyReplace(lines []string, op *fsReplaceOp) (string, error) {
	if err := hashline.ValidateRange(op.Start, op.End, lines); err != nil {
		return "", fmt.Errorf("replace: %w", err)
	}
	out := make([]string, 0, len(lines))
	out = append(out, lines[:op.Start.Num-1]...)
	out = append(out, strings.Split(op.Content, "\n")...)
	out = append(out, lines[op.End.Num:]...)
	return strings.Join(out, "\n"), nil
}

func applyInsert(lines []string, op *fsInsertOp) (string, error) {
	if err := op.After.Validate(lines); err != nil {
		return "", fmt.Errorf("insert: after anchor: %w", err)
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:op.After.Num]...)
	out = append(out, strings.Split(op.Content, "\n")...)
	out = append(out, lines[op.After.Num:]...)
	return strings.Join(out, "\n"), nil
}

func applyDelete(lines []string, op *fsDeleteOp) (string, error) {
	if err := hashline.ValidateRange(op.Start, op.End, lines); err != nil {
		return "", fmt.Errorf("delete: %w", err)
	}
	out := make([]string, 0, len(lines))
	out = append(out, lines[:op.Start.Num-1]...)
	out = append(out, lines[op.End.Num:]...)
	return strings.Join(out, "\n"), nil
}
