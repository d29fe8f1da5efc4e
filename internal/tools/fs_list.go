package tools

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/registry"
	"github.com/loomcli/loom/internal/toolctx"
)

type fsListArgs struct {
	Dir       string `json:"dir,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`
}

// fsListSkipDirs keeps listings readable by default. It is a subset of
// the directories delta.SnapshotDir excludes from undo tracking; .next,
// dist, build and target are not skipped here.
var fsListSkipDirs = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true,
	".venv": true, "vendor": true, ".cache": true,
}

var fsListSpec = message.ToolSpec{
	Name:        "fs_list",
	Description: `Lists files and directories under the given path (default: working directory root). Set recursive to walk subdirectories.`,
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"dir":       {"type": "string", "description": "Directory to list, relative to the working directory (default: \".\")"},
			"recursive": {"type": "boolean", "description": "Walk subdirectories recursively (default: false)"}
		}
	}`),
	Builtin: true,
}

func fsListInvoker(_ context.Context, input json.RawMessage, agentCtx any, _ registry.ProgressFunc, _ io.Writer) (message.ResultStatus, []message.ResultContent, error) {
	tc, ok := agentCtx.(*toolctx.Context)
	if !ok {
		return message.StatusError, errText("fs_list: missing tool context"), nil
	}
	var args fsListArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return message.StatusError, errText("invalid arguments: %v", err), nil
	}
	dir := args.Dir
	if dir == "" {
		dir = "."
	}
	absDir, err := validatePathWithRoot(dir, tc.Root)
	if err != nil {
		return message.StatusError, errText("%v", err), nil
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return message.StatusError, errText("failed to stat %s: %v", dir, err), nil
	}
	if !info.IsDir() {
		return message.StatusError, errText("%s is not a directory", dir), nil
	}

	var entries []string
	if args.Recursive {
		err = filepath.WalkDir(absDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if path == absDir {
				return nil
			}
			if d.IsDir() && fsListSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			rel, relErr := filepath.Rel(absDir, path)
			if relErr != nil {
				return nil
			}
			if d.IsDir() {
				entries = append(entries, rel+"/")
			} else {
				entries = append(entries, rel)
			}
			return nil
		})
		if err != nil {
			return message.StatusError, errText("failed to walk %s: %v", dir, err), nil
		}
	} else {
		dirEntries, err := os.ReadDir(absDir)
		if err != nil {
			return message.StatusError, errText("failed to read %s: %v", dir, err), nil
		}
		for _, d := range dirEntries {
			if fsListSkipDirs[d.Name()] {
				continue
			}
			if d.IsDir() {
				entries = append(entries, d.Name()+"/")
			} else {
				entries = append(entries, d.Name())
			}
		}
	}
	sort.Strings(entries)

	if len(entries) == 0 {
		return message.StatusSuccess, okText("%s is empty", dir), nil
	}
	return message.StatusSuccess, okText("%s (%d entries):\n\n%s", dir, len(entries), strings.Join(entries, "\n")), nil
}
