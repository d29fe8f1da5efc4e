package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/loomcli/loom/internal/filesearch"
	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/registry"
	"github.com/loomcli/loom/internal/toolctx"
)

type grepArgs struct {
	Pattern       string `json:"pattern"`
	ContentSearch bool   `json:"content_search,omitempty"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
	MaxResults    int    `json:"max_results,omitempty"`
}

const grepDefaultMaxResults = 200

var grepSpec = message.ToolSpec{
	Name:        "grep",
	Description: `Searches for a regex pattern across files under the working directory, honoring .gitignore. By default matches file names; set content_search to search file contents and get line-level matches instead.`,
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern":        {"type": "string", "description": "Regular expression to match"},
			"content_search": {"type": "boolean", "description": "Search file contents instead of file names (default false)"},
			"case_sensitive": {"type": "boolean", "description": "Case-sensitive matching (default false)"},
			"max_results":    {"type": "integer", "description": "Cap on returned matches (default 200)"}
		},
		"required": ["pattern"]
	}`),
	Builtin: true,
}

func grepInvoker(ctx context.Context, input json.RawMessage, agentCtx any, _ registry.ProgressFunc, _ io.Writer) (message.ResultStatus, []message.ResultContent, error) {
	tc, ok := agentCtx.(*toolctx.Context)
	if !ok {
		return message.StatusError, errText("grep: missing tool context"), nil
	}
	var args grepArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return message.StatusError, errText("invalid arguments: %v", err), nil
	}
	if args.Pattern == "" {
		return message.StatusError, errText("pattern cannot be empty"), nil
	}
	maxResults := args.MaxResults
	if maxResults <= 0 {
		maxResults = grepDefaultMaxResults
	}

	searcher, err := filesearch.NewSearcher(tc.Root)
	if err != nil {
		return message.StatusError, errText("grep: %v", err), nil
	}
	results, err := searcher.Search(ctx, filesearch.Options{
		Pattern:       args.Pattern,
		ContentSearch: args.ContentSearch,
		CaseSensitive: args.CaseSensitive,
		MaxResults:    maxResults,
		RootDir:       tc.Root,
	})
	if err != nil {
		return message.StatusError, errText("grep: %v", err), nil
	}
	if len(results) == 0 {
		return message.StatusSuccess, okText("no matches for %q", args.Pattern), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d matches for %q:\n\n", len(results), args.Pattern)
	for _, r := range results {
		if r.Line > 0 {
			fmt.Fprintf(&b, "%s:%d: %s\n", r.Path, r.Line, r.Content)
		} else {
			fmt.Fprintf(&b, "%s\n", r.Path)
		}
	}
	return message.StatusSuccess, okText("%s", b.String()), nil
}
