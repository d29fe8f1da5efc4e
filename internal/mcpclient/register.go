package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/registry"
)

// RegisterUpstream connects to an MCP server and registers each tool it
// advertises under the "@server/tool" namespace a registry.Registry
// expects for MCP-provided tools (registry.IsMCPTool/SplitMCPName). Tool
// invocations are routed through a Proxy so rate-limited upstream calls
// get the same retry/backoff treatment as any other tool call.
func RegisterUpstream(ctx context.Context, reg *registry.Registry, serverName string, client *Client) error {
	proxy := NewProxy(client)
	if err := proxy.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize mcp server %q: %w", serverName, err)
	}

	upstreamTools, err := proxy.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools for mcp server %q: %w", serverName, err)
	}

	for _, t := range upstreamTools {
		spec := message.ToolSpec{
			Name:        fmt.Sprintf("@%s/%s", serverName, t.Name),
			Description: t.Description,
			InputSchema: t.InputSchema,
			Server:      serverName,
			Builtin:     false,
		}
		toolName := t.Name
		invoker := func(ctx context.Context, input json.RawMessage, _ any, _ registry.ProgressFunc, _ io.Writer) (message.ResultStatus, []message.ResultContent, error) {
			result, err := proxy.CallTool(ctx, toolName, input)
			if err != nil {
				return message.StatusError, []message.ResultContent{{Kind: message.ContentText, Text: err.Error()}}, nil
			}
			content := make([]message.ResultContent, 0, len(result.Content))
			for _, block := range result.Content {
				content = append(content, message.ResultContent{Kind: message.ContentText, Text: block.Text})
			}
			status := message.StatusSuccess
			if result.IsError {
				status = message.StatusError
			}
			return status, content, nil
		}
		if err := reg.Register(spec, invoker); err != nil {
			return fmt.Errorf("register mcp tool %q: %w", spec.Name, err)
		}
	}
	return nil
}

// ParseUpstreamCommand splits a config.toml mcp.upstream value ("npx
// -y @org/server --flag") into the command and its arguments.
func ParseUpstreamCommand(upstream string) (command string, args []string) {
	fields := strings.Fields(upstream)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
