package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"
)

// Client is an MCP client that speaks JSON-RPC 2.0 to an upstream server
// over its stdin/stdout, the transport MCP servers actually use. Requests
// are framed with Content-Length headers, the same VSCodeObjectCodec the
// teacher's LSP tooling already pulls in as an indirect dependency.
type Client struct {
	cmd             *exec.Cmd
	conn            *jsonrpc2.Conn
	protocolVersion string
}

// pipeStream glues a subprocess's stdout/stdin pipes into the single
// io.ReadWriteCloser jsonrpc2.NewBufferedStream expects.
type pipeStream struct {
	io.ReadCloser
	io.WriteCloser
}

func (p pipeStream) Close() error {
	werr := p.WriteCloser.Close()
	rerr := p.ReadCloser.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// discardHandler ignores any server-initiated requests or notifications;
// this client only ever originates calls.
type discardHandler struct{}

func (discardHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	log.Debug().Str("method", req.Method).Msg("mcp: ignoring unsolicited server message")
}

// NewClient launches the upstream MCP server as a subprocess and
// establishes a JSON-RPC connection over its stdio.
func NewClient(ctx context.Context, command string, args ...string) (*Client, error) {
	cmd := exec.CommandContext(ctx, command, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start upstream mcp server %q: %w", command, err)
	}

	stream := jsonrpc2.NewBufferedStream(pipeStream{stdout, stdin}, jsonrpc2.VSCodeObjectCodec{})
	conn := jsonrpc2.NewConn(ctx, stream, discardHandler{})

	return &Client{
		cmd:             cmd,
		conn:            conn,
		protocolVersion: "2024-11-05",
	}, nil
}

// Call makes an MCP request and returns the response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	var raw json.RawMessage
	err := c.conn.Call(ctx, method, params, &raw)
	if err != nil {
		if rpcErr, ok := err.(*jsonrpc2.Error); ok {
			return &Response{
				JSONRPC: "2.0",
				Error:   &Error{Code: int(rpcErr.Code), Message: rpcErr.Message},
			}, nil
		}
		return nil, fmt.Errorf("mcp call %s: %w", method, err)
	}
	return &Response{JSONRPC: "2.0", Result: raw}, nil
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(ctx context.Context, method string, params interface{}) error {
	if err := c.conn.Notify(ctx, method, params); err != nil {
		return fmt.Errorf("mcp notify %s: %w", method, err)
	}
	return nil
}

// ListTools requests the list of available tools from the server.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, arguments interface{}) (*ToolResult, error) {
	var argsJSON json.RawMessage
	if arguments != nil {
		data, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		argsJSON = data
	}

	resp, err := c.Call(ctx, "tools/call", CallToolParams{Name: name, Arguments: argsJSON})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return &ToolResult{
			Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("Error: %s", resp.Error.Message)}},
			IsError: true,
		}, nil
	}

	var result ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &result, nil
}

// Initialize sends the initialize request and completes the handshake.
func (c *Client) Initialize(ctx context.Context, clientInfo map[string]interface{}) (*Response, error) {
	params := map[string]interface{}{
		"protocolVersion": c.protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      clientInfo,
	}

	resp, err := c.Call(ctx, "initialize", params)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return resp, nil
	}

	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}
	return resp, nil
}

// Close shuts down the JSON-RPC connection and the upstream subprocess.
func (c *Client) Close() error {
	connErr := c.conn.Close()
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return connErr
}
