package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/loomcli/loom/internal/agentloop"
	"github.com/loomcli/loom/internal/contextmgr"
	"github.com/loomcli/loom/internal/executor"
	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/modelstream"
	"github.com/loomcli/loom/internal/registry"
	"github.com/loomcli/loom/internal/toolctx"
)

// toolctxAtDepth returns a Context whose Depth equals depth, built by
// repeatedly deriving Child() from a fresh root Context.
func toolctxAtDepth(root string, depth int) *toolctx.Context {
	tc := toolctx.New(root, nil, nil, true)
	for i := 0; i < depth; i++ {
		tc = tc.Child()
	}
	return tc
}

// newDelegateTestInvoker wires a delegate invoker against a scripted
// child backend, a registry carrying only the reserved summary tool,
// and an executor over it — enough for subagent.Run's child Loop to
// run an actual turn.
func newDelegateTestInvoker(t *testing.T, batches ...[]modelstream.StreamEvent) registry.Invoker {
	t.Helper()
	reg := registry.New()
	if err := reg.Register(summarySpec, summaryInvoker); err != nil {
		t.Fatalf("register summary: %v", err)
	}
	exec := executor.New(reg, nil, executor.DefaultParallelism)
	backend := modelstream.NewScriptedBackend("child", batches...)

	return delegateInvoker(delegateDeps{
		backend:    backend,
		registry:   reg,
		executor:   exec,
		contextMgr: contextmgr.New(nil, nil),
		parentAgent: agentloop.AgentConfig{
			Tools: []string{"summary"},
		},
		maxDepth: 2,
	})
}

func TestDelegateRunsChildAndCapturesSummary(t *testing.T) {
	summaryCall := modelstream.ToolCall("tu1", "summary", `{"summary":"task complete","context_note":"nothing else to report"}`)
	inv := newDelegateTestInvoker(t, summaryCall)

	tc, _ := newTestContext(t)
	input, _ := json.Marshal(delegateArgs{Task: "investigate and report back"})
	status, content, err := inv(context.Background(), input, tc, nil, nil)
	if err != nil {
		t.Fatalf("delegate invoker: %v", err)
	}
	if status != message.StatusSuccess {
		t.Fatalf("status = %v, content = %v", status, content)
	}
	if !strings.Contains(content[0].Text, "task complete") {
		t.Fatalf("expected the child's summary in the result, got %q", content[0].Text)
	}
	if !strings.Contains(content[0].Text, "nothing else to report") {
		t.Fatalf("expected the child's context note in the result, got %q", content[0].Text)
	}
}

func TestDelegateRejectsEmptyTask(t *testing.T) {
	inv := newDelegateTestInvoker(t, modelstream.ToolCall("tu1", "summary", `{"summary":"x"}`))
	tc, _ := newTestContext(t)
	input, _ := json.Marshal(delegateArgs{Task: ""})
	status, content, err := inv(context.Background(), input, tc, nil, nil)
	if err != nil {
		t.Fatalf("delegate invoker: %v", err)
	}
	if status != message.StatusError {
		t.Fatalf("status = %v, want error for an empty task", status)
	}
	if content[0].Text == "" {
		t.Fatal("expected an explanatory message")
	}
}

func TestDelegateDepthLimitExceeded(t *testing.T) {
	inv := newDelegateTestInvoker(t, modelstream.ToolCall("tu1", "summary", `{"summary":"x"}`))

	dir := t.TempDir()
	tc := toolctxAtDepth(dir, 1) // caller already at depth 1, maxDepth 2 — 1+1 >= 2
	input, _ := json.Marshal(delegateArgs{Task: "go deeper"})
	status, content, err := inv(context.Background(), input, tc, nil, nil)
	if err != nil {
		t.Fatalf("delegate invoker: %v", err)
	}
	if status != message.StatusError {
		t.Fatalf("status = %v, want error at the depth limit", status)
	}
	if !strings.Contains(content[0].Text, "depth") {
		t.Fatalf("unexpected message: %q", content[0].Text)
	}
}
