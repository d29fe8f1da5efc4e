package agentloop

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/loomcli/loom/internal/approval"
	"github.com/loomcli/loom/internal/contextmgr"
	"github.com/loomcli/loom/internal/executor"
	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/modelstream"
	"github.com/loomcli/loom/internal/registry"
)

func newTestRegistry(t *testing.T, toolName string, denylist []string) *registry.Registry {
	t.Helper()
	reg := registry.New()
	spec := message.ToolSpec{
		Name:        toolName,
		Description: "echoes its input",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Policy:      message.PermissionPolicy{Denylist: denylist},
	}
	invoker := func(_ context.Context, input json.RawMessage, _ any, _ registry.ProgressFunc, _ io.Writer) (message.ResultStatus, []message.ResultContent, error) {
		return message.StatusSuccess, []message.ResultContent{{Kind: message.ContentText, Text: string(input)}}, nil
	}
	if err := reg.Register(spec, invoker); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func newTestLoop(t *testing.T, backend modelstream.Backend, toolName string, denylist []string, agentTools []string, approvalCh *approval.Channel) (*Loop, chan HostEvent) {
	t.Helper()
	reg := newTestRegistry(t, toolName, denylist)
	exec := executor.New(reg, nil, executor.DefaultParallelism)
	cm := contextmgr.New(nil, nil)

	cfg := Config{
		Backend:         backend,
		Registry:        reg,
		Executor:        exec,
		ApprovalChannel: approvalCh,
		ContextMgr:      cm,
		Agent:           AgentConfig{Tools: agentTools},
	}
	events := make(chan HostEvent, 256)
	return New(cfg, message.New(), events), events
}

func drainEvents(events chan HostEvent) {
	go func() {
		for range events {
		}
	}()
}

// S1: plain Q&A, no tool calls.
func TestScenarioPlainTextTurn(t *testing.T) {
	backend := modelstream.NewScriptedBackend("test", modelstream.Text("the answer is 4"))
	loop, events := newTestLoop(t, backend, "echo", nil, nil, nil)
	drainEvents(events)

	state, err := loop.SubmitPrompt(context.Background(), "what is 2+2?", nil)
	if err != nil {
		t.Fatalf("SubmitPrompt: %v", err)
	}
	if state != Done {
		t.Fatalf("state = %v, want Done", state)
	}
	msgs := loop.Conversation().Iter()
	last := msgs[len(msgs)-1]
	if last.Role != message.RoleAssistant || last.Text != "the answer is 4" {
		t.Fatalf("unexpected final message: %+v", last)
	}
}

// S2: a single tool call the agent's allowlist permits.
func TestScenarioAllowedToolCall(t *testing.T) {
	backend := modelstream.NewScriptedBackend("test",
		modelstream.ToolCall("tu1", "echo", `{"text":"hi"}`),
		modelstream.Text("done"),
	)
	loop, events := newTestLoop(t, backend, "echo", nil, []string{"echo"}, nil)
	drainEvents(events)

	state, err := loop.SubmitPrompt(context.Background(), "say hi", nil)
	if err != nil {
		t.Fatalf("SubmitPrompt: %v", err)
	}
	if state != Done {
		t.Fatalf("state = %v, want Done", state)
	}

	var sawSuccessResult bool
	for _, m := range loop.Conversation().Iter() {
		for _, tr := range m.ToolResults {
			if tr.ToolUseID == "tu1" && tr.Status == message.StatusSuccess {
				sawSuccessResult = true
			}
		}
	}
	if !sawSuccessResult {
		t.Fatal("expected a successful tool result for tu1")
	}
}

// S3: a tool call matching a denylist pattern is denied without ever
// reaching the executor or an approval prompt.
func TestScenarioDeniedToolCall(t *testing.T) {
	backend := modelstream.NewScriptedBackend("test",
		modelstream.ToolCall("tu1", "echo", `{"text":"hi"}`),
		modelstream.Text("understood"),
	)
	loop, events := newTestLoop(t, backend, "echo", []string{"echo"}, []string{"echo"}, nil)
	drainEvents(events)

	state, err := loop.SubmitPrompt(context.Background(), "say hi", nil)
	if err != nil {
		t.Fatalf("SubmitPrompt: %v", err)
	}
	if state != Done {
		t.Fatalf("state = %v, want Done", state)
	}

	var sawDenied bool
	for _, m := range loop.Conversation().Iter() {
		for _, tr := range m.ToolResults {
			if tr.ToolUseID == "tu1" && tr.Status == message.StatusError {
				sawDenied = true
			}
		}
	}
	if !sawDenied {
		t.Fatal("expected an error result for the denylisted tool call")
	}
}

// S4: cancellation before the stream begins propagates to Cancelled.
func TestScenarioCancellation(t *testing.T) {
	backend := modelstream.NewScriptedBackend("test", modelstream.Text("a", "b", "c"))
	loop, events := newTestLoop(t, backend, "echo", nil, nil, nil)
	drainEvents(events)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state, err := loop.SubmitPrompt(ctx, "hello", nil)
	if err != nil {
		t.Fatalf("SubmitPrompt: %v", err)
	}
	if state != Cancelled {
		t.Fatalf("state = %v, want Cancelled", state)
	}
}

// S5: a context-overflow error triggers one compaction and a retry of
// the same round, which then succeeds.
func TestScenarioContextOverflowCompacts(t *testing.T) {
	overflow := []modelstream.StreamEvent{
		{Type: modelstream.MessageStart},
		{Type: modelstream.Error, ErrKind: modelstream.ErrContextOverflow, Retryable: false},
	}
	backend := modelstream.NewScriptedBackend("test",
		overflow,
		modelstream.Text("- did X\n- did Y"), // compaction summary call
		modelstream.Text("final answer"),      // retried round
	)
	loop, events := newTestLoop(t, backend, "echo", nil, nil, nil)
	drainEvents(events)

	conv := loop.Conversation()
	for i := 0; i < 3; i++ {
		conv.Append(message.Message{Role: message.RoleUser, Text: "q"})
		conv.Append(message.Message{Role: message.RoleAssistant, Text: "a"})
	}

	state, err := loop.SubmitPrompt(context.Background(), "final question", nil)
	if err != nil {
		t.Fatalf("SubmitPrompt: %v", err)
	}
	if state != Done {
		t.Fatalf("state = %v, want Done", state)
	}

	msgs := loop.Conversation().Iter()
	var sawSystemSummary bool
	for _, m := range msgs {
		if m.Role == message.RoleSystem {
			sawSystemSummary = true
		}
	}
	if !sawSystemSummary {
		t.Fatal("expected a system compaction summary message in the conversation")
	}
	last := msgs[len(msgs)-1]
	if last.Text != "final answer" {
		t.Fatalf("final message = %q, want %q", last.Text, "final answer")
	}
}

// S6: a tool call outside the allowlist goes through the approval
// channel; the host answers asynchronously and the tool then executes.
func TestScenarioApprovalFlow(t *testing.T) {
	backend := modelstream.NewScriptedBackend("test",
		modelstream.ToolCall("tu1", "echo", `{"text":"hi"}`),
		modelstream.Text("done"),
	)
	ch := approval.New(4)
	loop, events := newTestLoop(t, backend, "echo", nil, nil, ch)
	drainEvents(events)

	go func() {
		req := <-ch.Requests
		ch.Results <- approval.Result{ToolUseID: req.ToolUseID, Decision: approval.OptionAllow}
	}()

	state, err := loop.SubmitPrompt(context.Background(), "say hi", nil)
	if err != nil {
		t.Fatalf("SubmitPrompt: %v", err)
	}
	if state != Done {
		t.Fatalf("state = %v, want Done", state)
	}

	var sawSuccessResult bool
	for _, m := range loop.Conversation().Iter() {
		for _, tr := range m.ToolResults {
			if tr.ToolUseID == "tu1" && tr.Status == message.StatusSuccess {
				sawSuccessResult = true
			}
		}
	}
	if !sawSuccessResult {
		t.Fatal("expected a successful tool result once the host approved")
	}
}

// TestRepeatedToolCallInjectsWarning verifies that three consecutive
// rounds calling the same tool with identical arguments appends a
// system-reminder warning to the last tool result, per the teacher's
// recentCall repetition guard.
func TestRepeatedToolCallInjectsWarning(t *testing.T) {
	call := func() []modelstream.StreamEvent { return modelstream.ToolCall("tu1", "echo", `{"text":"hi"}`) }
	backend := modelstream.NewScriptedBackend("test",
		call(), call(), call(),
		modelstream.Text("done"),
	)
	loop, events := newTestLoop(t, backend, "echo", nil, []string{"echo"}, nil)
	drainEvents(events)

	state, err := loop.SubmitPrompt(context.Background(), "say hi", nil)
	if err != nil {
		t.Fatalf("SubmitPrompt: %v", err)
	}
	if state != Done {
		t.Fatalf("state = %v, want Done", state)
	}

	var sawWarning bool
	for _, m := range loop.Conversation().Iter() {
		for _, tr := range m.ToolResults {
			for _, c := range tr.Content {
				if c.Kind == message.ContentText && strings.Contains(c.Text, "repeating the same tool call") {
					sawWarning = true
				}
			}
		}
	}
	if !sawWarning {
		t.Fatal("expected a repeated-tool-call warning in a tool result")
	}
}

// TestSubmitPromptRejectsConcurrentTurn verifies the loop refuses a
// second SubmitPrompt while one is already in flight, per the Idle
// precondition in spec.md §4.8.
func TestSubmitPromptRejectsConcurrentTurn(t *testing.T) {
	block := make(chan struct{})
	backend := &blockingBackend{release: block}
	loop, events := newTestLoop(t, backend, "echo", nil, nil, nil)
	drainEvents(events)

	done := make(chan State, 1)
	go func() {
		s, _ := loop.SubmitPrompt(context.Background(), "first", nil)
		done <- s
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := loop.SubmitPrompt(context.Background(), "second", nil); err == nil {
		t.Fatal("expected an error submitting a prompt while a turn is in flight")
	}
	close(block)
	<-done
}

// blockingBackend blocks Stream until release is closed, then returns a
// trivial text batch; used to hold the loop in Streaming for the
// concurrent-submission test above.
type blockingBackend struct{ release chan struct{} }

func (b *blockingBackend) Name() string { return "blocking" }
func (b *blockingBackend) Close() error { return nil }
func (b *blockingBackend) Stream(ctx context.Context, _ []message.Message, _ []message.ToolSpec, _ string, _ modelstream.Options) (<-chan modelstream.StreamEvent, error) {
	out := make(chan modelstream.StreamEvent, 4)
	go func() {
		defer close(out)
		select {
		case <-b.release:
		case <-ctx.Done():
			out <- modelstream.StreamEvent{Type: modelstream.MessageStop, StopReason: modelstream.StopCancelled}
			return
		}
		for _, ev := range modelstream.Text("ok") {
			out <- ev
		}
	}()
	return out, nil
}
