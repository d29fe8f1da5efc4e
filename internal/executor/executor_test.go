package executor

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/registry"
)

func register(t *testing.T, reg *registry.Registry, name string, inv registry.Invoker) message.ToolSpec {
	t.Helper()
	spec := message.ToolSpec{Name: name, InputSchema: json.RawMessage(`{}`)}
	if err := reg.Register(spec, inv); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return spec
}

func TestExecuteSuccess(t *testing.T) {
	reg := registry.New()
	spec := register(t, reg, "echo", func(ctx context.Context, input json.RawMessage, agentCtx any, progress registry.ProgressFunc, describe io.Writer) (message.ResultStatus, []message.ResultContent, error) {
		return message.StatusSuccess, []message.ResultContent{{Kind: message.ContentText, Text: "ok"}}, nil
	})
	ex := New(reg, nil, 1)
	res := ex.Execute(context.Background(), message.ToolUseBlock{ToolUseID: "t1", Name: "echo", Input: "{}"}, spec, nil)
	if res.Status != message.StatusSuccess || res.Content[0].Text != "ok" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	reg := registry.New()
	spec := message.ToolSpec{Name: "needs_path", InputSchema: json.RawMessage(`{"type":"object","required":["path"]}`)}
	if err := reg.Register(spec, func(ctx context.Context, input json.RawMessage, agentCtx any, progress registry.ProgressFunc, describe io.Writer) (message.ResultStatus, []message.ResultContent, error) {
		t.Fatal("invoker must not run when validation fails")
		return message.StatusSuccess, nil, nil
	}); err != nil {
		t.Fatal(err)
	}
	ex := New(reg, nil, 1)
	res := ex.Execute(context.Background(), message.ToolUseBlock{ToolUseID: "t1", Name: "needs_path", Input: "{}"}, spec, nil)
	if res.Status != message.StatusError {
		t.Fatalf("expected Error status, got %v", res.Status)
	}
}

func TestExecuteCancellationGrace(t *testing.T) {
	reg := registry.New()
	spec := register(t, reg, "hang", func(ctx context.Context, input json.RawMessage, agentCtx any, progress registry.ProgressFunc, describe io.Writer) (message.ResultStatus, []message.ResultContent, error) {
		<-ctx.Done()
		time.Sleep(5 * time.Second)
		return message.StatusSuccess, nil, nil
	})
	ex := New(reg, nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := ex.Execute(ctx, message.ToolUseBlock{ToolUseID: "t1", Name: "hang", Input: "{}"}, spec, nil)
	elapsed := time.Since(start)

	if res.Status != message.StatusError {
		t.Fatalf("expected Error status after cancellation, got %v", res.Status)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("executor took too long to detach: %v", elapsed)
	}
}

func TestTailTruncate(t *testing.T) {
	s := "abcdefgh"
	got := TailTruncate(s, 4)
	want := "abcd" + TruncationMarker
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if TailTruncate("short", 100) != "short" {
		t.Fatal("should not truncate when under the limit")
	}
}

func TestTailTruncatePreservesRuneBoundary(t *testing.T) {
	s := "a€b" // 'a' (1 byte) + '€' (3 bytes) + 'b' (1 byte)
	got := TailTruncate(s, 2) // cutting mid-€ must back off to the rune boundary
	if got != "a"+TruncationMarker {
		t.Fatalf("got %q, want rune-safe truncation", got)
	}
}
