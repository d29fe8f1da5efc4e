package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/shell"
	"github.com/loomcli/loom/internal/toolctx"
)

func newShellTestContext(t *testing.T) (*toolctx.Context, string) {
	t.Helper()
	dir := t.TempDir()
	sh := shell.New(dir, shell.DefaultBlockFuncs())
	return toolctx.New(dir, nil, sh, true), dir
}

func TestShellExecRuns(t *testing.T) {
	tc, _ := newShellTestContext(t)
	input, _ := json.Marshal(shellExecArgs{Command: "echo hello"})
	status, content, err := shellExecInvoker(context.Background(), input, tc, nil, nil)
	if err != nil {
		t.Fatalf("shellExecInvoker: %v", err)
	}
	if status != message.StatusSuccess {
		t.Fatalf("status = %v, content = %v", status, content)
	}
	if !strings.Contains(content[0].Text, "hello") {
		t.Fatalf("unexpected output: %q", content[0].Text)
	}
}

func TestShellExecNonZeroExit(t *testing.T) {
	tc, _ := newShellTestContext(t)
	input, _ := json.Marshal(shellExecArgs{Command: "exit 3"})
	status, content, err := shellExecInvoker(context.Background(), input, tc, nil, nil)
	if err != nil {
		t.Fatalf("shellExecInvoker: %v", err)
	}
	if status != message.StatusError {
		t.Fatalf("status = %v, want error for non-zero exit", status)
	}
	if !strings.Contains(content[0].Text, "exit 3") {
		t.Fatalf("expected exit code in output: %q", content[0].Text)
	}
}

func TestShellExecCwdPersists(t *testing.T) {
	tc, dir := newShellTestContext(t)
	mkdirInput, _ := json.Marshal(shellExecArgs{Command: "mkdir sub && cd sub"})
	if _, _, err := shellExecInvoker(context.Background(), mkdirInput, tc, nil, nil); err != nil {
		t.Fatal(err)
	}
	pwdInput, _ := json.Marshal(shellExecArgs{Command: "pwd"})
	_, content, err := shellExecInvoker(context.Background(), pwdInput, tc, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(content[0].Text, dir+"/sub") {
		t.Fatalf("expected cwd to persist into sub/, got %q", content[0].Text)
	}
}
