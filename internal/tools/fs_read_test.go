package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/toolctx"
)

func newTestContext(t *testing.T) (*toolctx.Context, string) {
	t.Helper()
	dir := t.TempDir()
	return toolctx.New(dir, nil, nil, true), dir
}

func TestFsReadWholeFile(t *testing.T) {
	tc, dir := newTestContext(t)
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree"), 0o644); err != nil {
		t.Fatal(err)
	}

	input, _ := json.Marshal(fsReadArgs{File: "a.txt"})
	status, content, err := fsReadInvoker(context.Background(), input, tc, nil, nil)
	if err != nil {
		t.Fatalf("fsReadInvoker: %v", err)
	}
	if status != message.StatusSuccess {
		t.Fatalf("status = %v, want success", status)
	}
	text := content[0].Text
	if !strings.Contains(text, "1:") || !strings.Contains(text, "one") {
		t.Fatalf("unexpected output: %q", text)
	}
	if !tc.Reads.WasRead(filepath.Join(dir, "a.txt")) {
		t.Fatal("expected fs_read to mark the file as read")
	}
}

func TestFsReadRange(t *testing.T) {
	tc, dir := newTestContext(t)
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\nfour"), 0o644); err != nil {
		t.Fatal(err)
	}

	input, _ := json.Marshal(fsReadArgs{File: "a.txt", Start: 2, End: 3})
	_, content, err := fsReadInvoker(context.Background(), input, tc, nil, nil)
	if err != nil {
		t.Fatalf("fsReadInvoker: %v", err)
	}
	text := content[0].Text
	if strings.Contains(text, "one") || strings.Contains(text, "four") {
		t.Fatalf("range read leaked lines outside the range: %q", text)
	}
	if !strings.Contains(text, "two") || !strings.Contains(text, "three") {
		t.Fatalf("range read missing expected lines: %q", text)
	}
}

func TestFsReadRejectsEscape(t *testing.T) {
	tc, _ := newTestContext(t)
	input, _ := json.Marshal(fsReadArgs{File: "../../etc/passwd"})
	status, content, _ := fsReadInvoker(context.Background(), input, tc, nil, nil)
	if status != message.StatusError {
		t.Fatalf("status = %v, want error for path escape", status)
	}
	if !strings.Contains(content[0].Text, "access denied") {
		t.Fatalf("expected access-denied message, got %q", content[0].Text)
	}
}

func TestFsReadMissingContext(t *testing.T) {
	input, _ := json.Marshal(fsReadArgs{File: "a.txt"})
	status, _, err := fsReadInvoker(context.Background(), input, "not-a-context", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != message.StatusError {
		t.Fatalf("status = %v, want error", status)
	}
}
