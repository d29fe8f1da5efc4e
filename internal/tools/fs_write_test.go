package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loomcli/loom/internal/hashline"
	"github.com/loomcli/loom/internal/message"
)

func TestFsWriteCreate(t *testing.T) {
	tc, dir := newTestContext(t)
	input, _ := json.Marshal(fsWriteArgs{File: "new.txt", Create: &fsCreateOp{Content: "hello\nworld"}})
	status, content, err := fsWriteInvoker(context.Background(), input, tc, nil, nil)
	if err != nil {
		t.Fatalf("fsWriteInvoker: %v", err)
	}
	if status != message.StatusSuccess {
		t.Fatalf("status = %v, content = %v", status, content)
	}
	got, err := os.ReadFile(filepath.Join(dir, "new.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello\nworld" {
		t.Fatalf("file content = %q", got)
	}
}

func TestFsWriteCreateRefusesExisting(t *testing.T) {
	tc, dir := newTestContext(t)
	path := filepath.Join(dir, "exists.txt")
	os.WriteFile(path, []byte("already here"), 0o644)

	input, _ := json.Marshal(fsWriteArgs{File: "exists.txt", Create: &fsCreateOp{Content: "new"}})
	status, content, _ := fsWriteInvoker(context.Background(), input, tc, nil, nil)
	if status != message.StatusError {
		t.Fatalf("status = %v, want error", status)
	}
	if !strings.Contains(content[0].Text, "already exists") {
		t.Fatalf("unexpected message: %q", content[0].Text)
	}
}

func TestFsWriteRequiresReadFirst(t *testing.T) {
	tc, dir := newTestContext(t)
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("one\ntwo"), 0o644)

	input, _ := json.Marshal(fsWriteArgs{
		File:    "a.txt",
		Replace: &fsReplaceOp{Start: hashline.Anchor{Num: 1, Hash: hashline.LineHash("one")}, End: hashline.Anchor{Num: 1, Hash: hashline.LineHash("one")}, Content: "ONE"},
	})
	status, content, _ := fsWriteInvoker(context.Background(), input, tc, nil, nil)
	if status != message.StatusError {
		t.Fatalf("status = %v, want error when file was never fs_read", status)
	}
	if !strings.Contains(content[0].Text, "fs_read") {
		t.Fatalf("unexpected message: %q", content[0].Text)
	}
}

func TestFsWriteReplace(t *testing.T) {
	tc, dir := newTestContext(t)
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("one\ntwo\nthree"), 0o644)

	readInput, _ := json.Marshal(fsReadArgs{File: "a.txt"})
	if _, _, err := fsReadInvoker(context.Background(), readInput, tc, nil, nil); err != nil {
		t.Fatal(err)
	}

	writeInput, _ := json.Marshal(fsWriteArgs{
		File: "a.txt",
		Replace: &fsReplaceOp{
			Start:   hashline.Anchor{Num: 2, Hash: hashline.LineHash("two")},
			End:     hashline.Anchor{Num: 2, Hash: hashline.LineHash("two")},
			Content: "TWO",
		},
	})
	status, content, err := fsWriteInvoker(context.Background(), writeInput, tc, nil, nil)
	if err != nil {
		t.Fatalf("fsWriteInvoker: %v", err)
	}
	if status != message.StatusSuccess {
		t.Fatalf("status = %v, content = %v", status, content)
	}
	got, _ := os.ReadFile(filepath.Join(dir, "a.txt"))
	if string(got) != "one\nTWO\nthree" {
		t.Fatalf("file content = %q", got)
	}
	if !strings.Contains(content[0].Text, "@@") {
		t.Fatalf("expected a unified diff in the result, got %q", content[0].Text)
	}
}

func TestFsWriteHashMismatchRejected(t *testing.T) {
	tc, dir := newTestContext(t)
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("one\ntwo"), 0o644)

	readInput, _ := json.Marshal(fsReadArgs{File: "a.txt"})
	fsReadInvoker(context.Background(), readInput, tc, nil, nil)

	// File changes underneath the agent between read and write.
	os.WriteFile(path, []byte("one\nTWO-CHANGED"), 0o644)

	writeInput, _ := json.Marshal(fsWriteArgs{
		File:    "a.txt",
		Replace: &fsReplaceOp{Start: hashline.Anchor{Num: 2, Hash: hashline.LineHash("two")}, End: hashline.Anchor{Num: 2, Hash: hashline.LineHash("two")}, Content: "X"},
	})
	status, content, _ := fsWriteInvoker(context.Background(), writeInput, tc, nil, nil)
	if status != message.StatusError {
		t.Fatalf("status = %v, want error on stale hash", status)
	}
	if !strings.Contains(content[0].Text, "hash mismatch") {
		t.Fatalf("unexpected message: %q", content[0].Text)
	}
}

func TestFsWriteRequiresExactlyOneOp(t *testing.T) {
	tc, _ := newTestContext(t)
	input, _ := json.Marshal(fsWriteArgs{File: "a.txt"})
	status, content, _ := fsWriteInvoker(context.Background(), input, tc, nil, nil)
	if status != message.StatusError {
		t.Fatalf("status = %v, want error with zero operations", status)
	}
	if !strings.Contains(content[0].Text, "exactly one operation") {
		t.Fatalf("unexpected message: %q", content[0].Text)
	}
}
