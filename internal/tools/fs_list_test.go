package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loomcli/loom/internal/message"
)

func TestFsListTopLevel(t *testing.T) {
	tc, dir := newTestContext(t)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644)
	os.Mkdir(filepath.Join(dir, "sub"), 0o755)
	os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("y"), 0o644)

	input, _ := json.Marshal(fsListArgs{})
	status, content, err := fsListInvoker(context.Background(), input, tc, nil, nil)
	if err != nil {
		t.Fatalf("fsListInvoker: %v", err)
	}
	if status != message.StatusSuccess {
		t.Fatalf("status = %v", status)
	}
	text := content[0].Text
	if !strings.Contains(text, "a.txt") || !strings.Contains(text, "sub/") {
		t.Fatalf("unexpected listing: %q", text)
	}
	if strings.Contains(text, "b.txt") {
		t.Fatalf("non-recursive listing should not descend into sub/: %q", text)
	}
}

func TestFsListRecursive(t *testing.T) {
	tc, dir := newTestContext(t)
	os.Mkdir(filepath.Join(dir, "sub"), 0o755)
	os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("y"), 0o644)

	input, _ := json.Marshal(fsListArgs{Recursive: true})
	_, content, err := fsListInvoker(context.Background(), input, tc, nil, nil)
	if err != nil {
		t.Fatalf("fsListInvoker: %v", err)
	}
	if !strings.Contains(content[0].Text, filepath.Join("sub", "b.txt")) {
		t.Fatalf("expected recursive listing to include sub/b.txt, got %q", content[0].Text)
	}
}

func TestFsListEmptyDir(t *testing.T) {
	tc, _ := newTestContext(t)
	input, _ := json.Marshal(fsListArgs{})
	_, content, err := fsListInvoker(context.Background(), input, tc, nil, nil)
	if err != nil {
		t.Fatalf("fsListInvoker: %v", err)
	}
	if !strings.Contains(content[0].Text, "empty") {
		t.Fatalf("expected empty-dir message, got %q", content[0].Text)
	}
}
