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

func TestGrepContentSearch(t *testing.T) {
	tc, dir := newTestContext(t)
	os.WriteFile(filepath.Join(dir, "a.go"), []byte("package main\n\nfunc needle() {}\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "b.go"), []byte("package main\n"), 0o644)

	input, _ := json.Marshal(grepArgs{Pattern: "needle", ContentSearch: true})
	status, content, err := grepInvoker(context.Background(), input, tc, nil, nil)
	if err != nil {
		t.Fatalf("grepInvoker: %v", err)
	}
	if status != message.StatusSuccess {
		t.Fatalf("status = %v, content = %v", status, content)
	}
	if !strings.Contains(content[0].Text, "a.go:3") {
		t.Fatalf("expected a line-level match in a.go, got %q", content[0].Text)
	}
	if strings.Contains(content[0].Text, "b.go") {
		t.Fatalf("did not expect b.go to match: %q", content[0].Text)
	}
}

func TestGrepNoMatches(t *testing.T) {
	tc, _ := newTestContext(t)
	input, _ := json.Marshal(grepArgs{Pattern: "nonexistent_pattern_xyz", ContentSearch: true})
	status, content, err := grepInvoker(context.Background(), input, tc, nil, nil)
	if err != nil {
		t.Fatalf("grepInvoker: %v", err)
	}
	if status != message.StatusSuccess {
		t.Fatalf("status = %v, want success even with no matches", status)
	}
	if !strings.Contains(content[0].Text, "no matches") {
		t.Fatalf("unexpected message: %q", content[0].Text)
	}
}
