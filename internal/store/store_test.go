package store

import (
	"path/filepath"
	"testing"

	"github.com/loomcli/loom/internal/message"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleDoc(prompt string) message.Document {
	conv := message.New()
	conv.Append(message.Message{Role: message.RoleUser, Text: prompt})
	return conv.ToDocument("loom", map[string]string{"session": "s1"})
}

func TestCreateAndLoadEmptySession(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateSession("sess-1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	doc, err := s.LoadDocument("sess-1")
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	if doc.Version != message.CurrentVersion {
		t.Fatalf("version = %d, want %d", doc.Version, message.CurrentVersion)
	}
	if len(doc.Messages) != 0 {
		t.Fatalf("expected no messages, got %d", len(doc.Messages))
	}
}

func TestSaveAndLoadDocumentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	doc := sampleDoc("investigate the flaky test")
	if err := s.SaveDocument("sess-1", doc); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	loaded, err := s.LoadDocument("sess-1")
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].Text != "investigate the flaky test" {
		t.Fatalf("unexpected roundtrip: %+v", loaded)
	}
}

func TestSessionExists(t *testing.T) {
	s := openTestStore(t)
	if ok, _ := s.SessionExists("missing"); ok {
		t.Fatal("expected missing session to not exist")
	}
	s.CreateSession("sess-1")
	if ok, err := s.SessionExists("sess-1"); err != nil || !ok {
		t.Fatalf("expected sess-1 to exist, ok=%v err=%v", ok, err)
	}
}

func TestLatestSessionID(t *testing.T) {
	s := openTestStore(t)
	s.CreateSession("sess-1")
	s.SaveDocument("sess-2", sampleDoc("second session"))
	id, err := s.LatestSessionID()
	if err != nil {
		t.Fatalf("LatestSessionID: %v", err)
	}
	if id != "sess-2" {
		t.Fatalf("LatestSessionID = %q, want sess-2", id)
	}
}

func TestListSessionsPreview(t *testing.T) {
	s := openTestStore(t)
	s.SaveDocument("sess-1", sampleDoc("fix the bug in the parser"))
	summaries, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 session, got %d", len(summaries))
	}
	if summaries[0].Preview != "fix the bug in the parser" {
		t.Fatalf("unexpected preview: %q", summaries[0].Preview)
	}
}
