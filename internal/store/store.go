// Package store provides SQLite-backed session persistence: one row per
// session holding the session's serialised message.Document (spec.md
// §6's single-JSON-document-per-session layout). It replaces the
// teacher's per-message fetch/search cache tables (the web_fetch and
// web_search tools they backed are not part of this core's built-in
// tool set) while keeping modernc.org/sqlite and the WAL/busy_timeout
// pragma setup from internal/store/store.go.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // register sqlite driver

	"github.com/loomcli/loom/internal/message"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	document   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

CREATE TABLE IF NOT EXISTS file_deltas (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	turn_id     INTEGER NOT NULL,
	file_path   TEXT NOT NULL,
	op          TEXT NOT NULL,
	old_content BLOB,
	created     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_file_deltas_turn ON file_deltas(session_id, turn_id);
`

// Store is a SQLite-backed registry of session documents.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens a session store database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying connection so internal/delta can share it
// for the file_deltas table this schema also owns.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database. Safe to call on a nil receiver.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// CreateSession inserts a new, empty session row. No-op if the session
// already exists.
func (s *Store) CreateSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	empty := message.Document{Version: message.CurrentVersion}
	data, err := empty.Marshal()
	if err != nil {
		return fmt.Errorf("marshal empty document: %w", err)
	}
	now := time.Now().Unix()
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO sessions (id, created_at, updated_at, document) VALUES (?, ?, ?, ?)`,
		id, now, now, string(data),
	)
	return err
}

// SaveDocument upserts a session's document, bumping updated_at.
func (s *Store) SaveDocument(id string, doc message.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	now := time.Now().Unix()
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, created_at, updated_at, document) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, document = excluded.document`,
		id, now, now, string(data),
	)
	if err != nil {
		log.Warn().Err(err).Str("session", id).Msg("failed to save session document")
	}
	return err
}

// LoadDocument returns the stored document for a session.
func (s *Store) LoadDocument(id string) (message.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data string
	err := s.db.QueryRow(`SELECT document FROM sessions WHERE id = ?`, id).Scan(&data)
	if err != nil {
		return message.Document{}, fmt.Errorf("load session %q: %w", id, err)
	}
	return message.UnmarshalDocument([]byte(data))
}

// SessionExists reports whether a session with the given ID exists.
func (s *Store) SessionExists(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LatestSessionID returns the most recently updated session's ID.
func (s *Store) LatestSessionID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	err := s.db.QueryRow(`SELECT id FROM sessions ORDER BY updated_at DESC LIMIT 1`).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("no sessions found: %w", err)
	}
	return id, nil
}

// Summary describes one session for the --list CLI surface.
type Summary struct {
	ID        string
	UpdatedAt time.Time
	Preview   string
}

// ListSessions returns every session, most recently updated first.
func (s *Store) ListSessions() ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, updated_at, document FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var id, data string
		var updated int64
		if err := rows.Scan(&id, &updated, &data); err != nil {
			continue
		}
		doc, err := message.UnmarshalDocument([]byte(data))
		preview := ""
		if err == nil {
			preview = firstUserText(doc)
		}
		out = append(out, Summary{ID: id, UpdatedAt: time.Unix(updated, 0), Preview: preview})
	}
	return out, rows.Err()
}

// firstUserText finds the first user message's text, for a session
// list preview.
func firstUserText(doc message.Document) string {
	for _, m := range doc.Messages {
		if m.Role == message.RoleUser && m.Text != "" {
			return m.Text
		}
	}
	return ""
}
