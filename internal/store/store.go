// Package store persists sessions, events and memory entries in SQLite
// so a restart reconstructs non-expired sessions and their memories.
// Durability is optional; the in-process tables stay authoritative.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quorralabs/warden/internal/memory"
	"github.com/quorralabs/warden/internal/session"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	token          TEXT NOT NULL,
	state          TEXT NOT NULL DEFAULT 'active',
	created_at     TEXT NOT NULL,
	last_access_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);

CREATE TABLE IF NOT EXISTS memory_entries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	tier       TEXT NOT NULL,
	content    TEXT NOT NULL,
	importance REAL NOT NULL DEFAULT 1.0,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_session ON memory_entries(session_id, id);

CREATE TABLE IF NOT EXISTS approvals (
	request_id   TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	target       TEXT NOT NULL,
	reason       TEXT NOT NULL,
	requested_at TEXT NOT NULL,
	verdict      TEXT NOT NULL DEFAULT ''
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSession upserts the session record and its capability token.
func (s *Store) SaveSession(sess *session.Session, token string) error {
	_, err := s.db.Exec(`
INSERT INTO sessions (id, owner_id, token, state, created_at, last_access_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET state=excluded.state, last_access_at=excluded.last_access_at`,
		sess.ID, sess.OwnerID, token, string(sess.State),
		encodeTime(sess.CreatedAt), encodeTime(sess.LastAccessAt))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// AppendEvent stores one event and advances the session access time.
func (s *Store) AppendEvent(sessionID string, ev session.Event) error {
	meta, err := encodeMetadata(ev.Metadata)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO events (session_id, kind, payload, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, string(ev.Kind), ev.Payload, meta, encodeTime(ev.Timestamp)); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE sessions SET last_access_at = ? WHERE id = ?`,
		encodeTime(ev.Timestamp), sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return tx.Commit()
}

// DeleteSession removes the session; events and memory entries cascade.
func (s *Store) DeleteSession(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// LoadSessions returns every stored session with its events in append
// order.
func (s *Store) LoadSessions() ([]session.StoredSession, error) {
	rows, err := s.db.Query(`SELECT id, owner_id, token, state, created_at, last_access_at FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var out []session.StoredSession
	for rows.Next() {
		var st session.StoredSession
		var state, created, lastAccess string
		if err := rows.Scan(&st.Session.ID, &st.Session.OwnerID, &st.Token, &state, &created, &lastAccess); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		st.Session.State = session.State(state)
		st.Session.CreatedAt = decodeTime(created)
		st.Session.LastAccessAt = decodeTime(lastAccess)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	for i := range out {
		events, err := s.loadEvents(out[i].Session.ID)
		if err != nil {
			return nil, err
		}
		out[i].Session.Events = events
	}
	return out, nil
}

func (s *Store) loadEvents(sessionID string) ([]session.Event, error) {
	rows, err := s.db.Query(
		`SELECT kind, payload, metadata, created_at FROM events WHERE session_id = ? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var events []session.Event
	for rows.Next() {
		var kind, payload, meta, created string
		if err := rows.Scan(&kind, &payload, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, session.Event{
			Kind:      session.EventKind(kind),
			Payload:   payload,
			Metadata:  decodeMetadata(meta),
			Timestamp: decodeTime(created),
		})
	}
	return events, rows.Err()
}

// SaveEntry implements memory.Persister.
func (s *Store) SaveEntry(sessionID string, e memory.Entry) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(
		`INSERT INTO memory_entries (session_id, tier, content, importance, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, string(e.Tier), e.Content, e.Importance, meta, encodeTime(e.Timestamp)); err != nil {
		return fmt.Errorf("save memory entry: %w", err)
	}
	return nil
}

// ClearEntries implements memory.Persister. An empty tier clears all.
func (s *Store) ClearEntries(sessionID string, tier memory.Tier) error {
	var err error
	if tier == "" {
		_, err = s.db.Exec(`DELETE FROM memory_entries WHERE session_id = ?`, sessionID)
	} else {
		_, err = s.db.Exec(`DELETE FROM memory_entries WHERE session_id = ? AND tier = ?`, sessionID, string(tier))
	}
	if err != nil {
		return fmt.Errorf("clear memory entries: %w", err)
	}
	return nil
}

// LoadEntries implements memory.Persister, returning insertion order.
func (s *Store) LoadEntries(sessionID string) ([]memory.Entry, error) {
	rows, err := s.db.Query(
		`SELECT tier, content, importance, metadata, created_at FROM memory_entries WHERE session_id = ? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("load memory entries: %w", err)
	}
	defer rows.Close()

	var entries []memory.Entry
	for rows.Next() {
		var tier, content, meta, created string
		var importance float64
		if err := rows.Scan(&tier, &content, &importance, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		entries = append(entries, memory.Entry{
			Tier:       memory.Tier(tier),
			Content:    content,
			Importance: importance,
			Metadata:   decodeMetadata(meta),
			Timestamp:  decodeTime(created),
		})
	}
	return entries, rows.Err()
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeMetadata(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(s string) map[string]any {
	if s == "" || s == "{}" {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(s), &meta); err != nil {
		return nil
	}
	return meta
}
