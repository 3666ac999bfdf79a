// Package history persists conversation transcripts to a local SQLite
// database so past sessions survive app restarts.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"opdesk/internal/domain"
)

// Store writes session and event rows to SQLite. Implements
// ports.HistoryStore.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default database path under the user's
// data directory.
func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "opdesk", "history.sqlite")
}

// Open opens (creating if needed) the history database with WAL.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS sessions (
			id        TEXT PRIMARY KEY,
			title     TEXT NOT NULL,
			openedAt  REAL NOT NULL,
			closedAt  REAL
		);
		CREATE TABLE IF NOT EXISTS events (
			rowid     INTEGER PRIMARY KEY AUTOINCREMENT,
			sessionId TEXT NOT NULL,
			seq       INTEGER NOT NULL,
			kind      TEXT NOT NULL,
			text      TEXT NOT NULL,
			toolName  TEXT NOT NULL DEFAULT '',
			createdAt REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_session ON events(sessionId, rowid);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession records a newly opened session.
func (s *Store) CreateSession(id string, title string) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, title, openedAt) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title
	`, id, title, unixFloat(time.Now()))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// AppendEvent records one stream event under its session.
func (s *Store) AppendEvent(event domain.StreamEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO events (sessionId, seq, kind, text, toolName, createdAt)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.SessionID, event.Seq, string(event.Kind), event.Text, event.ToolName, unixFloat(time.Now()))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// CloseSession stamps the session closed.
func (s *Store) CloseSession(id string) error {
	_, err := s.db.Exec(`UPDATE sessions SET closedAt = ? WHERE id = ?`, unixFloat(time.Now()), id)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// SessionRecord is one persisted session row.
type SessionRecord struct {
	ID       string
	Title    string
	OpenedAt time.Time
	ClosedAt *time.Time
}

// EventRecord is one persisted stream event row.
type EventRecord struct {
	SessionID string
	Seq       uint64
	Kind      string
	Text      string
	ToolName  string
	CreatedAt time.Time
}

// Sessions returns all sessions, most recently opened first.
func (s *Store) Sessions() ([]SessionRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, title, openedAt, closedAt
		FROM sessions
		ORDER BY openedAt DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var openedAt float64
		var closedAt sql.NullFloat64
		if err := rows.Scan(&rec.ID, &rec.Title, &openedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.OpenedAt = timeFromUnix(openedAt)
		if closedAt.Valid {
			t := timeFromUnix(closedAt.Float64)
			rec.ClosedAt = &t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// EventsForSession returns the event log for one session in insertion
// order.
func (s *Store) EventsForSession(sessionID string) ([]EventRecord, error) {
	rows, err := s.db.Query(`
		SELECT sessionId, seq, kind, text, toolName, createdAt
		FROM events
		WHERE sessionId = ?
		ORDER BY rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var rec EventRecord
		var createdAt float64
		if err := rows.Scan(&rec.SessionID, &rec.Seq, &rec.Kind, &rec.Text, &rec.ToolName, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.CreatedAt = timeFromUnix(createdAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
