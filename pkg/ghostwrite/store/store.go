// Package store implements the durable document store on SQLite. Three
// logical collections back the system: per-(session,contact) message logs
// capped at 1000 entries, a per-session universal style corpus capped at
// 1000 entries, and per-session AI configuration records. Scheduled jobs
// keep their own table managed by the scheduler package over the same DB.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

const (
	// ContactLogCap is the per-contact message retention cap.
	ContactLogCap = 1000

	// UniversalCap is the per-session universal corpus cap.
	UniversalCap = 1000
)

// ErrNotFound is returned when a keyed document does not exist.
var ErrNotFound = fmt.Errorf("store: not found")

// Store is the persistence contract consumed by the rest of the system.
type Store interface {
	// Contact message logs.
	AppendContactMessages(ctx context.Context, code, contact string, texts []string) error
	ContactMessages(ctx context.Context, code, contact string) ([]string, error)
	ContactMessageCount(ctx context.Context, code, contact string) (int, error)
	Contacts(ctx context.Context, code string) ([]string, error)
	UpdateContactMessage(ctx context.Context, code, contact string, index int, text string) error
	DeleteContactMessage(ctx context.Context, code, contact string, index int) error
	DeleteContactLog(ctx context.Context, code, contact string) error

	// Universal style corpus.
	AppendUniversalReplies(ctx context.Context, code string, texts []string) error
	UniversalReplies(ctx context.Context, code string) ([]string, error)
	UpdateUniversalReply(ctx context.Context, code string, index int, text string) error
	DeleteUniversalReply(ctx context.Context, code string, index int) error
	DeleteUniversalCorpus(ctx context.Context, code string) error

	// Per-session AI configuration, stored as opaque JSON.
	SaveConfig(ctx context.Context, code string, cfg json.RawMessage) error
	LoadConfig(ctx context.Context, code string) (json.RawMessage, error)
	DeleteConfig(ctx context.Context, code string) error

	Close() error
}

// SQLite implements Store on a single SQLite database in WAL mode.
type SQLite struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path. The same handle is shared
// with the scheduler's job table.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent flushes.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for sibling tables (scheduled jobs).
func (s *SQLite) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS contact_messages (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_code TEXT NOT NULL,
			contact_id   TEXT NOT NULL,
			text         TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_contact_messages
			ON contact_messages(session_code, contact_id, seq);

		CREATE TABLE IF NOT EXISTS universal_replies (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_code TEXT NOT NULL,
			text         TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_universal_replies
			ON universal_replies(session_code, seq);

		CREATE TABLE IF NOT EXISTS session_configs (
			session_code TEXT PRIMARY KEY,
			config       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id           TEXT PRIMARY KEY,
			session_code TEXT NOT NULL,
			payload      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scheduled_jobs
			ON scheduled_jobs(session_code);
	`)
	if err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// ---------- Contact message logs ----------

// AppendContactMessages appends texts to a contact's log and trims it to
// the retention cap, oldest entries first.
func (s *SQLite) AppendContactMessages(ctx context.Context, code, contact string, texts []string) error {
	if len(texts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO contact_messages (session_code, contact_id, text) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for _, text := range texts {
		if _, err := stmt.ExecContext(ctx, code, contact, text); err != nil {
			return fmt.Errorf("append contact message: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM contact_messages
		WHERE session_code = ? AND contact_id = ? AND seq NOT IN (
			SELECT seq FROM contact_messages
			WHERE session_code = ? AND contact_id = ?
			ORDER BY seq DESC LIMIT ?
		)`, code, contact, code, contact, ContactLogCap)
	if err != nil {
		return fmt.Errorf("trim contact log: %w", err)
	}

	return tx.Commit()
}

// ContactMessages returns a contact's log oldest first.
func (s *SQLite) ContactMessages(ctx context.Context, code, contact string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT text FROM contact_messages
		WHERE session_code = ? AND contact_id = ?
		ORDER BY seq ASC`, code, contact)
	if err != nil {
		return nil, fmt.Errorf("load contact messages: %w", err)
	}
	defer rows.Close()
	return scanTexts(rows)
}

// ContactMessageCount returns the size of a contact's log.
func (s *SQLite) ContactMessageCount(ctx context.Context, code, contact string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM contact_messages
		WHERE session_code = ? AND contact_id = ?`, code, contact).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count contact messages: %w", err)
	}
	return n, nil
}

// Contacts lists the contact ids with a persisted log for a session.
func (s *SQLite) Contacts(ctx context.Context, code string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT contact_id FROM contact_messages
		WHERE session_code = ? ORDER BY contact_id`, code)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()
	return scanTexts(rows)
}

// UpdateContactMessage replaces the message at a zero-based index.
func (s *SQLite) UpdateContactMessage(ctx context.Context, code, contact string, index int, text string) error {
	seq, err := s.contactSeqAt(ctx, code, contact, index)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE contact_messages SET text = ? WHERE seq = ?", text, seq)
	if err != nil {
		return fmt.Errorf("update contact message: %w", err)
	}
	return nil
}

// DeleteContactMessage removes the message at a zero-based index.
func (s *SQLite) DeleteContactMessage(ctx context.Context, code, contact string, index int) error {
	seq, err := s.contactSeqAt(ctx, code, contact, index)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM contact_messages WHERE seq = ?", seq)
	if err != nil {
		return fmt.Errorf("delete contact message: %w", err)
	}
	return nil
}

// DeleteContactLog removes a contact's whole log.
func (s *SQLite) DeleteContactLog(ctx context.Context, code, contact string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM contact_messages
		WHERE session_code = ? AND contact_id = ?`, code, contact)
	if err != nil {
		return fmt.Errorf("delete contact log: %w", err)
	}
	return nil
}

func (s *SQLite) contactSeqAt(ctx context.Context, code, contact string, index int) (int64, error) {
	if index < 0 {
		return 0, ErrNotFound
	}
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT seq FROM contact_messages
		WHERE session_code = ? AND contact_id = ?
		ORDER BY seq ASC LIMIT 1 OFFSET ?`, code, contact, index).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("resolve message index: %w", err)
	}
	return seq, nil
}

// ---------- Universal corpus ----------

// AppendUniversalReplies appends the operator's own texts to the session's
// universal corpus and trims it to the cap.
func (s *SQLite) AppendUniversalReplies(ctx context.Context, code string, texts []string) error {
	if len(texts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin universal append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO universal_replies (session_code, text) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare universal append: %w", err)
	}
	defer stmt.Close()

	for _, text := range texts {
		if _, err := stmt.ExecContext(ctx, code, text); err != nil {
			return fmt.Errorf("append universal reply: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM universal_replies
		WHERE session_code = ? AND seq NOT IN (
			SELECT seq FROM universal_replies
			WHERE session_code = ?
			ORDER BY seq DESC LIMIT ?
		)`, code, code, UniversalCap)
	if err != nil {
		return fmt.Errorf("trim universal corpus: %w", err)
	}

	return tx.Commit()
}

// UniversalReplies returns the corpus oldest first.
func (s *SQLite) UniversalReplies(ctx context.Context, code string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT text FROM universal_replies
		WHERE session_code = ? ORDER BY seq ASC`, code)
	if err != nil {
		return nil, fmt.Errorf("load universal corpus: %w", err)
	}
	defer rows.Close()
	return scanTexts(rows)
}

// UpdateUniversalReply replaces the reply at a zero-based index.
func (s *SQLite) UpdateUniversalReply(ctx context.Context, code string, index int, text string) error {
	seq, err := s.universalSeqAt(ctx, code, index)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE universal_replies SET text = ? WHERE seq = ?", text, seq)
	if err != nil {
		return fmt.Errorf("update universal reply: %w", err)
	}
	return nil
}

// DeleteUniversalReply removes the reply at a zero-based index.
func (s *SQLite) DeleteUniversalReply(ctx context.Context, code string, index int) error {
	seq, err := s.universalSeqAt(ctx, code, index)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM universal_replies WHERE seq = ?", seq)
	if err != nil {
		return fmt.Errorf("delete universal reply: %w", err)
	}
	return nil
}

// DeleteUniversalCorpus removes the session's whole corpus.
func (s *SQLite) DeleteUniversalCorpus(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM universal_replies WHERE session_code = ?", code)
	if err != nil {
		return fmt.Errorf("delete universal corpus: %w", err)
	}
	return nil
}

func (s *SQLite) universalSeqAt(ctx context.Context, code string, index int) (int64, error) {
	if index < 0 {
		return 0, ErrNotFound
	}
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT seq FROM universal_replies
		WHERE session_code = ?
		ORDER BY seq ASC LIMIT 1 OFFSET ?`, code, index).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("resolve reply index: %w", err)
	}
	return seq, nil
}

// ---------- Session config ----------

// SaveConfig upserts a session's AI configuration document.
func (s *SQLite) SaveConfig(ctx context.Context, code string, cfg json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO session_configs (session_code, config)
		VALUES (?, ?)`, code, string(cfg))
	if err != nil {
		return fmt.Errorf("save config %q: %w", code, err)
	}
	return nil
}

// LoadConfig returns a session's stored configuration, or ErrNotFound.
func (s *SQLite) LoadConfig(ctx context.Context, code string) (json.RawMessage, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT config FROM session_configs WHERE session_code = ?", code).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", code, err)
	}
	return json.RawMessage(raw), nil
}

// DeleteConfig removes a session's configuration record.
func (s *SQLite) DeleteConfig(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM session_configs WHERE session_code = ?", code)
	if err != nil {
		return fmt.Errorf("delete config %q: %w", code, err)
	}
	return nil
}

func scanTexts(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scan text: %w", err)
		}
		out = append(out, text)
	}
	return out, rows.Err()
}
