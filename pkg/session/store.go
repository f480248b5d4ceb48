// Package session persists per-visitor key/value state in a SQLite
// database shared by every worker process. Session identifiers are
// allocated under an optimistic transaction retry loop so two workers
// racing on allocation can never commit the same identifier.
package session

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// sentinelKey marks a session's existence row. User keys are never
// empty (Set rejects them), so the sentinel cannot collide.
const sentinelKey = ""

// Store wraps the shared session database
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the session database. The
// _txlock=immediate option makes transactions take the write lock up
// front, which turns concurrent-writer races into retryable errors
// instead of deadlocks.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_rows (
		session_id TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, key)
	);
	CREATE INDEX IF NOT EXISTS idx_session_rows_expires ON session_rows(expires_at);

	CREATE TABLE IF NOT EXISTS error_log (
		time  INTEGER NOT NULL,
		page  TEXT NOT NULL,
		file  TEXT NOT NULL,
		error TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// LogError records an out-of-band page error report
func (s *Store) LogError(page, file, msg string) error {
	_, err := s.db.Exec(
		"INSERT INTO error_log (time, page, file, error) VALUES (?, ?, ?, ?)",
		time.Now().Unix(), page, file, msg,
	)
	if err != nil {
		return fmt.Errorf("failed to log page error: %w", err)
	}
	return nil
}

// cleanup deletes every row whose expiry has passed. It runs on the
// new-session path rather than a timer.
func (s *Store) cleanup(now time.Time) {
	res, err := s.db.Exec("DELETE FROM session_rows WHERE expires_at <= ?", now.Unix())
	if err != nil {
		log.Warn().Err(err).Msg("Session cleanup failed")
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Debug().Int64("rows", n).Msg("Expired session rows removed")
	}
}

// exists reports whether a session identifier has a live sentinel row
func (s *Store) exists(id string, now time.Time) (bool, error) {
	var found bool
	err := s.db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM session_rows WHERE session_id = ? AND key = ? AND expires_at > ?)",
		id, sentinelKey, now.Unix(),
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	return found, nil
}
