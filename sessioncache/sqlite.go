package sessioncache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const timeFormat = "2006-01-02T15:04:05.000Z"

// SQLiteStore keeps session records in a local SQLite database so they
// survive process restarts. It is the default store of the gcs-upload CLI.
type SQLiteStore struct {
	db *sql.DB
}

// DefaultSQLitePath returns the per-user location of the session database.
func DefaultSQLitePath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache dir: %w", err)
	}
	return filepath.Join(dir, "gcs-resumable-upload", "sessions.db"), nil
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema. The parent directory is created when missing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create session database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers without relying on busy retries.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS upload_sessions (
			cache_key   TEXT PRIMARY KEY,
			session_uri TEXT NOT NULL,
			fingerprint BLOB,
			updated_at  TEXT NOT NULL
		);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, error) {
	var r Record
	err := s.db.QueryRowContext(ctx,
		`SELECT session_uri, fingerprint FROM upload_sessions WHERE cache_key = ?`, key,
	).Scan(&r.SessionURI, &r.Fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("query session %s: %w", key, err)
	}
	if len(r.Fingerprint) == 0 {
		r.Fingerprint = nil
	}
	return r, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, record Record) error {
	now := time.Now().UTC().Format(timeFormat)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_sessions (cache_key, session_uri, fingerprint, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			session_uri = excluded.session_uri,
			fingerprint = excluded.fingerprint,
			updated_at  = excluded.updated_at`,
		key, record.SessionURI, record.Fingerprint, now,
	)
	if err != nil {
		return fmt.Errorf("store session %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
