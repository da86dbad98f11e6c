package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage is a SQLite history backend.
type SQLiteStorage struct {
	sqlStorage
}

// NewSQLiteStorage opens (creating if needed) the database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	s := &SQLiteStorage{sqlStorage{db: db, bind: questionMark}}
	s.insert = s.insertRow
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// init creates the necessary tables.
func (s *SQLiteStorage) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS fetches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			module TEXT NOT NULL,
			locator TEXT NOT NULL,
			fetch_no INTEGER NOT NULL,
			ok INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			duration_ns INTEGER NOT NULL,
			at_ns INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_fetches_module ON fetches(module, id);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) insertRow(ctx context.Context, r *Record) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.insertSQL(), s.insertArgs(r)...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
