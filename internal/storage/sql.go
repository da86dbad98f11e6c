package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// sqlStorage holds the queries shared by the SQLite and Postgres backends.
// Times are stored as Unix nanoseconds so both drivers scan them the same way.
type sqlStorage struct {
	db *sql.DB

	// bind returns the placeholder for the nth (1-based) argument
	bind func(n int) string

	// insert stores a record and returns its id
	insert func(ctx context.Context, r *Record) (int64, error)
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

func (s *sqlStorage) Append(ctx context.Context, r *Record) error {
	id, err := s.insert(ctx, r)
	if err != nil {
		return fmt.Errorf("append fetch record: %w", err)
	}
	r.ID = id
	return nil
}

func (s *sqlStorage) insertArgs(r *Record) []any {
	ok := 0
	if r.OK {
		ok = 1
	}
	return []any{r.Module, r.Locator, r.Fetch, ok, r.Error, int64(r.Duration), r.At.UnixNano()}
}

func (s *sqlStorage) insertSQL() string {
	ph := make([]string, 7)
	for i := range ph {
		ph[i] = s.bind(i + 1)
	}
	return `INSERT INTO fetches (module, locator, fetch_no, ok, error, duration_ns, at_ns)
		VALUES (` + strings.Join(ph, ", ") + `)`
}

func (s *sqlStorage) History(ctx context.Context, module string, limit int) ([]*Record, error) {
	query := `SELECT id, module, locator, fetch_no, ok, error, duration_ns, at_ns FROM fetches`
	var args []any
	if module != "" {
		args = append(args, module)
		query += ` WHERE module = ` + s.bind(len(args))
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT ` + s.bind(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fetch history: %w", err)
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		r := &Record{}
		var ok int
		var durationNS, atNS int64
		if err := rows.Scan(&r.ID, &r.Module, &r.Locator, &r.Fetch, &ok, &r.Error, &durationNS, &atNS); err != nil {
			return nil, err
		}
		r.OK = ok != 0
		r.Duration = time.Duration(durationNS)
		r.At = time.Unix(0, atNS)
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *sqlStorage) Prune(ctx context.Context, module string, keep int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM fetches WHERE module = `+s.bind(1)+` AND id NOT IN (
			SELECT id FROM fetches WHERE module = `+s.bind(2)+` ORDER BY id DESC LIMIT `+s.bind(3)+`
		)`, module, module, keep)
	if err != nil {
		return 0, fmt.Errorf("prune fetch history: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqlStorage) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM fetches`)
	return err
}

func (s *sqlStorage) Close() error {
	return s.db.Close()
}
