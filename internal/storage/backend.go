// Package storage keeps the history of module fetches so operators can see
// when a module last loaded, how long it took and why it failed.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/zot/ui-compose/internal/config"
)

// Record is one fetch-and-evaluate of a module.
type Record struct {
	ID       int64         `json:"id"`
	Module   string        `json:"module"`
	Locator  string        `json:"locator"`
	Fetch    int           `json:"fetch"` // 1 for the module's first fetch in this process
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// Backend defines the interface for history backends.
type Backend interface {
	// Append stores r and sets its ID.
	Append(ctx context.Context, r *Record) error

	// History returns up to limit records, newest first. An empty module
	// returns records for every module; limit <= 0 means no limit.
	History(ctx context.Context, module string, limit int) ([]*Record, error)

	// Prune keeps the newest keep records of module and returns how many
	// were removed.
	Prune(ctx context.Context, module string, keep int) (int, error)

	// Clear removes all records.
	Clear(ctx context.Context) error

	// Close closes the backend.
	Close() error
}

// Open creates the backend named by cfg.History.
func Open(cfg *config.Config) (Backend, error) {
	h := cfg.History
	switch h.Backend {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "sqlite":
		path := h.DSN
		if path == "" {
			path = "history.db"
		}
		s, err := NewSQLiteStorage(cfg.SitePath(path))
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		if h.DSN == "" {
			return nil, fmt.Errorf("postgres history needs a dsn")
		}
		s, err := NewPostgresStorage(h.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", h.Backend)
	}
}
