package storage

import (
	"context"
	"time"

	"github.com/zot/ui-compose/internal/config"
)

// recordTimeout bounds one history write.
const recordTimeout = 2 * time.Second

// Recorder appends fetch records and keeps each module's history trimmed.
// Write failures are logged, never returned to the load that caused them.
type Recorder struct {
	backend Backend
	keep    int
	config  *config.Config
}

// NewRecorder wraps b, keeping cfg.History.Keep records per module.
func NewRecorder(b Backend, cfg *config.Config) *Recorder {
	return &Recorder{backend: b, keep: cfg.History.Keep, config: cfg}
}

// Record stores r and prunes its module.
func (r *Recorder) Record(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := r.backend.Append(ctx, rec); err != nil {
		r.config.Warn("History: %v", err)
		return
	}
	if r.keep <= 0 {
		return
	}
	if n, err := r.backend.Prune(ctx, rec.Module, r.keep); err != nil {
		r.config.Warn("History: %v", err)
	} else if n > 0 {
		r.config.Log(3, "History: pruned %d records of %s", n, rec.Module)
	}
}

// History returns up to limit records of module, newest first.
func (r *Recorder) History(ctx context.Context, module string, limit int) ([]*Record, error) {
	return r.backend.History(ctx, module, limit)
}

// Close closes the backend.
func (r *Recorder) Close() error {
	return r.backend.Close()
}
