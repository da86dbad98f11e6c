package storage

import (
	"context"
	"sync"
)

// MemoryStorage is an in-memory history backend.
type MemoryStorage struct {
	mu      sync.RWMutex
	records []*Record // oldest first
	nextID  int64
}

// NewMemoryStorage creates a new in-memory history backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Append stores a copy of r.
func (m *MemoryStorage) Append(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	cp := *r
	m.records = append(m.records, &cp)
	return nil
}

// History returns copies, newest first.
func (m *MemoryStorage) History(_ context.Context, module string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if module != "" && r.Module != module {
			continue
		}
		cp := *r
		result = append(result, &cp)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// Prune drops all but the newest keep records of module.
func (m *MemoryStorage) Prune(_ context.Context, module string, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := 0
	removed := 0
	kept := make([]*Record, 0, len(m.records))
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if r.Module == module {
			seen++
			if seen > keep {
				removed++
				continue
			}
		}
		kept = append(kept, r)
	}
	// kept is newest first
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	m.records = kept
	return removed, nil
}

// Clear removes all records.
func (m *MemoryStorage) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	return nil
}

// Close is a no-op for memory storage.
func (m *MemoryStorage) Close() error {
	return nil
}
