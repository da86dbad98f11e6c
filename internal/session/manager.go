package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// CreatedCallback is called when a new session is created, typically to
// build and render its page. An error discards the session.
type CreatedCallback func(session *Session) error

// DestroyedCallback is called after a session was removed and closed.
type DestroyedCallback func(session *Session)

// Manager manages all sessions.
type Manager struct {
	sessions    map[string]*Session
	timeout     time.Duration
	onCreated   CreatedCallback
	onDestroyed DestroyedCallback
	mu          sync.RWMutex
}

// NewManager creates a new session manager. A zero timeout never expires sessions.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		timeout:  timeout,
	}
}

// SetOnSessionCreated sets a callback called when a session is created.
func (m *Manager) SetOnSessionCreated(callback CreatedCallback) {
	m.onCreated = callback
}

// SetOnSessionDestroyed sets a callback called when a session is destroyed.
func (m *Manager) SetOnSessionDestroyed(callback DestroyedCallback) {
	m.onDestroyed = callback
}

// CreateSession generates a new session ID and initializes the session.
func (m *Manager) CreateSession() (*Session, error) {
	session := NewSession(GenerateSessionID())

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	if m.onCreated != nil {
		if err := m.onCreated(session); err != nil {
			m.mu.Lock()
			delete(m.sessions, session.ID)
			m.mu.Unlock()
			session.Close()
			return nil, err
		}
	}
	return session, nil
}

// GetSession retrieves a session by ID.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	return session, ok
}

// Get retrieves a session by ID. Returns nil if not found.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// DestroySession removes a session and closes its page.
// Returns false if the session did not exist.
func (m *Manager) DestroySession(id string) bool {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	session.Close()
	if m.onDestroyed != nil {
		m.onDestroyed(session)
	}
	return true
}

// SessionExists checks if a session ID is valid.
func (m *Manager) SessionExists(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// GetAllSessions returns all sessions, oldest first.
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt().Before(sessions[j].CreatedAt())
	})
	return sessions
}

// CleanupInactiveSessions removes sessions without connections whose last
// activity is past the timeout.
func (m *Manager) CleanupInactiveSessions() int {
	if m.timeout == 0 {
		return 0 // Never cleanup
	}

	m.mu.RLock()
	cutoff := time.Now().Add(-m.timeout)
	var toRemove []string
	for id, session := range m.sessions {
		if !session.IsActive() && session.LastActivity().Before(cutoff) {
			toRemove = append(toRemove, id)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, id := range toRemove {
		if m.DestroySession(id) {
			removed++
		}
	}
	return removed
}

// StartCleanup runs CleanupInactiveSessions every interval until ctx is done.
// report, when non-nil, receives the count of each non-empty sweep.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration, report func(removed int)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.CleanupInactiveSessions(); n > 0 && report != nil {
					report(n)
				}
			}
		}
	}()
}

// CloseAll destroys every session.
func (m *Manager) CloseAll() int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if m.DestroySession(id) {
			n++
		}
	}
	return n
}

// Count returns the number of sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
