// Package session tracks browser sessions. Each session owns one composed
// host page: its render tree and the composer filling it.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/zot/ui-compose/internal/host"
	"github.com/zot/ui-compose/internal/tree"
)

// Session represents a single user session.
type Session struct {
	ID           string
	composer     *host.Composer
	tree         *tree.Tree
	connections  map[string]struct{} // connection IDs
	createdAt    time.Time
	lastActivity time.Time
	closed       bool
	mu           sync.RWMutex
}

// NewSession creates a new session with the given ID.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		connections:  make(map[string]struct{}),
		createdAt:    now,
		lastActivity: now,
	}
}

// SetPage attaches the session's composer and the tree it renders into.
func (s *Session) SetPage(c *host.Composer, t *tree.Tree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.composer = c
	s.tree = t
}

// Composer returns the session's host composer, or nil before SetPage.
func (s *Session) Composer() *host.Composer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.composer
}

// Tree returns the session's render tree, or nil before SetPage.
func (s *Session) Tree() *tree.Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree
}

// AddConnection registers a new connection to this session.
func (s *Session) AddConnection(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connections[connectionID] = struct{}{}
	s.lastActivity = time.Now()
}

// RemoveConnection unregisters a connection from this session.
// Returns true if this was the last connection.
func (s *Session) RemoveConnection(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.connections, connectionID)
	s.lastActivity = time.Now()
	return len(s.connections) == 0
}

// IsActive checks if the session has any connections.
func (s *Session) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections) > 0
}

// ConnectionCount returns the number of active connections.
func (s *Session) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Touch updates the lastActivity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

// LastActivity returns the last activity time.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Connections returns a copy of the connection IDs.
func (s *Session) Connections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]string, 0, len(s.connections))
	for id := range s.connections {
		conns = append(conns, id)
	}
	return conns
}

// Close tears down the session's page. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.composer
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// GenerateSessionID creates a unique session identifier.
func GenerateSessionID() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
