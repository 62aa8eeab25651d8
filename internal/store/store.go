// Package store provides session persistence backends for BookingPipe.
//
// It includes an in-memory store for tests and demo mode, plus SQLite and
// PostgreSQL stores for durable deployments.
package store

import (
	"fmt"
	"sync"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// Store defines the session persistence operations used by the flow package.
type Store interface {
	// SaveSession inserts or replaces the session record.
	SaveSession(session models.Session) error

	// GetSession returns the session for an ID, or nil if absent.
	GetSession(id string) (*models.Session, error)

	// DeleteSession removes the session for an ID. Deleting an absent
	// session is not an error.
	DeleteSession(id string) error

	// ListSessionIDs returns the IDs of all stored sessions.
	ListSessionIDs() ([]string, error)

	// Close releases underlying resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string (file path for SQLite).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// InMemoryStore is a map-backed session store.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
}

// NewInMemoryStore creates an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]models.Session)}
}

// SaveSession inserts or replaces the session record.
func (s *InMemoryStore) SaveSession(session models.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session ID must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

// GetSession returns the session for an ID, or nil if absent.
func (s *InMemoryStore) GetSession(id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

// DeleteSession removes the session for an ID.
func (s *InMemoryStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// ListSessionIDs returns the IDs of all stored sessions.
func (s *InMemoryStore) ListSessionIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
