// Package flow implements the conversation core.
//
// This file owns session identity and serialization. Each session is
// processed by at most one turn at a time: the manager hands out the session
// under a per-session mutex, and the release callback persists it. Sessions
// are loaded lazily from the store, so a restart resumes conversations where
// they left off.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
)

// sessionEntry pairs a session with its turn mutex.
type sessionEntry struct {
	mu      sync.Mutex
	session *models.Session
}

// SessionManager owns the in-process session registry backed by a store.
type SessionManager struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
	st      store.Store
}

// NewSessionManager creates a session manager over the given store.
func NewSessionManager(st store.Store) *SessionManager {
	slog.Debug("flow.NewSessionManager: creating session manager")
	return &SessionManager{
		entries: make(map[string]*sessionEntry),
		st:      st,
	}
}

// Acquire locks the session for exclusive turn processing, creating it (or
// loading it from the store) if needed. The returned release function
// persists the session and unlocks it; callers must invoke it exactly once.
// Acquire respects context cancellation while waiting for the lock.
func (m *SessionManager) Acquire(ctx context.Context, id string) (*models.Session, func(), error) {
	if id == "" {
		return nil, nil, fmt.Errorf("session ID must not be empty")
	}

	entry, err := m.entry(id)
	if err != nil {
		return nil, nil, err
	}

	// Waiting turns for the same session queue on this mutex; turns for other
	// sessions proceed in parallel.
	locked := make(chan struct{})
	go func() {
		entry.mu.Lock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-ctx.Done():
		// The lock goroutine will still acquire it; hand it straight back.
		go func() {
			<-locked
			entry.mu.Unlock()
		}()
		return nil, nil, ctx.Err()
	}

	release := func() {
		entry.session.UpdatedAt = time.Now()
		if err := m.st.SaveSession(*entry.session); err != nil {
			// Persistence failure must not fail the turn; the in-process copy
			// stays authoritative.
			slog.Error("SessionManager release: failed to persist session", "error", err, "sessionID", id)
		}
		entry.mu.Unlock()
	}
	return entry.session, release, nil
}

// Snapshot returns the session's external view without acquiring the turn lock
// for long: it briefly locks to copy.
func (m *SessionManager) Snapshot(ctx context.Context, id string) (*models.SessionSnapshot, error) {
	entry, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	entry.mu.Lock()
	snapshot := entry.session.Snapshot()
	entry.mu.Unlock()
	return &snapshot, nil
}

// Reset removes all state for a session, in memory and in the store.
func (m *SessionManager) Reset(id string) error {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()

	if err := m.st.DeleteSession(id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	slog.Info("SessionManager.Reset: session reset", "sessionID", id)
	return nil
}

// entry returns the registry entry for id, creating or loading it as needed.
func (m *SessionManager) entry(id string) (*sessionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[id]; ok {
		return entry, nil
	}

	session, err := m.st.GetSession(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if session == nil {
		session = models.NewSession(id)
		slog.Debug("SessionManager.entry: created new session", "sessionID", id)
	} else {
		slog.Debug("SessionManager.entry: loaded session from store", "sessionID", id, "state", session.State)
	}

	entry := &sessionEntry{session: session}
	m.entries[id] = entry
	return entry, nil
}

// lookup returns the registry entry for id without creating one, loading from
// the store if the session exists there.
func (m *SessionManager) lookup(id string) (*sessionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[id]; ok {
		return entry, nil
	}
	session, err := m.st.GetSession(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if session == nil {
		return nil, nil
	}
	entry := &sessionEntry{session: session}
	m.entries[id] = entry
	return entry, nil
}
