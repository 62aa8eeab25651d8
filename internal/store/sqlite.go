// Package store provides session persistence backends for BookingPipe.
//
// This file implements the SQLite-backed session store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/BookingPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists sessions in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN (a file path).
// The parent directory is created if it does not exist.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("store.NewSQLiteStore: creating store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("store.NewSQLiteStore: migrations applied")

	return &SQLiteStore{db: db}, nil
}

// SaveSession inserts or replaces the session record.
func (s *SQLiteStore) SaveSession(session models.Session) error {
	row, err := marshalSession(session)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO sessions
		(id, state, history, data, retry_counts, verify_attempts, escalated, last_operation, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, string(session.State), row.historyJSON, row.dataJSON, row.retryCountsJSON,
		session.VerifyAttempts, session.Escalated, session.LastOperation, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveSession failed", "error", err, "sessionID", session.ID)
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	slog.Debug("SQLiteStore.SaveSession succeeded", "sessionID", session.ID, "state", session.State)
	return nil
}

// GetSession returns the session for an ID, or nil if absent.
func (s *SQLiteStore) GetSession(id string) (*models.Session, error) {
	var session models.Session
	var row sessionRow
	var state string
	err := s.db.QueryRow(`SELECT id, state, history, data, retry_counts, verify_attempts, escalated, last_operation, created_at, updated_at
		FROM sessions WHERE id = ?`, id).Scan(
		&session.ID, &state, &row.historyJSON, &row.dataJSON, &row.retryCountsJSON,
		&session.VerifyAttempts, &session.Escalated, &session.LastOperation, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	session.State = models.ConversationState(state)
	if err := unmarshalSession(&session, row); err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteSession removes the session for an ID.
func (s *SQLiteStore) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		slog.Error("SQLiteStore.DeleteSession failed", "error", err, "sessionID", id)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// ListSessionIDs returns the IDs of all stored sessions.
func (s *SQLiteStore) ListSessionIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
