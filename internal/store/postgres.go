// Package store provides session persistence backends for BookingPipe.
//
// This file implements the PostgreSQL-backed session store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/BookingPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum lifetime of a connection.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists sessions in a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("store.NewPostgresStore: creating store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("store.NewPostgresStore: migrations applied")

	return &PostgresStore{db: db}, nil
}

// SaveSession inserts or replaces the session record.
func (s *PostgresStore) SaveSession(session models.Session) error {
	row, err := marshalSession(session)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO sessions
		(id, state, history, data, retry_counts, verify_attempts, escalated, last_operation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			history = EXCLUDED.history,
			data = EXCLUDED.data,
			retry_counts = EXCLUDED.retry_counts,
			verify_attempts = EXCLUDED.verify_attempts,
			escalated = EXCLUDED.escalated,
			last_operation = EXCLUDED.last_operation,
			updated_at = EXCLUDED.updated_at`,
		session.ID, string(session.State), row.historyJSON, row.dataJSON, row.retryCountsJSON,
		session.VerifyAttempts, session.Escalated, session.LastOperation, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveSession failed", "error", err, "sessionID", session.ID)
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	slog.Debug("PostgresStore.SaveSession succeeded", "sessionID", session.ID, "state", session.State)
	return nil
}

// GetSession returns the session for an ID, or nil if absent.
func (s *PostgresStore) GetSession(id string) (*models.Session, error) {
	var session models.Session
	var row sessionRow
	var state string
	err := s.db.QueryRow(`SELECT id, state, history, data, retry_counts, verify_attempts, escalated, last_operation, created_at, updated_at
		FROM sessions WHERE id = $1`, id).Scan(
		&session.ID, &state, &row.historyJSON, &row.dataJSON, &row.retryCountsJSON,
		&session.VerifyAttempts, &session.Escalated, &session.LastOperation, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	session.State = models.ConversationState(state)
	if err := unmarshalSession(&session, row); err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteSession removes the session for an ID.
func (s *PostgresStore) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = $1`, id); err != nil {
		slog.Error("PostgresStore.DeleteSession failed", "error", err, "sessionID", id)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// ListSessionIDs returns the IDs of all stored sessions.
func (s *PostgresStore) ListSessionIDs() ([]string, error) {
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
