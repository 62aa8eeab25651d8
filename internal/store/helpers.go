// Package store provides session persistence backends for BookingPipe.
//
// This file holds the row serialization helpers shared by the SQL-backed
// stores: history, data, and retry counts are stored as JSON columns.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// sessionRow is the flattened SQL representation of a session.
type sessionRow struct {
	historyJSON     string
	dataJSON        string
	retryCountsJSON string
}

// marshalSession serializes the session's JSON columns.
func marshalSession(session models.Session) (sessionRow, error) {
	history, err := json.Marshal(session.History)
	if err != nil {
		return sessionRow{}, fmt.Errorf("failed to marshal session history: %w", err)
	}
	data, err := json.Marshal(session.Data)
	if err != nil {
		return sessionRow{}, fmt.Errorf("failed to marshal session data: %w", err)
	}
	retryCounts, err := json.Marshal(session.RetryCounts)
	if err != nil {
		return sessionRow{}, fmt.Errorf("failed to marshal session retry counts: %w", err)
	}
	return sessionRow{
		historyJSON:     string(history),
		dataJSON:        string(data),
		retryCountsJSON: string(retryCounts),
	}, nil
}

// unmarshalSession populates the session's JSON-backed fields from a row.
func unmarshalSession(session *models.Session, row sessionRow) error {
	if err := json.Unmarshal([]byte(row.historyJSON), &session.History); err != nil {
		return fmt.Errorf("failed to unmarshal session history: %w", err)
	}
	if err := json.Unmarshal([]byte(row.dataJSON), &session.Data); err != nil {
		return fmt.Errorf("failed to unmarshal session data: %w", err)
	}
	if err := json.Unmarshal([]byte(row.retryCountsJSON), &session.RetryCounts); err != nil {
		return fmt.Errorf("failed to unmarshal session retry counts: %w", err)
	}
	if session.Data == nil {
		session.Data = make(map[models.DataKey]string)
	}
	if session.RetryCounts == nil {
		session.RetryCounts = make(map[string]int)
	}
	return nil
}
