package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Update outcomes recorded in the audit log.
const (
	OutcomeUpdated = "updated"
	OutcomeCurrent = "current"
	OutcomeFailed  = "failed"
)

// UpdateEntry is one resource refresh attempt.
type UpdateEntry struct {
	ID        string            `json:"id"`
	Plugin    string            `json:"plugin"`
	Resource  string            `json:"resource"`
	Version   string            `json:"version,omitempty"`
	Outcome   string            `json:"outcome"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// RecordUpdate appends an entry to the refresh audit log.
func (s *Store) RecordUpdate(ctx context.Context, entry UpdateEntry) error {
	if entry.ID == "" {
		entry.ID = "upd_" + uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	var detailsJSON []byte
	if entry.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal update details: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO resource_updates (
		id, plugin, resource, version, outcome, error, duration_ms, details, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Plugin, entry.Resource, entry.Version, entry.Outcome, entry.Error,
		entry.Duration.Milliseconds(), string(detailsJSON), entry.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert update entry: %w", err)
	}
	return nil
}

// ListUpdates returns the most recent refresh attempts, newest first. An
// empty plugin returns entries for every plugin.
func (s *Store) ListUpdates(ctx context.Context, plugin string, limit int) ([]UpdateEntry, error) {
	query := `SELECT id, plugin, resource, version, outcome, error, duration_ms, details, created_at
		FROM resource_updates`
	var args []interface{}
	if plugin != "" {
		query += ` WHERE plugin = ?`
		args = append(args, plugin)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query update entries: %w", err)
	}
	defer rows.Close()

	var entries []UpdateEntry
	for rows.Next() {
		var e UpdateEntry
		var version, errText, detailsJSON sql.NullString
		var durationMS, createdAt int64
		if err := rows.Scan(&e.ID, &e.Plugin, &e.Resource, &version, &e.Outcome, &errText,
			&durationMS, &detailsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan update entry: %w", err)
		}
		e.Version = version.String
		e.Error = errText.String
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.CreatedAt = time.Unix(0, createdAt)
		if detailsJSON.Valid && detailsJSON.String != "" {
			if err := json.Unmarshal([]byte(detailsJSON.String), &e.Details); err != nil {
				e.Details = map[string]string{"raw": detailsJSON.String}
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
