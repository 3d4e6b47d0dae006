// Package runtimesettings stores admin-editable key/value overrides that are
// merged over environment defaults at read time, so operators can tune
// behavior (rate limits, strategy, backoff knobs) without a restart.
package runtimesettings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Setting is one admin-editable key/value row.
type Setting struct {
	Key         string
	ValueJSON   string
	Description string
	UpdatedBy   string
	UpdatedAt   time.Time
}

// Store reads and writes runtime_settings rows.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New builds a Store.
func New(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const isoLayout = "2006-01-02T15:04:05.000Z"

// Set upserts key's value, recording the acting admin.
func (s *Store) Set(ctx context.Context, key, valueJSON, updatedBy string) error {
	now := time.Now().UTC().Format(isoLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runtime_settings (key, value_json, updated_at, updated_by)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value_json = excluded.value_json,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by
	`, key, valueJSON, now, updatedBy)
	if err != nil {
		return fmt.Errorf("set runtime setting %q: %w", key, err)
	}
	s.logger.Debug("runtime setting updated", zap.String("key", key), zap.String("updated_by", updatedBy))
	return nil
}

// Get returns the row for key, or nil if unset (caller falls back to the
// environment default).
func (s *Store) Get(ctx context.Context, key string) (*Setting, error) {
	var st Setting
	var updatedAt string
	var description, updatedBy sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT key, value_json, description, updated_at, updated_by
		FROM runtime_settings WHERE key = ?
	`, key).Scan(&st.Key, &st.ValueJSON, &description, &updatedAt, &updatedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get runtime setting %q: %w", key, err)
	}
	st.UpdatedAt, _ = time.Parse(isoLayout, updatedAt)
	if description.Valid {
		st.Description = description.String
	}
	if updatedBy.Valid {
		st.UpdatedBy = updatedBy.String
	}
	return &st, nil
}

// GetString returns the decoded JSON string value for key, or fallback.
func (s *Store) GetString(ctx context.Context, key, fallback string) string {
	st, err := s.Get(ctx, key)
	if err != nil || st == nil {
		return fallback
	}
	var v string
	if err := json.Unmarshal([]byte(st.ValueJSON), &v); err != nil {
		return fallback
	}
	return v
}

// GetInt returns the decoded JSON number value for key, or fallback.
func (s *Store) GetInt(ctx context.Context, key string, fallback int) int {
	st, err := s.Get(ctx, key)
	if err != nil || st == nil {
		return fallback
	}
	var v int
	if err := json.Unmarshal([]byte(st.ValueJSON), &v); err != nil {
		return fallback
	}
	return v
}

// Delete removes key, reverting future reads to the environment default.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runtime_settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete runtime setting %q: %w", key, err)
	}
	return nil
}

// All returns every row, ordered by key, for the admin settings page.
func (s *Store) All(ctx context.Context) ([]*Setting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value_json, description, updated_at, updated_by
		FROM runtime_settings ORDER BY key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runtime settings: %w", err)
	}
	defer rows.Close()

	var out []*Setting
	for rows.Next() {
		var st Setting
		var updatedAt string
		var description, updatedBy sql.NullString
		if err := rows.Scan(&st.Key, &st.ValueJSON, &description, &updatedAt, &updatedBy); err != nil {
			return nil, fmt.Errorf("scan runtime setting: %w", err)
		}
		st.UpdatedAt, _ = time.Parse(isoLayout, updatedAt)
		if description.Valid {
			st.Description = description.String
		}
		if updatedBy.Valid {
			st.UpdatedBy = updatedBy.String
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}
