package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ayusman/watchpost/internal/incident"
)

// Settings keys.
const (
	KeyThresholds = "thresholds"
	KeyPaused     = "paused"
)

// SettingsRepository stores application settings as key-value pairs.
type SettingsRepository struct {
	db *sql.DB
}

// Settings returns the settings repository for this store.
func (s *Store) Settings() *SettingsRepository {
	return &SettingsRepository{db: s.db}
}

// Get returns the value stored under key.
func (r *SettingsRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return value, nil
}

// Set stores value under key, replacing any previous value.
func (r *SettingsRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// Delete removes key.
func (r *SettingsRepository) Delete(ctx context.Context, key string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadThresholds returns the persisted thresholds, or ErrNotFound.
func (r *SettingsRepository) LoadThresholds(ctx context.Context) (incident.Thresholds, error) {
	raw, err := r.Get(ctx, KeyThresholds)
	if err != nil {
		return incident.Thresholds{}, err
	}

	var th incident.Thresholds
	if err := json.Unmarshal([]byte(raw), &th); err != nil {
		return incident.Thresholds{}, fmt.Errorf("decode stored thresholds: %w", err)
	}
	if err := th.Validate(); err != nil {
		return incident.Thresholds{}, fmt.Errorf("stored thresholds: %w", err)
	}
	return th, nil
}

// SaveThresholds persists th.
func (r *SettingsRepository) SaveThresholds(ctx context.Context, th incident.Thresholds) error {
	raw, err := json.Marshal(th)
	if err != nil {
		return err
	}
	return r.Set(ctx, KeyThresholds, string(raw))
}
