package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// Runtime settings are key/value overrides flipped through the dashboard
// without restarting the engine.
const (
	SettingPaused = "paused"
)

// GetSetting retrieves a runtime setting value, or the fallback when unset
func (db *DB) GetSetting(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := db.pool.QueryRow(ctx,
		`SELECT value FROM app_settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fallback, nil
		}
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting writes a runtime setting
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO app_settings (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// IsPaused reports whether trading has been paused from the dashboard
func (db *DB) IsPaused(ctx context.Context) (bool, error) {
	value, err := db.GetSetting(ctx, SettingPaused, "false")
	if err != nil {
		return false, err
	}
	paused, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid paused setting %q: %w", value, err)
	}
	return paused, nil
}

// SetPaused pauses or resumes trading
func (db *DB) SetPaused(ctx context.Context, paused bool) error {
	return db.SetSetting(ctx, SettingPaused, strconv.FormatBool(paused))
}
