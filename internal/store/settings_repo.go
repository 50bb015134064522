package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fogsched/internal/core"
)

const configKey = "config"

// LoadConfig returns the persisted controller config. ok is false when none
// has been saved yet.
func (s *Store) LoadConfig(ctx context.Context) (core.Config, bool, error) {
	var raw string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, configKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Config{}, false, nil
	}
	if err != nil {
		return core.Config{}, false, fmt.Errorf("load config: %w", err)
	}
	var cfg core.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return core.Config{}, false, fmt.Errorf("decode stored config: %w", err)
	}
	return cfg, true, nil
}

// SaveConfig checkpoints the controller config.
func (s *Store) SaveConfig(ctx context.Context, cfg core.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, configKey, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}
