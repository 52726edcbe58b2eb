package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrBotConfigNotFound = errors.New("bot config not found")

// BotConfig is a saved generator template. Config is kept as an opaque JSON document.
type BotConfig struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SaveBotConfig inserts or replaces the config stored under name.
func (s *Store) SaveBotConfig(ctx context.Context, name string, config json.RawMessage) error {
	if !json.Valid(config) {
		return fmt.Errorf("save bot config %s: config is not valid JSON", name)
	}
	now := formatTime(time.Now())
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO bot_configs (name, config, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			config = excluded.config,
			updated_at = excluded.updated_at
	`, name, string(config), now, now)
	if err != nil {
		return fmt.Errorf("save bot config: %w", err)
	}
	return nil
}

func (s *Store) GetBotConfig(ctx context.Context, name string) (*BotConfig, error) {
	var (
		cfg       BotConfig
		raw       string
		createdAt string
		updatedAt string
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, name, config, created_at, updated_at FROM bot_configs WHERE name = ?
	`, name).Scan(&cfg.ID, &cfg.Name, &raw, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBotConfigNotFound
		}
		return nil, fmt.Errorf("get bot config: %w", err)
	}
	cfg.Config = json.RawMessage(raw)
	if cfg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if cfg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListBotConfigs returns saved configs without their documents, most recently updated first.
func (s *Store) ListBotConfigs(ctx context.Context) ([]BotConfig, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, created_at, updated_at FROM bot_configs ORDER BY updated_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list bot configs: %w", err)
	}
	defer rows.Close()
	configs := make([]BotConfig, 0)
	for rows.Next() {
		var (
			cfg                  BotConfig
			createdAt, updatedAt string
		)
		if err := rows.Scan(&cfg.ID, &cfg.Name, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan bot config: %w", err)
		}
		if cfg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if cfg.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (s *Store) DeleteBotConfig(ctx context.Context, name string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM bot_configs WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete bot config: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}
