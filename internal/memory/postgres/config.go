package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetConfigValue implements [memory.Store.GetConfigValue].
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM bot_config WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get config value: %w", err)
	}
	return value, true, nil
}

// SetConfigValue implements [memory.Store.SetConfigValue].
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bot_config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("set config value: %w", err)
	}
	return nil
}
