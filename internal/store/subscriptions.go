package store

import (
	"context"
	"database/sql"
	"fmt"
)

// IsSubscribed reports a chat's subscription state, defaulting to true
// when no row exists.
func (s *Store) IsSubscribed(ctx context.Context, chatID string) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx, `SELECT enabled FROM chat_subscriptions WHERE chat_id = ?;`, chatID).Scan(&enabled)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read subscription: %w", err)
	}
	return enabled != 0, nil
}

// SetSubscription upserts a chat's subscription state.
func SetSubscription(ctx context.Context, tx *sql.Tx, chatID string, enabled bool) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chat_subscriptions (chat_id, enabled, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(chat_id) DO UPDATE SET enabled = excluded.enabled, updated_at = CURRENT_TIMESTAMP;
	`, chatID, boolToInt(enabled))
	if err != nil {
		return fmt.Errorf("set subscription: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
