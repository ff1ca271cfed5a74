package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// AppendEvent writes one append-only audit log row inside the caller's
// transaction. Every state-changing operation in the kernel emits at
// least one of these sharing the causal trace_id.
func AppendEvent(ctx context.Context, tx *sql.Tx, traceID, source, action string, payload map[string]any) error {
	var payloadJSON string
	if payload == nil {
		payloadJSON = "{}"
	} else {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(b)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (trace_id, source, action, payload, created_at) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, traceID, source, action, payloadJSON); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// AppendEventDB is AppendEvent for callers outside an existing transaction
// (e.g. a worker logging a side observation that isn't otherwise
// transactional).
func (s *Store) AppendEventDB(ctx context.Context, traceID, source, action string, payload map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := AppendEvent(ctx, tx, traceID, source, action, payload); err != nil {
		return err
	}
	return tx.Commit()
}
