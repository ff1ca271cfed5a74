package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Outbox struct {
	ID                string
	ChatID            string
	Content           sql.NullString
	Attachments       []Attachment
	JobID             sql.NullString
	ReplyTo           sql.NullString
	ReplyToMessageID  sql.NullString
	TraceID           string
	AttemptCount      int
	LastError         sql.NullString
	RewrittenAt       sql.NullTime
	ProcessedAt       sql.NullTime
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// InsertOutboxRow inserts a new pending outbound send, used by Triage
// (Reply decision / unsubscribed-notice / cron confirmation), Runtime
// (question/completion/failure notices), and Audit (cancellation notice).
func InsertOutboxRow(ctx context.Context, tx *sql.Tx, chatID string, content sql.NullString, attachments []Attachment, jobID sql.NullString, traceID string) (string, error) {
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return "", fmt.Errorf("marshal attachments: %w", err)
	}
	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (id, chat_id, content, attachments, job_id, trace_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, id, chatID, nullableString(content), string(attachmentsJSON), nullableString(jobID), traceID); err != nil {
		return "", fmt.Errorf("insert outbox row: %w", err)
	}
	return id, nil
}

// ClaimUnrewrittenOutbox claims up to limit rows with rewritten_at IS NULL
// AND processed_at IS NULL, for Reply.
func (s *Store) ClaimUnrewrittenOutbox(ctx context.Context, limit int) ([]Outbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, content, attachments, job_id, reply_to, reply_to_message_id, trace_id,
			attempt_count, last_error, rewritten_at, processed_at, created_at, updated_at
		FROM outbox
		WHERE rewritten_at IS NULL AND processed_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select unrewritten outbox: %w", err)
	}
	defer rows.Close()
	return scanOutbox(rows)
}

// MarkRewritten sets content (if changed) and rewritten_at for a row.
func MarkRewritten(ctx context.Context, tx *sql.Tx, id string, content sql.NullString) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox SET content = ?, rewritten_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, nullableString(content), id)
	if err != nil {
		return fmt.Errorf("mark rewritten: %w", err)
	}
	return nil
}

// InsertRewriteSplitRow inserts an additional outbox row produced by
// splitting a rewritten reply on `---` segment separators, sharing the
// original row's trace_id and already marked rewritten.
func InsertRewriteSplitRow(ctx context.Context, tx *sql.Tx, chatID, content, traceID string) (string, error) {
	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (id, chat_id, content, attachments, trace_id, rewritten_at, created_at, updated_at)
		VALUES (?, ?, ?, '[]', ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, id, chatID, content, traceID); err != nil {
		return "", fmt.Errorf("insert split row: %w", err)
	}
	return id, nil
}

// ClaimDeliverableOutbox claims up to limit rows ready to send: rewritten,
// unsent, and under the attempt ceiling.
func (s *Store) ClaimDeliverableOutbox(ctx context.Context, limit, maxAttempts int) ([]Outbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, content, attachments, job_id, reply_to, reply_to_message_id, trace_id,
			attempt_count, last_error, rewritten_at, processed_at, created_at, updated_at
		FROM outbox
		WHERE processed_at IS NULL AND rewritten_at IS NOT NULL AND attempt_count < ?
		ORDER BY created_at ASC
		LIMIT ?;
	`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("select deliverable outbox: %w", err)
	}
	defer rows.Close()
	return scanOutbox(rows)
}

// MarkDelivered records a successful send.
func MarkDelivered(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox SET processed_at = CURRENT_TIMESTAMP, attempt_count = attempt_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, id)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkDeliveryFailed records a failed send attempt; the row remains for
// retry unless it has now exceeded the attempt ceiling (left unclaimed by
// the next ClaimDeliverableOutbox call, per the dead-letter-by-threshold
// design in SPEC_FULL.md §D).
func MarkDeliveryFailed(ctx context.Context, tx *sql.Tx, id, errMsg string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox SET attempt_count = attempt_count + 1, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark delivery failed: %w", err)
	}
	return nil
}

// HasActiveOutboxForChat reports whether a chat has any non-processed
// outbox row whose job (if any) is not paused — used by Gateway's
// composing-presence loop.
func (s *Store) HasActiveOutboxForChat(ctx context.Context, chatID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox o
		LEFT JOIN jobs j ON j.id = o.job_id
		WHERE o.chat_id = ? AND o.processed_at IS NULL AND (j.status IS NULL OR j.status != 'paused');
	`, chatID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check active outbox: %w", err)
	}
	return n > 0, nil
}

// ChatsWithActiveWork returns distinct chat ids with an active job or
// active outbox row, for Gateway's composing-presence loop.
func (s *Store) ChatsWithActiveWork(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT chat_id FROM jobs WHERE status IN ('draft','pending','running')
		UNION
		SELECT DISTINCT o.chat_id FROM outbox o
		LEFT JOIN jobs j ON j.id = o.job_id
		WHERE o.processed_at IS NULL AND (j.status IS NULL OR j.status != 'paused');
	`)
	if err != nil {
		return nil, fmt.Errorf("select chats with active work: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanOutbox(rows *sql.Rows) ([]Outbox, error) {
	var out []Outbox
	for rows.Next() {
		var o Outbox
		var attachmentsJSON string
		if err := rows.Scan(
			&o.ID, &o.ChatID, &o.Content, &attachmentsJSON, &o.JobID, &o.ReplyTo, &o.ReplyToMessageID, &o.TraceID,
			&o.AttemptCount, &o.LastError, &o.RewrittenAt, &o.ProcessedAt, &o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		if attachmentsJSON != "" {
			_ = json.Unmarshal([]byte(attachmentsJSON), &o.Attachments)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
