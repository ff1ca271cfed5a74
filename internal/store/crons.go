package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Cron struct {
	ID         string
	Name       string
	Schedule   string
	Timezone   string
	ChatID     string
	Prompt     string
	Enabled    bool
	LastRunAt  sql.NullTime
	NextRunAt  sql.NullTime
	LastJobID  sql.NullString
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ErrCronNameExists signals a duplicate cron name on create.
var ErrCronNameExists = fmt.Errorf("cron name already exists")

// CreateCron inserts a new cron row, enabled by default.
func CreateCron(ctx context.Context, tx *sql.Tx, name, schedule, timezone, chatID, prompt string) (string, error) {
	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM crons WHERE name = ?;`, name).Scan(&existing); err != nil {
		return "", fmt.Errorf("check cron name: %w", err)
	}
	if existing > 0 {
		return "", ErrCronNameExists
	}
	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO crons (id, name, schedule, timezone, chat_id, prompt, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, id, name, schedule, timezone, chatID, prompt); err != nil {
		return "", fmt.Errorf("insert cron: %w", err)
	}
	return id, nil
}

// UpsertCronFromSeed creates or updates a cron by (name, chat_id), the
// unique key a seed file entry is identified by across reloads. An update
// resets schedule/timezone/prompt and re-enables the cron but leaves its
// run history (last_run_at/next_run_at) untouched unless the schedule
// text itself changed, in which case next_run_at is cleared so Clock
// recomputes it from the new expression.
func UpsertCronFromSeed(ctx context.Context, tx *sql.Tx, name, schedule, timezone, chatID, prompt string) error {
	var id, existingSchedule string
	err := tx.QueryRowContext(ctx, `SELECT id, schedule FROM crons WHERE name = ? AND chat_id = ?;`, name, chatID).Scan(&id, &existingSchedule)
	switch {
	case err == sql.ErrNoRows:
		_, err := CreateCron(ctx, tx, name, schedule, timezone, chatID, prompt)
		return err
	case err != nil:
		return fmt.Errorf("check existing seeded cron: %w", err)
	}

	if existingSchedule != schedule {
		_, err = tx.ExecContext(ctx, `
			UPDATE crons SET schedule = ?, timezone = ?, prompt = ?, enabled = 1, next_run_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, schedule, timezone, prompt, id)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE crons SET timezone = ?, prompt = ?, enabled = 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, timezone, prompt, id)
	}
	if err != nil {
		return fmt.Errorf("update seeded cron: %w", err)
	}
	return nil
}

// CancelCronByName deletes a cron scoped to a chat, by name.
func CancelCronByName(ctx context.Context, tx *sql.Tx, name, chatID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM crons WHERE name = ? AND chat_id = ?;`, name, chatID)
	if err != nil {
		return false, fmt.Errorf("delete cron: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ActiveCronsForChat returns enabled crons for a chat.
func (s *Store) ActiveCronsForChat(ctx context.Context, chatID string) ([]Cron, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, schedule, timezone, chat_id, prompt, enabled, last_run_at, next_run_at, last_job_id, created_at, updated_at
		FROM crons WHERE chat_id = ? AND enabled = 1 ORDER BY created_at ASC;
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("select active crons: %w", err)
	}
	defer rows.Close()
	return scanCrons(rows)
}

// ClaimDueCrons claims up to limit crons that are enabled and due: either
// never scheduled (next_run_at IS NULL, the initialization path) or whose
// next_run_at has passed.
func (s *Store) ClaimDueCrons(ctx context.Context, limit int) ([]Cron, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, schedule, timezone, chat_id, prompt, enabled, last_run_at, next_run_at, last_job_id, created_at, updated_at
		FROM crons
		WHERE enabled = 1 AND (next_run_at IS NULL OR next_run_at <= CURRENT_TIMESTAMP)
		ORDER BY created_at ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select due crons: %w", err)
	}
	defer rows.Close()
	return scanCrons(rows)
}

// DisableCron sets enabled=false, used on auto-stop or invalid schedule.
func DisableCron(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE crons SET enabled = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("disable cron: %w", err)
	}
	return nil
}

// InitializeCronSchedule sets next_run_at without firing a job, the
// backfill path for crons created without a scheduled time.
func InitializeCronSchedule(ctx context.Context, tx *sql.Tx, id string, nextRunAt time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE crons SET next_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, nextRunAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("initialize cron schedule: %w", err)
	}
	return nil
}

// AdvanceCronAfterFire records a fired cron tick: last_run_at=now,
// next_run_at=computed, last_job_id=the new draft job.
func AdvanceCronAfterFire(ctx context.Context, tx *sql.Tx, id string, nextRunAt time.Time, jobID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE crons SET last_run_at = CURRENT_TIMESTAMP, next_run_at = ?, last_job_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, nextRunAt.UTC(), jobID, id)
	if err != nil {
		return fmt.Errorf("advance cron after fire: %w", err)
	}
	return nil
}

// CountCronFiredEvents counts `cron_fired` events for a given cron id, for
// the AUTO_STOP_AFTER=N marker check.
func CountCronFiredEvents(ctx context.Context, tx *sql.Tx, cronID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events WHERE source = 'clock' AND action = 'cron_fired'
			AND json_extract(payload, '$.cron_id') = ?;
	`, cronID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count cron fired events: %w", err)
	}
	return n, nil
}

func scanCrons(rows *sql.Rows) ([]Cron, error) {
	var out []Cron
	for rows.Next() {
		var c Cron
		var enabled int
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Schedule, &c.Timezone, &c.ChatID, &c.Prompt, &enabled,
			&c.LastRunAt, &c.NextRunAt, &c.LastJobID, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan cron: %w", err)
		}
		c.Enabled = enabled != 0
		out = append(out, c)
	}
	return out, rows.Err()
}
