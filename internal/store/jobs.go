package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobKind string

const (
	JobKindAction   JobKind = "action"
	JobKindChat     JobKind = "chat"
	JobKindSchedule JobKind = "schedule"
)

type JobStatus string

const (
	JobStatusDraft     JobStatus = "draft"
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusDone      JobStatus = "done"
	JobStatusFailed    JobStatus = "failed"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCancelled JobStatus = "cancelled"
)

// ActiveJobStatuses are the non-terminal states Triage and Audit consider
// "in flight" when deciding whether a job still owns its source messages.
var ActiveJobStatuses = []JobStatus{JobStatusDraft, JobStatusPending, JobStatusRunning, JobStatusPaused}

type Job struct {
	ID               string
	Kind             JobKind
	ChatID           string
	Status           JobStatus
	Prompt           string
	EnrichedPrompt   sql.NullString
	SourceIDs        []string
	ResumeInput      sql.NullString
	Output           sql.NullString
	Error            sql.NullString
	CancelReason     sql.NullString
	QuestionPending  sql.NullString
	RunHandle        sql.NullString
	TraceID          string
	StartedAt        sql.NullTime
	FinishedAt       sql.NullTime
	LastHeartbeatAt  sql.NullTime
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CreateDraftJob inserts a new draft job inside the caller's transaction,
// used by Triage (CreateJob decision), Clock (cron fire), and Audit
// (re-draft after edit).
func CreateDraftJob(ctx context.Context, tx *sql.Tx, kind JobKind, chatID, prompt, traceID string, sourceIDs []string) (string, error) {
	sourceJSON, err := json.Marshal(sourceIDs)
	if err != nil {
		return "", fmt.Errorf("marshal source ids: %w", err)
	}
	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, chat_id, status, prompt, source_ids, trace_id, created_at, updated_at)
		VALUES (?, ?, ?, 'draft', ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, id, string(kind), chatID, prompt, string(sourceJSON), traceID); err != nil {
		return "", fmt.Errorf("insert draft job: %w", err)
	}
	return id, nil
}

// ActiveJobsForChat returns jobs in {draft,pending,running,paused} for a chat.
func (s *Store) ActiveJobsForChat(ctx context.Context, chatID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, chat_id, status, prompt, enriched_prompt, source_ids, resume_input,
			output, error, cancel_reason, question_pending, run_handle, trace_id,
			started_at, finished_at, last_heartbeat_at, created_at, updated_at
		FROM jobs
		WHERE chat_id = ? AND status IN ('draft','pending','running','paused')
		ORDER BY created_at ASC;
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("select active jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ClaimDraftJobs claims up to limit jobs with status='draft' for Context to
// enrich. Claiming here means reading them; the transition to pending is
// applied per-row, guarded by status='draft', once enrichment succeeds.
func (s *Store) ClaimDraftJobs(ctx context.Context, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, chat_id, status, prompt, enriched_prompt, source_ids, resume_input,
			output, error, cancel_reason, question_pending, run_handle, trace_id,
			started_at, finished_at, last_heartbeat_at, created_at, updated_at
		FROM jobs
		WHERE status = 'draft'
		ORDER BY created_at ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select draft jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// EnrichJob transitions draft -> pending with the enriched prompt, guarded
// by status='draft' so a job enriched twice (e.g. after a crash mid-tick)
// only ever applies the first writer's result.
func (s *Store) EnrichJob(ctx context.Context, jobID, enrichedPrompt, traceID string) (bool, error) {
	var applied bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enrich tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', enriched_prompt = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'draft';
		`, enrichedPrompt, jobID)
		if err != nil {
			return fmt.Errorf("update job enriched: %w", err)
		}
		n, _ := res.RowsAffected()
		applied = n > 0
		if applied {
			if err := AppendEvent(ctx, tx, traceID, "context", "job_enriched", map[string]any{"job_id": jobID}); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	return applied, err
}

// ClaimPendingJobsNotActive claims up to limit jobs with status='pending'
// whose id is not already in the caller's activeRuns set, for Runtime's
// start-pending step.
func (s *Store) ClaimPendingJobsNotActive(ctx context.Context, limit int, activeRuns map[string]bool) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, chat_id, status, prompt, enriched_prompt, source_ids, resume_input,
			output, error, cancel_reason, question_pending, run_handle, trace_id,
			started_at, finished_at, last_heartbeat_at, created_at, updated_at
		FROM jobs
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT ?;
	`, limit*2) // over-fetch since some will be filtered by activeRuns client-side
	if err != nil {
		return nil, fmt.Errorf("select pending jobs: %w", err)
	}
	defer rows.Close()
	all, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	var out []Job
	for _, j := range all {
		if activeRuns[j.ID] {
			continue
		}
		out = append(out, j)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// StartJob transitions pending -> running, guarded by status='pending'.
func (s *Store) StartJob(ctx context.Context, jobID, runHandle, traceID string) (bool, error) {
	var applied bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'running', run_handle = ?, started_at = CURRENT_TIMESTAMP,
				last_heartbeat_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'pending';
		`, runHandle, jobID)
		if err != nil {
			return fmt.Errorf("update job started: %w", err)
		}
		n, _ := res.RowsAffected()
		applied = n > 0
		if applied {
			if err := AppendEvent(ctx, tx, traceID, "runtime", "job_started", map[string]any{"job_id": jobID, "run_handle": runHandle}); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	return applied, err
}

// HeartbeatJob bumps last_heartbeat_at for a live job on every poll.
func (s *Store) HeartbeatJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET last_heartbeat_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, jobID)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	return nil
}

// PauseJobForQuestion transitions running -> paused on an AskUser event.
func (s *Store) PauseJobForQuestion(ctx context.Context, tx *sql.Tx, jobID, question string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'paused', question_pending = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'running';
	`, question, jobID)
	if err != nil {
		return fmt.Errorf("pause job: %w", err)
	}
	return nil
}

// CompleteJob transitions running -> done.
func (s *Store) CompleteJob(ctx context.Context, tx *sql.Tx, jobID, output string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'done', output = ?, finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'running';
	`, output, jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// FailJob transitions running -> failed.
func (s *Store) FailJob(ctx context.Context, tx *sql.Tx, jobID, errMsg string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', error = ?, finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'running';
	`, errMsg, jobID)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// ResumeJob transitions paused -> pending, guarded by status='paused'.
func ResumeJob(ctx context.Context, tx *sql.Tx, jobID, resumeInput string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', resume_input = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'paused';
	`, resumeInput, jobID)
	if err != nil {
		return false, fmt.Errorf("resume job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelJob sets status=cancelled guarded by an active status, used by
// Triage, Dashboard (external), and Audit.
func CancelJob(ctx context.Context, tx *sql.Tx, jobID, reason string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'cancelled', cancel_reason = ?, finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN ('draft','pending','running','paused');
	`, reason, jobID)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// JobsWithSourceIDInActiveStatus finds active jobs that listed messageID in
// source_ids, for Audit's cascade-cancel step. SQLite has no JSON-array
// containment index, so this scans active jobs and filters in Go; the
// active set is small (bounded by in-flight work).
func (s *Store) JobsWithSourceIDInActiveStatus(ctx context.Context, messageID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, chat_id, status, prompt, enriched_prompt, source_ids, resume_input,
			output, error, cancel_reason, question_pending, run_handle, trace_id,
			started_at, finished_at, last_heartbeat_at, created_at, updated_at
		FROM jobs
		WHERE status IN ('draft','pending','running','paused');
	`)
	if err != nil {
		return nil, fmt.Errorf("select active jobs: %w", err)
	}
	defer rows.Close()
	all, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	var out []Job
	for _, j := range all {
		for _, id := range j.SourceIDs {
			if id == messageID {
				out = append(out, j)
				break
			}
		}
	}
	return out, nil
}

// OrphanedRunningJobs finds up to limit jobs with status='running' whose
// heartbeat is older than olderThan, for Runtime's orphan recovery step.
func (s *Store) OrphanedRunningJobs(ctx context.Context, olderThan time.Duration, limit int) ([]Job, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, chat_id, status, prompt, enriched_prompt, source_ids, resume_input,
			output, error, cancel_reason, question_pending, run_handle, trace_id,
			started_at, finished_at, last_heartbeat_at, created_at, updated_at
		FROM jobs
		WHERE status = 'running' AND last_heartbeat_at < ?
		ORDER BY last_heartbeat_at ASC
		LIMIT ?;
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select orphaned jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// RequeueOrphan transitions running -> pending and clears the heartbeat.
func (s *Store) RequeueOrphan(ctx context.Context, tx *sql.Tx, jobID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', last_heartbeat_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'running';
	`, jobID)
	if err != nil {
		return fmt.Errorf("requeue orphan: %w", err)
	}
	return nil
}

// JobByID fetches a single job by id.
func (s *Store) JobByID(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, chat_id, status, prompt, enriched_prompt, source_ids, resume_input,
			output, error, cancel_reason, question_pending, run_handle, trace_id,
			started_at, finished_at, last_heartbeat_at, created_at, updated_at
		FROM jobs WHERE id = ?;
	`, id)
	j, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		var j Job
		var sourceJSON string
		if err := rows.Scan(
			&j.ID, &j.Kind, &j.ChatID, &j.Status, &j.Prompt, &j.EnrichedPrompt, &sourceJSON, &j.ResumeInput,
			&j.Output, &j.Error, &j.CancelReason, &j.QuestionPending, &j.RunHandle, &j.TraceID,
			&j.StartedAt, &j.FinishedAt, &j.LastHeartbeatAt, &j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if sourceJSON != "" {
			_ = json.Unmarshal([]byte(sourceJSON), &j.SourceIDs)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJobRow(row *sql.Row) (*Job, error) {
	var j Job
	var sourceJSON string
	if err := row.Scan(
		&j.ID, &j.Kind, &j.ChatID, &j.Status, &j.Prompt, &j.EnrichedPrompt, &sourceJSON, &j.ResumeInput,
		&j.Output, &j.Error, &j.CancelReason, &j.QuestionPending, &j.RunHandle, &j.TraceID,
		&j.StartedAt, &j.FinishedAt, &j.LastHeartbeatAt, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if sourceJSON != "" {
		_ = json.Unmarshal([]byte(sourceJSON), &j.SourceIDs)
	}
	return &j, nil
}
