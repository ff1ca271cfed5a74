// Package audit is the Audit worker (§4.9): the idempotence mechanism for
// edits and deletes arriving after a message has already been routed. It
// cascade-cancels any job still working off a message's stale content.
package audit

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/basket/kernel/internal/shared"
	"github.com/basket/kernel/internal/store"
)

const claimLimit = 20

// Worker runs the Audit tick.
type Worker struct {
	store  *store.Store
	logger *slog.Logger
}

func New(st *store.Store, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: st, logger: logger}
}

// Tick implements workerloop.Tick.
func (w *Worker) Tick(ctx context.Context) {
	msgs, err := w.store.ClaimDirtyForAudit(ctx, claimLimit)
	if err != nil {
		w.logger.Error("claim dirty for audit failed", "error", err)
		return
	}
	for _, m := range msgs {
		if err := w.processMessage(ctx, m); err != nil {
			w.logger.Error("process audit message failed", "message_id", m.ID, "error", err)
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, m store.Message) error {
	linkedJobs, err := w.store.JobsWithSourceIDInActiveStatus(ctx, m.ID)
	if err != nil {
		return err
	}

	traceID := shared.NewTraceID()
	reason := "source message edited"
	if m.IsDeleted {
		reason = "source message deleted"
	}

	tx, err := w.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, job := range linkedJobs {
		cancelled, err := store.CancelJob(ctx, tx, job.ID, reason)
		if err != nil {
			return err
		}
		if !cancelled {
			continue
		}
		if _, err := store.InsertOutboxRow(ctx, tx, job.ChatID, nullString("task cancelled: "+reason), nil, nullableJobID(job.ID), traceID); err != nil {
			return err
		}
		if err := store.AppendEvent(ctx, tx, traceID, "audit", "job_cancelled", map[string]any{
			"job_id":     job.ID,
			"message_id": m.ID,
			"reason":     reason,
		}); err != nil {
			return err
		}
	}

	if !m.IsDeleted && m.Content.Valid && len(linkedJobs) > 0 {
		jobID, err := store.CreateDraftJob(ctx, tx, store.JobKindChat, m.PlatformChatID, m.Content.String, traceID, []string{m.ID})
		if err != nil {
			return err
		}
		if err := store.AppendEvent(ctx, tx, traceID, "audit", "job_recreated", map[string]any{
			"job_id":     jobID,
			"message_id": m.ID,
		}); err != nil {
			return err
		}
	}

	if err := store.MarkAuditProcessed(ctx, tx, m.ID, m.ContentVersion); err != nil {
		return err
	}

	return tx.Commit()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableJobID(id string) sql.NullString {
	return sql.NullString{String: id, Valid: id != ""}
}
