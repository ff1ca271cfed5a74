// Package reply is the Reply worker (§4.7): rewrites and sanitizes each
// outbox row's content before Delivery ever sees it.
package reply

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/basket/kernel/internal/llm"
	"github.com/basket/kernel/internal/store"
)

const (
	claimLimit   = 10
	historyLimit = 10
)

// Worker runs the Reply tick.
type Worker struct {
	store   *store.Store
	llm     llm.Service
	skipLLM bool
	logger  *slog.Logger
}

func New(st *store.Store, svc llm.Service, skipLLM bool, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: st, llm: svc, skipLLM: skipLLM, logger: logger}
}

// Tick implements workerloop.Tick.
func (w *Worker) Tick(ctx context.Context) {
	rows, err := w.store.ClaimUnrewrittenOutbox(ctx, claimLimit)
	if err != nil {
		w.logger.Error("claim unrewritten outbox failed", "error", err)
		return
	}
	for _, row := range rows {
		if err := w.rewriteRow(ctx, row); err != nil {
			w.logger.Error("rewrite outbox row failed", "outbox_id", row.ID, "error", err)
		}
	}
}

func (w *Worker) rewriteRow(ctx context.Context, row store.Outbox) error {
	if !row.Content.Valid {
		return w.withTx(ctx, func(tx *sql.Tx) error {
			return store.MarkRewritten(ctx, tx, row.ID, sql.NullString{})
		})
	}

	if w.skipLLM || shouldSkipRewrite(row.Content.String) {
		sanitized := sanitize(row.Content.String)
		return w.withTx(ctx, func(tx *sql.Tx) error {
			return store.MarkRewritten(ctx, tx, row.ID, sql.NullString{String: sanitized, Valid: true})
		})
	}

	history, err := w.store.RecentChatContent(ctx, row.ChatID, historyLimit)
	if err != nil {
		return err
	}
	rewritten, err := w.llm.RewriteReply(ctx, row.Content.String, history)
	if err != nil {
		w.logger.Warn("rewrite_reply failed, sending sanitized original", "outbox_id", row.ID, "error", err)
		rewritten = row.Content.String
	}

	segments := splitSegments(sanitize(rewritten))
	return w.withTx(ctx, func(tx *sql.Tx) error {
		if err := store.MarkRewritten(ctx, tx, row.ID, sql.NullString{String: segments[0], Valid: true}); err != nil {
			return err
		}
		for _, seg := range segments[1:] {
			if _, err := store.InsertRewriteSplitRow(ctx, tx, row.ChatID, seg, row.TraceID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Worker) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := w.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}
