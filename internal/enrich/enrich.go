// Package enrich is the Context worker (§4.4): expands a draft job's raw
// prompt with chat history and attachment content before handing it to
// Runtime. Named "enrich" rather than "context" to avoid colliding with
// Go's context package at the import site of every caller.
package enrich

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/kernel/internal/llm"
	"github.com/basket/kernel/internal/media"
	"github.com/basket/kernel/internal/store"
	"github.com/basket/kernel/internal/tokenutil"
)

const (
	claimLimit  = 10
	recentLimit = 50
	ragLimit    = 10

	// maxHistoryTokens bounds the combined recent+RAG history handed to
	// EnrichJob so a long-lived chat's full backlog never blows the
	// model's context window; history is dropped oldest-appended-first
	// once the running estimate crosses this.
	maxHistoryTokens = 6000
)

// Worker runs the Context tick.
type Worker struct {
	store  *store.Store
	llm    llm.Service
	prep   media.Preprocessor // may be nil; InlineAttachmentContent degrades gracefully
	logger *slog.Logger
}

func New(st *store.Store, svc llm.Service, prep media.Preprocessor, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: st, llm: svc, prep: prep, logger: logger}
}

func (w *Worker) Tick(ctx context.Context) {
	jobs, err := w.store.ClaimDraftJobs(ctx, claimLimit)
	if err != nil {
		w.logger.Error("claim draft jobs failed", "error", err)
		return
	}
	for _, job := range jobs {
		if err := w.enrichJob(ctx, job); err != nil {
			w.logger.Error("enrich job failed", "job_id", job.ID, "error", err)
		}
	}
}

func (w *Worker) enrichJob(ctx context.Context, job store.Job) error {
	queryEmbedding, err := w.llm.EmbedText(ctx, job.Prompt)
	if err != nil {
		w.logger.Warn("embed prompt failed, skipping RAG ranking", "job_id", job.ID, "error", err)
	}

	recent, err := w.store.RecentChatContent(ctx, job.ChatID, recentLimit)
	if err != nil {
		return err
	}

	exclude := make(map[string]bool, len(job.SourceIDs))
	for _, id := range job.SourceIDs {
		exclude[id] = true
	}
	var rag []store.VectorCandidate
	if len(queryEmbedding) > 0 {
		rag, err = w.store.RAGHistory(ctx, job.ChatID, queryEmbedding, exclude, ragLimit)
		if err != nil {
			return err
		}
	}

	history := mergeHistory(recent, rag)

	promptWithAttachments := job.Prompt + w.attachmentBlock(ctx, job)

	enriched, err := w.llm.EnrichJob(ctx, job.ID, promptWithAttachments, history)
	if err != nil {
		return fmt.Errorf("enrich_job rpc: %w", err)
	}

	_, err = w.store.EnrichJob(ctx, job.ID, enriched, job.TraceID)
	return err
}

// mergeHistory implements §4.4 step 4: recent first, then RAG items not
// already present, order preserved, capped to maxHistoryTokens so a
// chat with a long backlog doesn't silently exceed the model's context
// window.
func mergeHistory(recent []string, rag []store.VectorCandidate) []string {
	seen := make(map[string]bool, len(recent))
	out := make([]string, 0, len(recent)+len(rag))
	budget := maxHistoryTokens

	for _, c := range recent {
		if n := tokenutil.EstimateTokens(c); n > budget {
			break
		} else {
			budget -= n
		}
		out = append(out, c)
		seen[c] = true
	}
	for _, r := range rag {
		if seen[r.Content] {
			continue
		}
		if n := tokenutil.EstimateTokens(r.Content); n > budget {
			continue
		} else {
			budget -= n
		}
		out = append(out, r.Content)
		seen[r.Content] = true
	}
	return out
}

// attachmentBlock implements §4.4 step 5: collect attachment contents from
// the job's source messages and append as a trailing block.
func (w *Worker) attachmentBlock(ctx context.Context, job store.Job) string {
	atts := w.sourceAttachments(ctx, job.SourceIDs)
	if len(atts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nAttachments:\n")
	for _, a := range atts {
		b.WriteString("- ")
		b.WriteString(media.InlineAttachmentContent(ctx, a, w.prep, job.Prompt))
		b.WriteString("\n")
	}
	return b.String()
}

func (w *Worker) sourceAttachments(ctx context.Context, sourceIDs []string) []store.Attachment {
	var out []store.Attachment
	for _, id := range sourceIDs {
		m, err := w.messageByID(ctx, id)
		if err != nil || m == nil {
			continue
		}
		out = append(out, m.Attachments...)
	}
	return out
}

// messageByID is a small direct lookup; Context is the only worker that
// needs a single message by internal id rather than a claim/batch query, so
// it queries the shared *sql.DB directly instead of growing store's public
// surface for a one-off.
func (w *Worker) messageByID(ctx context.Context, id string) (*store.Message, error) {
	row := w.store.DB().QueryRowContext(ctx, `
		SELECT id, platform_id, platform_chat_id, platform_sender_id, direction,
			content, attachments, content_version, audit_processed_version, is_deleted,
			embedding, reply_to_message_id, job_id, routed_at, audit_processed_at, trace_id,
			created_at, updated_at
		FROM messages WHERE id = ?;
	`, id)
	var m store.Message
	var attachmentsJSON string
	var embeddingBlob []byte
	var direction string
	if err := row.Scan(
		&m.ID, &m.PlatformID, &m.PlatformChatID, &m.PlatformSenderID, &direction,
		&m.Content, &attachmentsJSON, &m.ContentVersion, &m.AuditProcessedVersion, &m.IsDeleted,
		&embeddingBlob, &m.ReplyToMessageID, &m.JobID, &m.RoutedAt, &m.AuditProcessedAt, &m.TraceID,
		&m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	m.Direction = store.Direction(direction)
	if attachmentsJSON != "" {
		_ = json.Unmarshal([]byte(attachmentsJSON), &m.Attachments)
	}
	return &m, nil
}
