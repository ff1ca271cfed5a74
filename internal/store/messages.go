package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Attachment is the ordered {kind,path,mime,name} shape carried on Message
// and Outbox rows.
type Attachment struct {
	Kind string `json:"kind"` // "image","video","audio","document"
	Path string `json:"path"`
	Mime string `json:"mime"`
	Name string `json:"name"`
}

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

type Message struct {
	ID                    string
	PlatformID            string
	PlatformChatID        string
	PlatformSenderID      string
	Direction             Direction
	Content               sql.NullString
	Attachments           []Attachment
	ContentVersion        int
	AuditProcessedVersion int
	IsDeleted             bool
	Embedding             []float32
	ReplyToMessageID      sql.NullString
	JobID                 sql.NullString
	RoutedAt              sql.NullTime
	AuditProcessedAt      sql.NullTime
	TraceID               string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// UpsertInboundMessage is Gateway's buffer-flush write: insert-or-update by
// platform_id, bumping content_version only when content or attachments
// actually changed, and clearing is_deleted on any observed change.
func (s *Store) UpsertInboundMessage(ctx context.Context, tx *sql.Tx, m Message) (string, error) {
	attachmentsJSON, err := json.Marshal(m.Attachments)
	if err != nil {
		return "", fmt.Errorf("marshal attachments: %w", err)
	}
	embeddingBlob := encodeEmbedding(m.Embedding)

	var existingID, existingContent string
	var existingAttachments string
	err = tx.QueryRowContext(ctx, `
		SELECT id, COALESCE(content, ''), attachments FROM messages WHERE platform_id = ?;
	`, m.PlatformID).Scan(&existingID, &existingContent, &existingAttachments)
	if err == sql.ErrNoRows {
		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (
				id, platform_id, platform_chat_id, platform_sender_id, direction,
				content, attachments, content_version, embedding, trace_id, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, m.PlatformID, m.PlatformChatID, m.PlatformSenderID, string(m.Direction),
			nullableString(m.Content), string(attachmentsJSON), embeddingBlob, m.TraceID); err != nil {
			return "", fmt.Errorf("insert message: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup message by platform_id: %w", err)
	}

	newContent := ""
	if m.Content.Valid {
		newContent = m.Content.String
	}
	if newContent == existingContent && string(attachmentsJSON) == existingAttachments {
		return existingID, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET content = ?, attachments = ?, content_version = content_version + 1, embedding = ?, is_deleted = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, nullableString(m.Content), string(attachmentsJSON), embeddingBlob, existingID); err != nil {
		return "", fmt.Errorf("update message on edit: %w", err)
	}
	return existingID, nil
}

// ClaimUnroutedInbound claims up to limit inbound messages with
// direction='in' AND routed_at IS NULL, stamping routed_at so no other
// Triage tick can see them again. Callers still apply decisions for the
// returned rows inside the same transaction before committing.
func (s *Store) ClaimUnroutedInbound(ctx context.Context, limit int) ([]Message, error) {
	var out []Message
	err := retryOnBusy(ctx, 5, func() error {
		out = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, platform_id, platform_chat_id, platform_sender_id, direction,
				content, attachments, content_version, audit_processed_version, is_deleted,
				embedding, reply_to_message_id, job_id, routed_at, audit_processed_at, trace_id,
				created_at, updated_at
			FROM messages
			WHERE direction = 'in' AND routed_at IS NULL
			ORDER BY created_at ASC
			LIMIT ?;
		`, limit)
		if err != nil {
			return fmt.Errorf("select unrouted inbound: %w", err)
		}
		msgs, err := scanMessages(rows)
		rows.Close()
		if err != nil {
			return err
		}
		out = msgs
		return tx.Commit()
	})
	return out, err
}

// MarkRouted stamps routed_at=now() for the given message ids, inside the
// caller's transaction (part of Triage's decision-apply transaction).
func MarkRouted(ctx context.Context, tx *sql.Tx, ids []string) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET routed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("mark routed %s: %w", id, err)
		}
	}
	return nil
}

// RecentRoutedHistory returns the `limit` most recently routed messages for
// a chat, oldest first, for Triage's history context and Reply's tone history.
func (s *Store) RecentRoutedHistory(ctx context.Context, chatID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, platform_id, platform_chat_id, platform_sender_id, direction,
			content, attachments, content_version, audit_processed_version, is_deleted,
			embedding, reply_to_message_id, job_id, routed_at, audit_processed_at, trace_id,
			created_at, updated_at
		FROM messages
		WHERE platform_chat_id = ? AND routed_at IS NOT NULL
		ORDER BY created_at DESC
		LIMIT ?;
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent history: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// RecentChatContent returns the last `limit` message contents for a chat,
// most-recent-first as Context's "recent history" step needs.
func (s *Store) RecentChatContent(ctx context.Context, chatID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(content, '') FROM messages
		WHERE platform_chat_id = ?
		ORDER BY created_at DESC
		LIMIT ?;
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent chat content: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan recent content: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// VectorCandidate is a ranking candidate for RAG history selection.
type VectorCandidate struct {
	MessageID string
	Content   string
	Distance  float64
}

// RAGHistory ranks the most recent few hundred messages with a non-null
// embedding by cosine distance to queryEmbedding, excluding any id in
// exclude, and returns the top `limit`. This is the in-Go substitute for
// `ORDER BY embedding <=> $1::vector` (no pgvector on SQLite; see
// SPEC_FULL.md §D).
func (s *Store) RAGHistory(ctx context.Context, chatID string, queryEmbedding []float32, exclude map[string]bool, limit int) ([]VectorCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(content, ''), embedding FROM messages
		WHERE platform_chat_id = ? AND content IS NOT NULL AND embedding IS NOT NULL
		ORDER BY created_at DESC
		LIMIT 300;
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("select embedding candidates: %w", err)
	}
	defer rows.Close()

	var candidates []VectorCandidate
	for rows.Next() {
		var id, content string
		var blob []byte
		if err := rows.Scan(&id, &content, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding candidate: %w", err)
		}
		if exclude[id] {
			continue
		}
		emb := decodeEmbedding(blob)
		candidates = append(candidates, VectorCandidate{
			MessageID: id,
			Content:   content,
			Distance:  cosineDistance(queryEmbedding, emb),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Distance < candidates[j].Distance })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// MarkMessageDeleted soft-deletes a message by platform_id (deletion is
// never a row delete, per the Message type's own invariant). Called from
// the transport's deletion/revocation signal once that signal is wired up;
// Audit only ever observes the flag, never sets it.
func MarkMessageDeleted(ctx context.Context, tx *sql.Tx, platformID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE messages SET is_deleted = 1, updated_at = CURRENT_TIMESTAMP WHERE platform_id = ?;
	`, platformID)
	if err != nil {
		return fmt.Errorf("mark message deleted: %w", err)
	}
	return nil
}

// ClaimDirtyForAudit claims up to limit messages whose audit_processed_version
// trails content_version, or that are soft-deleted and unprocessed.
func (s *Store) ClaimDirtyForAudit(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, platform_id, platform_chat_id, platform_sender_id, direction,
			content, attachments, content_version, audit_processed_version, is_deleted,
			embedding, reply_to_message_id, job_id, routed_at, audit_processed_at, trace_id,
			created_at, updated_at
		FROM messages
		WHERE audit_processed_version < content_version
			OR (is_deleted = 1 AND audit_processed_at IS NULL)
		ORDER BY created_at ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select dirty for audit: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkAuditProcessed advances the audit watermark for a message inside the
// caller's transaction.
func MarkAuditProcessed(ctx context.Context, tx *sql.Tx, messageID string, version int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE messages SET audit_processed_at = CURRENT_TIMESTAMP, audit_processed_version = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, version, messageID)
	if err != nil {
		return fmt.Errorf("mark audit processed: %w", err)
	}
	return nil
}

// InsertOutboundMessage records a preempted outbound Message row before
// Delivery attempts to send (§4.8 step 1), so the audit trail exists even
// if the send fails. platform_id is a temporary placeholder until the
// transport returns a real one (see UpdateOutboundPlatformID).
func (s *Store) InsertOutboundMessage(ctx context.Context, tx *sql.Tx, chatID, traceID string, content sql.NullString, attachments []Attachment, replyToMessageID sql.NullString) (string, error) {
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return "", fmt.Errorf("marshal attachments: %w", err)
	}
	id := uuid.NewString()
	placeholderPlatformID := "pending-" + id
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, platform_id, platform_chat_id, platform_sender_id, direction,
			content, attachments, content_version, reply_to_message_id, trace_id, created_at, updated_at
		) VALUES (?, ?, ?, '', 'out', ?, ?, 1, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, id, placeholderPlatformID, chatID, nullableString(content), string(attachmentsJSON), nullableString(replyToMessageID), traceID); err != nil {
		return "", fmt.Errorf("insert outbound message: %w", err)
	}
	return id, nil
}

// UpdateOutboundPlatformID replaces the placeholder platform_id once the
// transport returns the real sent-message id.
func UpdateOutboundPlatformID(ctx context.Context, tx *sql.Tx, messageID, platformID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE messages SET platform_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, platformID, messageID)
	if err != nil {
		return fmt.Errorf("update outbound platform id: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var attachmentsJSON string
		var embeddingBlob []byte
		var direction string
		if err := rows.Scan(
			&m.ID, &m.PlatformID, &m.PlatformChatID, &m.PlatformSenderID, &direction,
			&m.Content, &attachmentsJSON, &m.ContentVersion, &m.AuditProcessedVersion, &m.IsDeleted,
			&embeddingBlob, &m.ReplyToMessageID, &m.JobID, &m.RoutedAt, &m.AuditProcessedAt, &m.TraceID,
			&m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Direction = Direction(direction)
		if attachmentsJSON != "" {
			if err := json.Unmarshal([]byte(attachmentsJSON), &m.Attachments); err != nil {
				return nil, fmt.Errorf("unmarshal attachments: %w", err)
			}
		}
		m.Embedding = decodeEmbedding(embeddingBlob)
		out = append(out, m)
	}
	return out, rows.Err()
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func nullableString(ns sql.NullString) any {
	if !ns.Valid {
		return nil
	}
	return ns.String
}

func encodeEmbedding(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out
}

func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return math.MaxFloat64
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return math.MaxFloat64
	}
	cosine := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return 1 - cosine
}
