// Package delivery is the Delivery worker (§4.8): sends rewritten outbox
// rows to the chat transport and records the result.
package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	kernelotel "github.com/basket/kernel/internal/otel"
	"github.com/basket/kernel/internal/store"
	"github.com/basket/kernel/internal/transport"
)

const (
	claimLimit  = 20
	maxAttempts = 5
)

// Worker runs the Delivery tick.
type Worker struct {
	store     *store.Store
	transport transport.Transport
	fakeSend  bool
	tracer    trace.Tracer
	metrics   *kernelotel.Metrics
	logger    *slog.Logger
}

// New constructs a Delivery worker. tracer and metrics are optional; nil
// skips instrumentation at zero cost.
func New(st *store.Store, tp transport.Transport, fakeSend bool, tracer trace.Tracer, metrics *kernelotel.Metrics, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: st, transport: tp, fakeSend: fakeSend, tracer: tracer, metrics: metrics, logger: logger}
}

// Tick implements workerloop.Tick.
func (w *Worker) Tick(ctx context.Context) {
	if !w.transport.Connected() && !w.fakeSend {
		return
	}
	rows, err := w.store.ClaimDeliverableOutbox(ctx, claimLimit, maxAttempts)
	if err != nil {
		w.logger.Error("claim deliverable outbox failed", "error", err)
		return
	}
	for _, row := range rows {
		if err := w.deliverRow(ctx, row); err != nil {
			w.logger.Error("deliver outbox row failed", "outbox_id", row.ID, "error", err)
		}
	}
}

func (w *Worker) deliverRow(ctx context.Context, row store.Outbox) error {
	tx, err := w.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var content sql.NullString
	if row.Content.Valid {
		content = row.Content
	}
	msgID, err := w.store.InsertOutboundMessage(ctx, tx, row.ChatID, row.TraceID, content, row.Attachments, sql.NullString{})
	if err != nil {
		return err
	}

	sendCtx := ctx
	var span trace.Span
	if w.tracer != nil {
		sendCtx, span = kernelotel.StartClientSpan(ctx, w.tracer, "delivery.send", kernelotel.AttrChatID.String(row.ChatID))
	}
	start := time.Now()
	platformID, sendErr := w.send(sendCtx, row)
	if w.metrics != nil && w.metrics.DeliverySendDuration != nil {
		w.metrics.DeliverySendDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(kernelotel.AttrChatID.String(row.ChatID)))
	}
	if span != nil {
		span.End()
	}
	if sendErr != nil {
		if w.metrics != nil && w.metrics.DeliverySendErrors != nil {
			w.metrics.DeliverySendErrors.Add(ctx, 1)
		}
		if err := store.MarkDeliveryFailed(ctx, tx, row.ID, sendErr.Error()); err != nil {
			return err
		}
		if err := store.AppendEvent(ctx, tx, row.TraceID, "delivery", "send_failed", map[string]any{
			"outbox_id": row.ID,
			"error":     sendErr.Error(),
		}); err != nil {
			return err
		}
		return tx.Commit()
	}

	if err := store.UpdateOutboundPlatformID(ctx, tx, msgID, platformID); err != nil {
		return err
	}
	if err := store.MarkDelivered(ctx, tx, row.ID); err != nil {
		return err
	}
	if err := store.AppendEvent(ctx, tx, row.TraceID, "delivery", "message_sent", map[string]any{
		"outbox_id": row.ID,
		"message_id": msgID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// send implements §4.8 step 2: composing presence, attachments in order
// (the first image/video/document attachment consumes the row's text as a
// caption; audio and later attachments never do), then any remaining plain
// text, then paused presence. Returns the platform id of the last message
// sent.
func (w *Worker) send(ctx context.Context, row store.Outbox) (string, error) {
	if err := w.transport.SetPresence(ctx, row.ChatID, transport.TypingActive); err != nil {
		w.logger.Warn("set composing presence failed", "chat_id", row.ChatID, "error", err)
	}
	defer func() {
		if err := w.transport.SetPresence(ctx, row.ChatID, transport.TypingIdle); err != nil {
			w.logger.Warn("set paused presence failed", "chat_id", row.ChatID, "error", err)
		}
	}()

	text := ""
	if row.Content.Valid {
		text = row.Content.String
	}
	captionConsumed := false
	var lastPlatformID string

	for _, att := range row.Attachments {
		caption := ""
		kind := transport.AttachmentKind(att.Kind)
		if !captionConsumed && text != "" && (kind == transport.AttachmentImage || kind == transport.AttachmentVideo || kind == transport.AttachmentDocument) {
			caption = text
			captionConsumed = true
		}
		id, err := w.transport.SendAttachment(ctx, row.ChatID, transport.OutboundAttachment{
			Kind: kind,
			Path: att.Path,
			Mime: att.Mime,
			Name: att.Name,
		}, caption)
		if err != nil {
			return "", fmt.Errorf("send attachment %s: %w", att.Path, err)
		}
		lastPlatformID = id
	}

	if text != "" && !captionConsumed {
		id, err := w.transport.SendText(ctx, row.ChatID, text)
		if err != nil {
			return "", fmt.Errorf("send text: %w", err)
		}
		lastPlatformID = id
	}

	return lastPlatformID, nil
}
