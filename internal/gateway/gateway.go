// Package gateway is the Gateway worker (§4.2): a typing-aware inbound
// batcher sitting directly on the chat transport. It buffers inbound
// messages per chat until the sender has stopped typing and gone quiet for
// a short idle window, then flushes the whole buffer into the store in one
// transaction sharing a single trace_id.
//
// Grounded on the teacher's mutex-guarded map pattern in
// internal/coordinator/waiter.go (WaitForAll's map+sync.Mutex), generalized
// from a results collector to a per-chat buffer collector, and on
// internal/workerloop for the flush loop itself.
package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/kernel/internal/config"
	"github.com/basket/kernel/internal/llm"
	"github.com/basket/kernel/internal/media"
	"github.com/basket/kernel/internal/shared"
	"github.com/basket/kernel/internal/store"
	"github.com/basket/kernel/internal/transport"
	"github.com/basket/kernel/internal/workerloop"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// statusBroadcastChat is the pseudo-chat WhatsApp uses for status updates;
// dropped per §6.1's inbound filter, case-insensitively.
const statusBroadcastChat = "status@broadcast"

// bufferedMessage is one inbound message waiting to be flushed.
type bufferedMessage struct {
	platformID string
	senderID   string
	content    string
	attachments []store.Attachment
}

// typingBuffer is one chat's pending inbound state.
type typingBuffer struct {
	messages         []bufferedMessage
	byPlatformID     map[string]int // platform_id -> index in messages
	isTyping         bool
	lastUserActivity time.Time
}

func newTypingBuffer() *typingBuffer {
	return &typingBuffer{byPlatformID: make(map[string]int)}
}

func (b *typingBuffer) upsert(msg bufferedMessage) {
	if idx, ok := b.byPlatformID[msg.platformID]; ok {
		b.messages[idx] = msg
		return
	}
	b.byPlatformID[msg.platformID] = len(b.messages)
	b.messages = append(b.messages, msg)
}

func (b *typingBuffer) readyToFlush(idleWindow time.Duration, now time.Time) bool {
	return len(b.messages) > 0 && !b.isTyping && now.Sub(b.lastUserActivity) >= idleWindow
}

// Worker runs the Gateway tick loop: buffering inbound chat activity and
// periodically flushing it into the store.
type Worker struct {
	store     *store.Store
	transport transport.Transport
	llm       llm.Service
	logger    *slog.Logger

	mediaDir   string
	idleWindow time.Duration

	mu      sync.Mutex
	buffers map[string]*typingBuffer
}

// New constructs a Gateway worker. idleWindowMS defaults to 5000 (§4.2).
func New(st *store.Store, tp transport.Transport, svc llm.Service, mediaDir string, idleWindowMS int, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:      st,
		transport:  tp,
		llm:        svc,
		logger:     logger,
		mediaDir:   mediaDir,
		idleWindow: config.Interval(idleWindowMS),
		buffers:    make(map[string]*typingBuffer),
	}
}

// Loop wraps Run in a workerloop.Loop at the configured poll interval. The
// worker also consumes the transport's inbound/typing channels on its own
// goroutines, started by Start. tracer and tickDuration are optional and
// may be nil when telemetry is disabled.
func (w *Worker) Loop(interval time.Duration, tracer trace.Tracer, tickDuration metric.Float64Histogram) *workerloop.Loop {
	return workerloop.New(workerloop.Config{
		Name:         "gateway",
		Logger:       w.logger,
		Interval:     interval,
		Tick:         w.flushTick,
		Tracer:       tracer,
		TickDuration: tickDuration,
	})
}

// Start launches the channel-consuming goroutines (inbound, typing) that
// feed the in-memory buffers; they run until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	go w.consumeInbound(ctx)
	go w.consumeTyping(ctx)
}

func (w *Worker) consumeInbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-w.transport.Inbound():
			if !ok {
				return
			}
			w.handleInbound(ctx, msg)
		}
	}
}

func (w *Worker) consumeTyping(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.transport.Typing():
			if !ok {
				return
			}
			w.handleTyping(ev)
		}
	}
}

// handleInbound applies §4.2's per-message buffering rule: filter, download
// attachments, upsert by platform_id, mark not-typing.
func (w *Worker) handleInbound(ctx context.Context, msg transport.InboundMessage) {
	if msg.IsFromMe {
		return
	}
	if strings.EqualFold(msg.ChatID, statusBroadcastChat) {
		return
	}

	atts := make([]store.Attachment, 0, len(msg.Attachments))
	for _, in := range msg.Attachments {
		dest := media.DestinationPath(w.mediaDir, msg.PlatformID, string(in.Kind), in.Mime)
		data, err := in.Download(ctx)
		if err != nil {
			w.logger.Warn("attachment download failed", "chat_id", msg.ChatID, "error", err)
			continue
		}
		if err := writeFile(dest, data); err != nil {
			w.logger.Warn("attachment write failed", "chat_id", msg.ChatID, "error", err)
			continue
		}
		atts = append(atts, store.Attachment{Kind: string(in.Kind), Path: dest, Mime: in.Mime, Name: in.Name})
	}

	w.mu.Lock()
	buf, ok := w.buffers[msg.ChatID]
	if !ok {
		buf = newTypingBuffer()
		w.buffers[msg.ChatID] = buf
	}
	buf.upsert(bufferedMessage{
		platformID:  msg.PlatformID,
		senderID:    msg.SenderID,
		content:     msg.Content,
		attachments: atts,
	})
	buf.isTyping = false
	buf.lastUserActivity = time.Now()
	w.mu.Unlock()
}

func (w *Worker) handleTyping(ev transport.TypingEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf, ok := w.buffers[ev.ChatID]
	if !ok {
		buf = newTypingBuffer()
		w.buffers[ev.ChatID] = buf
	}
	buf.isTyping = ev.State != transport.TypingIdle
	buf.lastUserActivity = time.Now()
}

// flushTick is the Gateway poll tick: flush every ready chat, then emit
// composing presence to chats with active work.
func (w *Worker) flushTick(ctx context.Context) {
	for chatID, msgs := range w.drainReady() {
		if err := w.flushChat(ctx, chatID, msgs); err != nil {
			w.logger.Error("flush chat failed", "chat_id", chatID, "error", err)
		}
	}
	w.emitComposingPresence(ctx)
}

// drainReady pops every chat buffer that satisfies ready-to-flush, clearing
// its message list under the lock, then releases the lock before any I/O.
func (w *Worker) drainReady() map[string][]bufferedMessage {
	now := time.Now()
	out := make(map[string][]bufferedMessage)

	w.mu.Lock()
	for chatID, buf := range w.buffers {
		if !buf.readyToFlush(w.idleWindow, now) {
			continue
		}
		out[chatID] = buf.messages
		buf.messages = nil
		buf.byPlatformID = make(map[string]int)
		if !buf.isTyping {
			delete(w.buffers, chatID)
		}
	}
	w.mu.Unlock()

	return out
}

func (w *Worker) flushChat(ctx context.Context, chatID string, msgs []bufferedMessage) error {
	traceID := shared.NewTraceID()
	db := w.store.DB()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		var embedding []float32
		if m.content != "" {
			if e, err := w.llm.EmbedText(ctx, m.content); err != nil {
				w.logger.Warn("embed text failed, storing null embedding", "chat_id", chatID, "error", err)
			} else {
				embedding = e
			}
		}
		row := store.Message{
			PlatformID:       m.platformID,
			PlatformChatID:   chatID,
			PlatformSenderID: m.senderID,
			Direction:        store.DirectionIn,
			Attachments:      m.attachments,
			Embedding:        embedding,
			TraceID:          traceID,
		}
		if m.content != "" {
			row.Content.Valid = true
			row.Content.String = m.content
		}
		if _, err := w.store.UpsertInboundMessage(ctx, tx, row); err != nil {
			return err
		}
	}

	if err := store.AppendEvent(ctx, tx, traceID, "gateway", "batch_received", map[string]any{
		"chat_id": chatID,
		"count":   len(msgs),
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// emitComposingPresence renders a typing indicator for every chat with
// active work (§4.2, last bullet).
func (w *Worker) emitComposingPresence(ctx context.Context) {
	chats, err := w.store.ChatsWithActiveWork(ctx)
	if err != nil {
		w.logger.Warn("list active-work chats failed", "error", err)
		return
	}
	for _, chatID := range chats {
		if err := w.transport.SetPresence(ctx, chatID, transport.TypingActive); err != nil {
			w.logger.Warn("set presence failed", "chat_id", chatID, "error", err)
		}
	}
}
