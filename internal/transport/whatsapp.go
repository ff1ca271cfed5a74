package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// statusBroadcastChatID is dropped unconditionally per §6.1's inbound filter.
const statusBroadcastChatID = "status@broadcast"

// slogWALogger adapts whatsmeow's logger interface to slog.
type slogWALogger struct {
	logger *slog.Logger
	module string
}

func (l slogWALogger) Errorf(msg string, args ...any) { l.logger.Error(fmt.Sprintf(msg, args...), "module", l.module) }
func (l slogWALogger) Warnf(msg string, args ...any)  { l.logger.Warn(fmt.Sprintf(msg, args...), "module", l.module) }
func (l slogWALogger) Infof(msg string, args ...any)  { l.logger.Info(fmt.Sprintf(msg, args...), "module", l.module) }
func (l slogWALogger) Debugf(msg string, args ...any) {}
func (l slogWALogger) Sub(module string) waLog.Logger { return slogWALogger{logger: l.logger, module: module} }

// waSender is the subset of *whatsmeow.Client this transport drives,
// narrowed to an interface so handleMessage/handleEvent/Send* can be
// exercised against a recording fake in tests.
type waSender interface {
	SendMessage(ctx context.Context, to types.JID, msg *waProto.Message) (whatsmeow.SendResponse, error)
	SendChatPresence(ctx context.Context, chat types.JID, state types.ChatPresence, media types.ChatPresenceMedia) error
	SendPresence(ctx context.Context, state types.Presence) error
	MarkRead(ctx context.Context, ids []types.MessageID, timestamp time.Time, chat, sender types.JID) error
	Upload(ctx context.Context, data []byte, mediaType whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
	Disconnect()
}

// WhatsAppTransport implements Transport over a whatsmeow session. The
// device must already be paired (see cmd/kerneld's onboarding path); this
// type does not surface QR pairing itself.
type WhatsAppTransport struct {
	client waSender
	logger *slog.Logger

	inbound   chan InboundMessage
	typing    chan TypingEvent
	lifecycle chan LifecycleEvent

	connectedMu sync.RWMutex
	connected   bool

	typingMu   sync.Mutex
	typingStop map[string]chan struct{}
}

// NewWhatsAppTransport opens the whatsmeow device store at dbPath and
// connects using the first (already-paired) device found.
func NewWhatsAppTransport(ctx context.Context, dbPath string, logger *slog.Logger) (*WhatsAppTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create whatsapp session directory: %w", err)
	}

	container, err := sqlstore.New(ctx, "sqlite3", "file:"+dbPath+"?_foreign_keys=on", slogWALogger{logger: logger, module: "store"})
	if err != nil {
		return nil, fmt.Errorf("open whatsapp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get whatsapp device: %w", err)
	}

	client := whatsmeow.NewClient(device, slogWALogger{logger: logger, module: "client"})
	if client.Store.ID == nil {
		return nil, fmt.Errorf("whatsapp device not paired; run the onboarding command first")
	}

	t := &WhatsAppTransport{
		client:     client,
		logger:     logger,
		inbound:    make(chan InboundMessage, 64),
		typing:     make(chan TypingEvent, 64),
		lifecycle:  make(chan LifecycleEvent, 16),
		typingStop: make(map[string]chan struct{}),
	}
	client.AddEventHandler(t.handleEvent)

	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("connect whatsapp client: %w", err)
	}

	go func() {
		<-ctx.Done()
		t.stopAllTyping()
		client.Disconnect()
	}()

	return t, nil
}

// newWhatsAppTransportForTest builds a transport around a caller-supplied
// waSender, bypassing device-store setup so handleMessage/handleEvent/Send*
// can be exercised against a recording fake.
func newWhatsAppTransportForTest(sender waSender, logger *slog.Logger) *WhatsAppTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsAppTransport{
		client:     sender,
		logger:     logger,
		inbound:    make(chan InboundMessage, 64),
		typing:     make(chan TypingEvent, 64),
		lifecycle:  make(chan LifecycleEvent, 16),
		typingStop: make(map[string]chan struct{}),
	}
}

func (t *WhatsAppTransport) Inbound() <-chan InboundMessage     { return t.inbound }
func (t *WhatsAppTransport) Typing() <-chan TypingEvent         { return t.typing }
func (t *WhatsAppTransport) Lifecycle() <-chan LifecycleEvent   { return t.lifecycle }

func (t *WhatsAppTransport) Connected() bool {
	t.connectedMu.RLock()
	defer t.connectedMu.RUnlock()
	return t.connected
}

func (t *WhatsAppTransport) setConnected(v bool) {
	t.connectedMu.Lock()
	t.connected = v
	t.connectedMu.Unlock()
}

func (t *WhatsAppTransport) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		t.setConnected(true)
		if err := t.client.SendPresence(context.Background(), types.PresenceAvailable); err != nil {
			t.logger.Warn("send available presence failed", "error", err)
		}
		t.emitLifecycle(LifecycleEvent{Kind: "connected"})
	case *events.LoggedOut:
		t.setConnected(false)
		t.emitLifecycle(LifecycleEvent{Kind: "logged_out", Note: v.Reason.String()})
	case *events.PairSuccess:
		t.emitLifecycle(LifecycleEvent{Kind: "pairing", Note: "success"})
	case *events.Message:
		t.handleMessage(v)
	}
}

func (t *WhatsAppTransport) emitLifecycle(ev LifecycleEvent) {
	select {
	case t.lifecycle <- ev:
	default:
	}
}

func (t *WhatsAppTransport) handleMessage(msg *events.Message) {
	if msg.Info.IsFromMe {
		return
	}
	chatID := msg.Info.Chat.String()
	if strings.EqualFold(chatID, statusBroadcastChatID) {
		return
	}

	content := ""
	if msg.Message.Conversation != nil {
		content = *msg.Message.Conversation
	} else if msg.Message.ExtendedTextMessage != nil && msg.Message.ExtendedTextMessage.Text != nil {
		content = *msg.Message.ExtendedTextMessage.Text
	}

	var attachments []InboundAttachment
	if img := msg.Message.ImageMessage; img != nil {
		if img.Caption != nil && content == "" {
			content = *img.Caption
		}
		attachments = append(attachments, t.inboundAttachment(AttachmentImage, img.GetMimetype(), "", msg))
	}
	if vid := msg.Message.VideoMessage; vid != nil {
		if vid.Caption != nil && content == "" {
			content = *vid.Caption
		}
		attachments = append(attachments, t.inboundAttachment(AttachmentVideo, vid.GetMimetype(), "", msg))
	}
	if aud := msg.Message.AudioMessage; aud != nil {
		attachments = append(attachments, t.inboundAttachment(AttachmentAudio, aud.GetMimetype(), "", msg))
	}
	if doc := msg.Message.DocumentMessage; doc != nil {
		if doc.Caption != nil && content == "" {
			content = *doc.Caption
		}
		name := ""
		if doc.FileName != nil {
			name = *doc.FileName
		}
		attachments = append(attachments, t.inboundAttachment(AttachmentDocument, doc.GetMimetype(), name, msg))
	}

	if content == "" && len(attachments) == 0 {
		return
	}

	_ = t.client.MarkRead(context.Background(), []types.MessageID{msg.Info.ID}, msg.Info.Timestamp, msg.Info.Chat, msg.Info.Sender)

	select {
	case t.inbound <- InboundMessage{
		PlatformID:  msg.Info.ID,
		ChatID:      chatID,
		SenderID:    msg.Info.Sender.User,
		IsFromMe:    false,
		Content:     strings.TrimSpace(content),
		Attachments: attachments,
		Timestamp:   msg.Info.Timestamp,
	}:
	default:
		t.logger.Warn("inbound channel full, dropping message", "platform_id", msg.Info.ID)
	}
}

func (t *WhatsAppTransport) inboundAttachment(kind AttachmentKind, mime, name string, msg *events.Message) InboundAttachment {
	return InboundAttachment{
		Kind: kind,
		Mime: mime,
		Name: name,
		Download: func(ctx context.Context) ([]byte, error) {
			return t.downloadMessageMedia(ctx, msg, kind)
		},
	}
}

func (t *WhatsAppTransport) downloadMessageMedia(ctx context.Context, msg *events.Message, kind AttachmentKind) ([]byte, error) {
	var downloadable whatsmeow.DownloadableMessage
	switch kind {
	case AttachmentImage:
		downloadable = msg.Message.ImageMessage
	case AttachmentVideo:
		downloadable = msg.Message.VideoMessage
	case AttachmentAudio:
		downloadable = msg.Message.AudioMessage
	case AttachmentDocument:
		downloadable = msg.Message.DocumentMessage
	default:
		return nil, fmt.Errorf("unsupported attachment kind %q", kind)
	}
	return t.client.Download(ctx, downloadable)
}

func (t *WhatsAppTransport) Download(ctx context.Context, att InboundAttachment) ([]byte, error) {
	if att.Download == nil {
		return nil, fmt.Errorf("attachment has no download function")
	}
	return att.Download(ctx)
}

func (t *WhatsAppTransport) SetPresence(ctx context.Context, chatID string, state TypingState) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", chatID, err)
	}
	switch state {
	case TypingActive:
		t.startTyping(jid, types.ChatPresenceMediaText)
		return nil
	case TypingAudio:
		t.startTyping(jid, types.ChatPresenceMediaAudio)
		return nil
	case TypingIdle:
		t.stopTyping(chatID)
		return nil
	default:
		return fmt.Errorf("unknown typing state %q", state)
	}
}

// startTyping begins (or restarts) a continuous composing presence for jid,
// auto-stopping after 5 minutes if never explicitly paused.
func (t *WhatsAppTransport) startTyping(jid types.JID, media types.ChatPresenceMedia) {
	key := jid.String()
	t.typingMu.Lock()
	if stop, ok := t.typingStop[key]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	t.typingStop[key] = stop
	t.typingMu.Unlock()

	go func() {
		_ = t.client.SendChatPresence(context.Background(), jid, types.ChatPresenceComposing, media)
		ticker := time.NewTicker(8 * time.Second)
		defer ticker.Stop()
		timeout := time.NewTimer(5 * time.Minute)
		defer timeout.Stop()
		for {
			select {
			case <-stop:
				_ = t.client.SendChatPresence(context.Background(), jid, types.ChatPresencePaused, media)
				return
			case <-timeout.C:
				return
			case <-ticker.C:
				_ = t.client.SendChatPresence(context.Background(), jid, types.ChatPresenceComposing, media)
			}
		}
	}()
}

func (t *WhatsAppTransport) stopTyping(chatID string) {
	t.typingMu.Lock()
	defer t.typingMu.Unlock()
	if stop, ok := t.typingStop[chatID]; ok {
		close(stop)
		delete(t.typingStop, chatID)
	}
}

func (t *WhatsAppTransport) stopAllTyping() {
	t.typingMu.Lock()
	defer t.typingMu.Unlock()
	for _, stop := range t.typingStop {
		close(stop)
	}
	t.typingStop = make(map[string]chan struct{})
}

func (t *WhatsAppTransport) SendText(ctx context.Context, chatID, text string) (string, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return "", fmt.Errorf("parse chat id %q: %w", chatID, err)
	}
	resp, err := t.client.SendMessage(ctx, jid, &waProto.Message{Conversation: &text})
	if err != nil {
		return "", fmt.Errorf("send text: %w", err)
	}
	return resp.ID, nil
}

func (t *WhatsAppTransport) SendAttachment(ctx context.Context, chatID string, attachment OutboundAttachment, caption string) (string, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return "", fmt.Errorf("parse chat id %q: %w", chatID, err)
	}
	data, err := os.ReadFile(attachment.Path)
	if err != nil {
		return "", fmt.Errorf("read attachment %s: %w", attachment.Path, err)
	}

	var mediaType whatsmeow.MediaType
	switch attachment.Kind {
	case AttachmentImage:
		mediaType = whatsmeow.MediaImage
	case AttachmentVideo:
		mediaType = whatsmeow.MediaVideo
	case AttachmentAudio:
		mediaType = whatsmeow.MediaAudio
	default:
		mediaType = whatsmeow.MediaDocument
	}

	uploaded, err := t.client.Upload(ctx, data, mediaType)
	if err != nil {
		return "", fmt.Errorf("upload attachment: %w", err)
	}

	waMsg := buildAttachmentMessage(attachment, uploaded, caption, mediaType)
	resp, err := t.client.SendMessage(ctx, jid, waMsg)
	if err != nil {
		return "", fmt.Errorf("send attachment: %w", err)
	}
	return resp.ID, nil
}

func buildAttachmentMessage(attachment OutboundAttachment, uploaded whatsmeow.UploadResponse, caption string, mediaType whatsmeow.MediaType) *waProto.Message {
	var captionPtr *string
	if caption != "" {
		captionPtr = &caption
	}
	switch mediaType {
	case whatsmeow.MediaImage:
		return &waProto.Message{ImageMessage: &waProto.ImageMessage{
			Caption: captionPtr, Mimetype: &attachment.Mime,
			URL: &uploaded.URL, DirectPath: &uploaded.DirectPath,
			MediaKey: uploaded.MediaKey, FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256: uploaded.FileSHA256, FileLength: &uploaded.FileLength,
		}}
	case whatsmeow.MediaVideo:
		return &waProto.Message{VideoMessage: &waProto.VideoMessage{
			Caption: captionPtr, Mimetype: &attachment.Mime,
			URL: &uploaded.URL, DirectPath: &uploaded.DirectPath,
			MediaKey: uploaded.MediaKey, FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256: uploaded.FileSHA256, FileLength: &uploaded.FileLength,
		}}
	case whatsmeow.MediaAudio:
		return &waProto.Message{AudioMessage: &waProto.AudioMessage{
			Mimetype: &attachment.Mime,
			URL:      &uploaded.URL, DirectPath: &uploaded.DirectPath,
			MediaKey: uploaded.MediaKey, FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256: uploaded.FileSHA256, FileLength: &uploaded.FileLength,
		}}
	default:
		name := attachment.Name
		return &waProto.Message{DocumentMessage: &waProto.DocumentMessage{
			Caption: captionPtr, Mimetype: &attachment.Mime, FileName: &name,
			URL: &uploaded.URL, DirectPath: &uploaded.DirectPath,
			MediaKey: uploaded.MediaKey, FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256: uploaded.FileSHA256, FileLength: &uploaded.FileLength,
		}}
	}
}

func (t *WhatsAppTransport) Close() error {
	t.stopAllTyping()
	t.client.Disconnect()
	return nil
}
