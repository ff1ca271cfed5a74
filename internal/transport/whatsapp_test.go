package transport

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// mockWASender records every outbound call so handleMessage/handleEvent/
// Send* can be asserted against without a live whatsmeow connection.
type mockWASender struct {
	mu sync.Mutex

	sent []struct {
		to  types.JID
		msg *waProto.Message
	}
	chatPresences []struct {
		chat  types.JID
		state types.ChatPresence
	}
	markedRead  []types.MessageID
	presences   []types.Presence
	disconnects int
	uploaded    []byte
	downloaded  []byte
	sendErr     error
}

func (m *mockWASender) SendMessage(_ context.Context, to types.JID, msg *waProto.Message) (whatsmeow.SendResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, struct {
		to  types.JID
		msg *waProto.Message
	}{to, msg})
	if m.sendErr != nil {
		return whatsmeow.SendResponse{}, m.sendErr
	}
	return whatsmeow.SendResponse{ID: "sent-1"}, nil
}

func (m *mockWASender) SendChatPresence(_ context.Context, chat types.JID, state types.ChatPresence, _ types.ChatPresenceMedia) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chatPresences = append(m.chatPresences, struct {
		chat  types.JID
		state types.ChatPresence
	}{chat, state})
	return nil
}

func (m *mockWASender) SendPresence(_ context.Context, state types.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presences = append(m.presences, state)
	return nil
}

func (m *mockWASender) MarkRead(_ context.Context, ids []types.MessageID, _ time.Time, _, _ types.JID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markedRead = append(m.markedRead, ids...)
	return nil
}

func (m *mockWASender) Upload(_ context.Context, data []byte, _ whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploaded = data
	return whatsmeow.UploadResponse{URL: "https://example/media", DirectPath: "/media"}, nil
}

func (m *mockWASender) Download(_ context.Context, _ whatsmeow.DownloadableMessage) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloaded, nil
}

func (m *mockWASender) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
}

func (m *mockWASender) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// makeWAMessage builds a minimal *events.Message for tests, mirroring the
// shape whatsmeow delivers through AddEventHandler.
func makeWAMessage(senderUser string, isFromMe, isGroup bool, chatUser, text string) *events.Message {
	sender := types.JID{User: senderUser, Server: "s.whatsapp.net"}
	chat := sender
	if chatUser != "" {
		chat = types.JID{User: chatUser, Server: "s.whatsapp.net"}
	}
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:     chat,
				Sender:   sender,
				IsFromMe: isFromMe,
				IsGroup:  isGroup,
			},
			ID:        "testmsg001",
			Timestamp: time.Now(),
		},
		Message: &waProto.Message{Conversation: &text},
	}
}

func newTestTransport() (*WhatsAppTransport, *mockWASender) {
	mock := &mockWASender{}
	return newWhatsAppTransportForTest(mock, slog.Default()), mock
}

func TestWhatsAppTransport_HandleMessage_Inbound(t *testing.T) {
	tr, _ := newTestTransport()
	tr.handleMessage(makeWAMessage("15551234567", false, false, "", "hello bot"))

	select {
	case msg := <-tr.inbound:
		if msg.Content != "hello bot" {
			t.Fatalf("unexpected content: %q", msg.Content)
		}
		if msg.SenderID != "15551234567" {
			t.Fatalf("unexpected sender: %q", msg.SenderID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a message on the inbound channel")
	}
}

func TestWhatsAppTransport_HandleMessage_SkipsFromMe(t *testing.T) {
	tr, _ := newTestTransport()
	tr.handleMessage(makeWAMessage("15551234567", true, false, "", "hello"))

	select {
	case msg := <-tr.inbound:
		t.Fatalf("expected no inbound message, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWhatsAppTransport_HandleMessage_SkipsStatusBroadcast(t *testing.T) {
	tr, _ := newTestTransport()
	tr.handleMessage(makeWAMessage("15551234567", false, false, "status@broadcast", "hello"))

	select {
	case msg := <-tr.inbound:
		t.Fatalf("expected status@broadcast to be dropped, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWhatsAppTransport_HandleMessage_SkipsEmpty(t *testing.T) {
	tr, _ := newTestTransport()
	tr.handleMessage(makeWAMessage("15551234567", false, false, "", ""))

	select {
	case msg := <-tr.inbound:
		t.Fatalf("expected empty message to be dropped, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWhatsAppTransport_HandleMessage_MarksRead(t *testing.T) {
	tr, mock := newTestTransport()
	tr.handleMessage(makeWAMessage("15551234567", false, false, "", "hi"))

	select {
	case <-tr.inbound:
	case <-time.After(time.Second):
		t.Fatal("expected inbound message")
	}

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.markedRead) != 1 || mock.markedRead[0] != "testmsg001" {
		t.Fatalf("expected message marked read, got %+v", mock.markedRead)
	}
}

func TestWhatsAppTransport_HandleEvent_SendsAvailablePresence(t *testing.T) {
	tr, mock := newTestTransport()
	tr.handleEvent(&events.Connected{})

	if !tr.Connected() {
		t.Fatal("expected transport to report connected")
	}
	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.presences) != 1 || mock.presences[0] != types.PresenceAvailable {
		t.Fatalf("expected available presence sent, got %+v", mock.presences)
	}
}

func TestWhatsAppTransport_HandleEvent_LoggedOut(t *testing.T) {
	tr, _ := newTestTransport()
	tr.setConnected(true)
	tr.handleEvent(&events.LoggedOut{})

	if tr.Connected() {
		t.Fatal("expected transport to report disconnected after logout")
	}
	select {
	case ev := <-tr.lifecycle:
		if ev.Kind != "logged_out" {
			t.Fatalf("unexpected lifecycle kind: %q", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a logged_out lifecycle event")
	}
}

func TestWhatsAppTransport_SendText(t *testing.T) {
	tr, mock := newTestTransport()
	id, err := tr.SendText(context.Background(), "15551234567@s.whatsapp.net", "hi there")
	if err != nil {
		t.Fatalf("send text: %v", err)
	}
	if id != "sent-1" {
		t.Fatalf("unexpected platform id: %q", id)
	}
	if mock.sentCount() != 1 {
		t.Fatalf("expected 1 sent message, got %d", mock.sentCount())
	}
}

func TestWhatsAppTransport_SendAttachment_Document(t *testing.T) {
	tr, mock := newTestTransport()
	dir := t.TempDir()
	path := dir + "/file.pdf"
	if err := os.WriteFile(path, []byte("pdf-bytes"), 0o600); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	id, err := tr.SendAttachment(context.Background(), "15551234567@s.whatsapp.net", OutboundAttachment{
		Kind: AttachmentDocument,
		Path: path,
		Mime: "application/pdf",
		Name: "file.pdf",
	}, "caption")
	if err != nil {
		t.Fatalf("send attachment: %v", err)
	}
	if id != "sent-1" {
		t.Fatalf("unexpected platform id: %q", id)
	}
	if string(mock.uploaded) != "pdf-bytes" {
		t.Fatalf("expected upload to see file bytes, got %q", mock.uploaded)
	}
}

func TestWhatsAppTransport_StartStopTyping_NoPanic(t *testing.T) {
	tr, _ := newTestTransport()
	if err := tr.SetPresence(context.Background(), "15551234567@s.whatsapp.net", TypingActive); err != nil {
		t.Fatalf("set presence: %v", err)
	}
	if err := tr.SetPresence(context.Background(), "15551234567@s.whatsapp.net", TypingIdle); err != nil {
		t.Fatalf("stop presence: %v", err)
	}
}

func TestWhatsAppTransport_Close_StopsTypingAndDisconnects(t *testing.T) {
	tr, mock := newTestTransport()
	tr.startTyping(types.JID{User: "15551234567", Server: "s.whatsapp.net"}, types.ChatPresenceMediaText)

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if mock.disconnects != 1 {
		t.Fatalf("expected Disconnect called once, got %d", mock.disconnects)
	}
}
