package gateway_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/kernel/internal/gateway"
	"github.com/basket/kernel/internal/llm"
	"github.com/basket/kernel/internal/store"
	"github.com/basket/kernel/internal/transport"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "kernel.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeTransport is a minimal transport.Transport double: tests drive it by
// writing directly to inbound/typing and reading presences back out.
type fakeTransport struct {
	inbound   chan transport.InboundMessage
	typing    chan transport.TypingEvent
	lifecycle chan transport.LifecycleEvent
	presences []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:   make(chan transport.InboundMessage, 16),
		typing:    make(chan transport.TypingEvent, 16),
		lifecycle: make(chan transport.LifecycleEvent, 4),
	}
}

func (f *fakeTransport) Inbound() <-chan transport.InboundMessage { return f.inbound }
func (f *fakeTransport) Typing() <-chan transport.TypingEvent     { return f.typing }
func (f *fakeTransport) Lifecycle() <-chan transport.LifecycleEvent { return f.lifecycle }
func (f *fakeTransport) Connected() bool                          { return true }
func (f *fakeTransport) SetPresence(ctx context.Context, chatID string, state transport.TypingState) error {
	f.presences = append(f.presences, chatID)
	return nil
}
func (f *fakeTransport) SendText(ctx context.Context, chatID, text string) (string, error) {
	return "msg-1", nil
}
func (f *fakeTransport) SendAttachment(ctx context.Context, chatID string, att transport.OutboundAttachment, caption string) (string, error) {
	return "msg-1", nil
}
func (f *fakeTransport) Download(ctx context.Context, att transport.InboundAttachment) ([]byte, error) {
	return att.Download(ctx)
}
func (f *fakeTransport) Close() error { return nil }

// fakeLLM answers EmbedText deterministically and panics on the other
// methods, which Gateway never calls.
type fakeLLM struct{}

func (fakeLLM) TriageBatch(ctx context.Context, req llm.TriageRequest) ([]llm.Decision, error) {
	panic("not used by gateway")
}
func (fakeLLM) EnrichJob(ctx context.Context, jobID, prompt string, history []string) (string, error) {
	panic("not used by gateway")
}
func (fakeLLM) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}
func (fakeLLM) RewriteReply(ctx context.Context, content string, history []string) (string, error) {
	panic("not used by gateway")
}

func TestGateway_BuffersAndFlushesAfterIdleWindow(t *testing.T) {
	st := openTestStore(t)
	tp := newFakeTransport()
	w := gateway.New(st, tp, fakeLLM{}, t.TempDir(), 20, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	tp.inbound <- transport.InboundMessage{PlatformID: "p1", ChatID: "chat-1", SenderID: "alice", Content: "hi"}
	time.Sleep(10 * time.Millisecond)

	loop := w.Loop(15 * time.Millisecond, nil, nil)
	loop.Start(ctx)
	defer loop.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		all, err := st.ClaimUnroutedInbound(ctx, 10)
		if err != nil {
			t.Fatalf("claim unrouted: %v", err)
		}
		if len(all) > 0 {
			if all[0].PlatformID != "p1" {
				t.Fatalf("unexpected platform id: %s", all[0].PlatformID)
			}
			if len(all[0].Embedding) == 0 {
				t.Fatalf("expected embedding to be stored")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("message was never flushed")
}

func TestGateway_DropsFromMeAndStatusBroadcast(t *testing.T) {
	st := openTestStore(t)
	tp := newFakeTransport()
	w := gateway.New(st, tp, fakeLLM{}, t.TempDir(), 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	tp.inbound <- transport.InboundMessage{PlatformID: "p1", ChatID: "chat-1", IsFromMe: true, Content: "echo"}
	tp.inbound <- transport.InboundMessage{PlatformID: "p2", ChatID: "Status@Broadcast", Content: "status update"}
	time.Sleep(10 * time.Millisecond)

	loop := w.Loop(5 * time.Millisecond, nil, nil)
	loop.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	loop.Stop()

	all, err := st.ClaimUnroutedInbound(ctx, 10)
	if err != nil {
		t.Fatalf("claim unrouted: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected from-me and status-broadcast messages to be dropped, got %d rows", len(all))
	}
}

func TestGateway_TypingHoldsBackFlush(t *testing.T) {
	st := openTestStore(t)
	tp := newFakeTransport()
	w := gateway.New(st, tp, fakeLLM{}, t.TempDir(), 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	tp.inbound <- transport.InboundMessage{PlatformID: "p1", ChatID: "chat-1", Content: "hi"}
	tp.typing <- transport.TypingEvent{ChatID: "chat-1", State: transport.TypingActive}
	time.Sleep(10 * time.Millisecond)

	loop := w.Loop(5 * time.Millisecond, nil, nil)
	loop.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	loop.Stop()

	all, err := st.ClaimUnroutedInbound(ctx, 10)
	if err != nil {
		t.Fatalf("claim unrouted: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected flush to be held back while typing, got %d rows", len(all))
	}
}
