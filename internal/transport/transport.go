// Package transport is the kernel's boundary to the chat platform: one
// inbound event stream (messages, typing, lifecycle) and an outbound Send
// operation Delivery drives per §6.1 and §4.8.
package transport

import (
	"context"
	"time"
)

// TypingState mirrors the three typing signals a chat platform can emit.
type TypingState string

const (
	TypingActive  TypingState = "typing"
	TypingAudio   TypingState = "recording_audio"
	TypingIdle    TypingState = "idle"
)

// AttachmentKind tags the media kinds the transport knows how to send and
// download.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentDocument AttachmentKind = "document"
)

// InboundAttachment is a typed media reference as delivered by the
// platform, before Gateway downloads it to disk.
type InboundAttachment struct {
	Kind AttachmentKind
	Mime string
	Name string

	// Download fetches the attachment bytes; callers invoke this lazily so
	// Gateway can decide whether it's needed before paying the network cost.
	Download func(ctx context.Context) ([]byte, error)
}

// InboundMessage is one Message(msg, msg_info) event per §6.1.
type InboundMessage struct {
	PlatformID   string
	ChatID       string
	SenderID     string
	IsFromMe     bool
	Content      string
	Attachments  []InboundAttachment
	Timestamp    time.Time
}

// TypingEvent is one {Typing, RecordingAudio, Idle} signal for a chat.
type TypingEvent struct {
	ChatID string
	State  TypingState
}

// LifecycleEvent reports pairing/connect/logout transitions. The kernel
// only logs these (§6.1: "recovery on log-out is out of scope").
type LifecycleEvent struct {
	Kind string // "pairing", "connected", "logged_out"
	Note string
}

// OutboundAttachment is one attachment Delivery asks the transport to send,
// already resolved to bytes on disk.
type OutboundAttachment struct {
	Kind AttachmentKind
	Path string
	Mime string
	Name string
}

// Transport is the chat-platform boundary every worker that touches chat
// IO depends on through this interface, never a concrete client type.
type Transport interface {
	// Inbound returns the channel of inbound chat events. Closed when the
	// transport shuts down.
	Inbound() <-chan InboundMessage
	Typing() <-chan TypingEvent
	Lifecycle() <-chan LifecycleEvent

	// Connected reports whether the transport currently has a live session;
	// Delivery's loop (§4.8) skips claiming work while this is false.
	Connected() bool

	// SetPresence emits a composing/recording/paused presence for a chat.
	SetPresence(ctx context.Context, chatID string, state TypingState) error

	// SendText sends a plain text message and returns the platform's
	// message id for the sent message.
	SendText(ctx context.Context, chatID, text string) (platformID string, err error)

	// SendAttachment sends one attachment, optionally captioned, and
	// returns the platform's message id.
	SendAttachment(ctx context.Context, chatID string, attachment OutboundAttachment, caption string) (platformID string, err error)

	// Download fetches attachment bytes for an inbound message's
	// attachment, the `download_to_file` operation of §6.1.
	Download(ctx context.Context, att InboundAttachment) ([]byte, error)

	Close() error
}
