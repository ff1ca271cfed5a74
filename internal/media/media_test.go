package media_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/kernel/internal/media"
	"github.com/basket/kernel/internal/store"
)

type fakePreprocessor struct {
	transcript  string
	description string
	err         error
}

func (f *fakePreprocessor) Transcribe(ctx context.Context, path, mime string) (string, error) {
	return f.transcript, f.err
}

func (f *fakePreprocessor) Describe(ctx context.Context, path, mime, instruction string) (string, error) {
	return f.description, f.err
}

func TestExtForMime_FixedExtensionsPerKind(t *testing.T) {
	cases := []struct {
		kind, mime, want string
	}{
		{"image", "image/png", "jpg"},
		{"video", "video/webm", "mp4"},
		{"audio", "audio/mpeg", "ogg"},
		{"document", "application/pdf", "pdf"},
		{"document", "application/vnd.ms-excel", "ms-excel"},
		{"document", "garbage", "bin"},
	}
	for _, tc := range cases {
		if got := media.ExtForMime(tc.kind, tc.mime); got != tc.want {
			t.Errorf("ExtForMime(%q, %q) = %q, want %q", tc.kind, tc.mime, got, tc.want)
		}
	}
}

func TestDestinationPath_UsesPlatformIDAndDerivedExt(t *testing.T) {
	got := media.DestinationPath("/media", "abc123", "image", "image/jpeg")
	want := filepath.Join("/media", "abc123.jpg")
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestInlineAttachmentContent_TextIsReadAndTruncated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'a'
	}
	if err := os.WriteFile(path, long, 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	got := media.InlineAttachmentContent(context.Background(), store.Attachment{
		Kind: "document", Path: path, Mime: "text/plain", Name: "notes.txt",
	}, nil, "")
	if len(got) != 4000 {
		t.Fatalf("expected truncation to 4000 chars, got %d", len(got))
	}
}

func TestInlineAttachmentContent_AudioTranscribes(t *testing.T) {
	prep := &fakePreprocessor{transcript: "hello there"}
	got := media.InlineAttachmentContent(context.Background(), store.Attachment{
		Kind: "audio", Path: "/tmp/voice.ogg", Mime: "audio/ogg",
	}, prep, "")
	if got != "hello there" {
		t.Fatalf("unexpected transcript: %q", got)
	}
}

func TestInlineAttachmentContent_AudioFallsBackOnPreprocessorError(t *testing.T) {
	prep := &fakePreprocessor{err: errors.New("unavailable")}
	got := media.InlineAttachmentContent(context.Background(), store.Attachment{
		Kind: "audio", Path: "/tmp/voice.ogg", Mime: "audio/ogg", Name: "voice.ogg",
	}, prep, "")
	if got != "[attachment: voice.ogg (audio)]" {
		t.Fatalf("unexpected fallback reference: %q", got)
	}
}

func TestInlineAttachmentContent_AudioFallsBackWithNoPreprocessor(t *testing.T) {
	got := media.InlineAttachmentContent(context.Background(), store.Attachment{
		Kind: "audio", Path: "/tmp/voice.ogg", Mime: "audio/ogg", Name: "voice.ogg",
	}, nil, "")
	if got != "[attachment: voice.ogg (audio)]" {
		t.Fatalf("unexpected fallback reference: %q", got)
	}
}

func TestInlineAttachmentContent_ImageDescribes(t *testing.T) {
	prep := &fakePreprocessor{description: "a red bicycle"}
	got := media.InlineAttachmentContent(context.Background(), store.Attachment{
		Kind: "image", Path: "/tmp/bike.jpg", Mime: "image/jpeg",
	}, prep, "what is in this photo?")
	if got != "a red bicycle" {
		t.Fatalf("unexpected description: %q", got)
	}
}

func TestInlineAttachmentContent_OtherKindsAreBareReference(t *testing.T) {
	got := media.InlineAttachmentContent(context.Background(), store.Attachment{
		Kind: "document", Path: "/tmp/archive.zip", Mime: "application/zip", Name: "archive.zip",
	}, nil, "")
	if got != "[attachment: archive.zip (document)]" {
		t.Fatalf("unexpected reference: %q", got)
	}
}
