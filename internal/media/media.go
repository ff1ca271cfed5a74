// Package media implements the attachment-handling helpers shared by the
// Gateway worker (inbound download + file naming, §6.1) and the Context
// worker (attachment-content inlining, §4.4).
package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/kernel/internal/store"
)

// ExtForMime derives the file extension §6.1 wants for a downloaded
// attachment: a fixed extension per kind, falling back to the mime
// subtype ("tail") for documents or when the mime type is unrecognized.
func ExtForMime(kind, mime string) string {
	switch kind {
	case "image":
		return "jpg"
	case "video":
		return "mp4"
	case "audio":
		return "ogg"
	}
	if idx := strings.LastIndex(mime, "/"); idx >= 0 && idx+1 < len(mime) {
		tail := mime[idx+1:]
		tail = strings.SplitN(tail, ";", 2)[0]
		tail = strings.SplitN(tail, "+", 2)[0]
		if tail != "" {
			return tail
		}
	}
	return "bin"
}

// DestinationPath is the host path §6.1 stores a downloaded attachment at:
// "${MEDIA_DIR}/{platformID}.{ext}".
func DestinationPath(mediaDir, platformID, kind, mime string) string {
	return filepath.Join(mediaDir, platformID+"."+ExtForMime(kind, mime))
}

// Preprocessor is the "media preprocessor" collaborator of §5's in-memory
// shared resources: a once-initialized, optional handle Context calls to
// turn non-text attachments into inlineable text.
type Preprocessor interface {
	// Transcribe returns a text transcript of an audio file.
	Transcribe(ctx context.Context, path, mime string) (string, error)
	// Describe returns a text description of an image file, guided by
	// instruction (the job prompt, per §4.4).
	Describe(ctx context.Context, path, mime, instruction string) (string, error)
}

const maxInlineTextChars = 4000

// InlineAttachmentContent implements §4.4 step 5's per-attachment rule:
// text/json/xml is read and truncated, audio is transcribed, images are
// described, and everything else degrades to a bare reference. prep may be
// nil, in which case audio/image attachments fall back to a bare
// reference exactly as on a Preprocessor error.
func InlineAttachmentContent(ctx context.Context, att store.Attachment, prep Preprocessor, instruction string) string {
	mime := strings.ToLower(att.Mime)
	switch {
	case strings.HasPrefix(mime, "text/") || strings.Contains(mime, "json") || strings.Contains(mime, "xml"):
		data, err := os.ReadFile(att.Path)
		if err != nil {
			return bareReference(att)
		}
		text := string(data)
		if len(text) > maxInlineTextChars {
			text = text[:maxInlineTextChars]
		}
		return text
	case strings.HasPrefix(mime, "audio/"), att.Kind == "audio":
		if prep == nil {
			return bareReference(att)
		}
		text, err := prep.Transcribe(ctx, att.Path, att.Mime)
		if err != nil || strings.TrimSpace(text) == "" {
			return bareReference(att)
		}
		return text
	case strings.HasPrefix(mime, "image/"), att.Kind == "image":
		if prep == nil {
			return bareReference(att)
		}
		text, err := prep.Describe(ctx, att.Path, att.Mime, instruction)
		if err != nil || strings.TrimSpace(text) == "" {
			return bareReference(att)
		}
		return text
	default:
		return bareReference(att)
	}
}

func bareReference(att store.Attachment) string {
	name := att.Name
	if name == "" {
		name = filepath.Base(att.Path)
	}
	return fmt.Sprintf("[attachment: %s (%s)]", name, att.Kind)
}
