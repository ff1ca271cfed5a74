// Package executor is the Runtime worker's collaborator boundary to
// whatever actually runs a job's prompt: a container, a wasm module, or (in
// tests) a fake. See §6.3/§4.6.
package executor

import "context"

// Handle identifies one in-flight execution on a Backend. Its shape is
// backend-specific; Runtime only ever threads it back into Poll/Cancel.
type Handle string

// Input is everything a backend needs to start a job.
type Input struct {
	JobID       string
	TraceID     string
	Prompt      string
	Attachments []AttachmentRef
	SessionID   string // non-empty when resuming a prior container session
	ResumeInput string // appended as "User response: ..." when resuming
}

// AttachmentRef is one input attachment path handed to the backend,
// typically a file already downloaded under the media directory.
type AttachmentRef struct {
	Path string
	Mime string
	Name string
}

// OutputAttachment is one output attachment a backend reports in a
// Completed event, already copied onto a host path Delivery can read.
type OutputAttachment struct {
	Kind string // "image", "video", "audio", "document"
	Path string
	Name string
	Mime string
}

// EventKind tags the RunnerEvent union of §6.3.
type EventKind string

const (
	EventStdout   EventKind = "stdout"
	EventStderr   EventKind = "stderr"
	EventAskUser  EventKind = "ask_user"
	EventComplete EventKind = "completed"
	EventFailed   EventKind = "failed"
)

// Event is one RunnerEvent. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	Line string // Stdout/Stderr

	Question string // AskUser

	Output      string // Completed
	Attachments []OutputAttachment

	Error string // Failed
}

// Backend is the trait Runtime drives per §6.3: start, poll, cancel.
// Implementations must be safe for concurrent use across different
// handles, but Runtime never calls Poll/Cancel concurrently for the same
// handle.
type Backend interface {
	// Start launches the job and returns a handle for subsequent polls.
	Start(ctx context.Context, input Input) (Handle, error)

	// Poll returns the ordered events produced since the last poll. An
	// empty slice with a nil error means "nothing new yet" — the handle
	// stays active. A Completed/Failed/AskUser event is always the last
	// event in the returned slice for that handle.
	Poll(ctx context.Context, handle Handle) ([]Event, error)

	// Cancel stops an in-flight execution. Idempotent.
	Cancel(ctx context.Context, handle Handle) error
}
