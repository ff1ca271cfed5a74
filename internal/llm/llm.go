// Package llm is the kernel's single gateway to language-model reasoning:
// Triage's batch routing decisions, Context's prompt enrichment, Reply's
// tone rewriting, and the embeddings that back RAG history selection.
package llm

import (
	"context"
	"fmt"
)

// DecisionKind tags which variant a Decision holds.
type DecisionKind string

const (
	DecisionReply           DecisionKind = "reply"
	DecisionCreateJob       DecisionKind = "create_job"
	DecisionCreateCron      DecisionKind = "create_cron"
	DecisionCancelJob       DecisionKind = "cancel_job"
	DecisionCancelCron      DecisionKind = "cancel_cron"
	DecisionResumeJob       DecisionKind = "resume_job"
	DecisionSetSubscription DecisionKind = "set_subscription"
	DecisionNoop            DecisionKind = "noop"
)

// Decision is the tagged union Triage routes an inbound batch into. Only
// the fields relevant to Kind are populated; the rest are zero values.
type Decision struct {
	Kind DecisionKind

	// Reply
	Text string

	// CreateJob
	Prompt  string
	JobKind string // "action" | "chat" | "schedule"

	// CreateCron
	CronName     string
	CronSchedule string

	// CancelJob / ResumeJob
	JobID        string
	CancelReason string
	ResumeInput  string

	// CancelCron
	// (CronName reused)

	// SetSubscription
	SubscriptionEnabled bool
}

// TriageMessage is one inbound message as presented to the triage RPC.
type TriageMessage struct {
	ID       string
	Content  string
	IsEdit   bool
	HasAudio bool
	HasImage bool
}

// TriageJobSummary and TriageCronSummary give Triage's batch call enough
// context about in-flight work to decide CancelJob/ResumeJob/CancelCron
// without a second round trip.
type TriageJobSummary struct {
	ID     string
	Status string
	Prompt string
}

type TriageCronSummary struct {
	Name     string
	Schedule string
}

type TriageRequest struct {
	ChatID      string
	Messages    []TriageMessage
	ActiveJobs  []TriageJobSummary
	ActiveCrons []TriageCronSummary
	History     []string
}

// Service is the LLM abstraction every worker depends on, backed in
// production by Genkit (see genkit.go) and by a deterministic fallback
// where no provider API key is configured (see fallback.go).
type Service interface {
	// TriageBatch routes one Triage tick's unrouted messages into decisions.
	TriageBatch(ctx context.Context, req TriageRequest) ([]Decision, error)

	// EnrichJob expands a job's raw prompt with recent chat history into a
	// self-contained instruction for Runtime's executor.
	EnrichJob(ctx context.Context, jobID, prompt string, history []string) (string, error)

	// EmbedText returns a fixed-dimension dense embedding, or nil on failure
	// (callers treat a nil embedding as "skip RAG ranking for this message").
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// RewriteReply adjusts tone/formatting of a drafted reply before Delivery
	// sends it, given recent chat history for style continuity.
	RewriteReply(ctx context.Context, content string, history []string) (string, error)
}

// ErrProviderUnavailable signals the configured provider rejected the
// request in a way retrying won't fix (bad API key, model not found).
var ErrProviderUnavailable = fmt.Errorf("llm: provider unavailable")
