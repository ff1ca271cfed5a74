package triage_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/basket/kernel/internal/llm"
	kernelotel "github.com/basket/kernel/internal/otel"
	"github.com/basket/kernel/internal/store"
	"github.com/basket/kernel/internal/triage"
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

func insertInbound(t *testing.T, s *store.Store, platformID, chatID, content string, atts []store.Attachment) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	m := store.Message{
		PlatformID:       platformID,
		PlatformChatID:   chatID,
		PlatformSenderID: "sender",
		Direction:        store.DirectionIn,
		Attachments:      atts,
		TraceID:          "seed-trace",
	}
	if content != "" {
		m.Content = sql.NullString{String: content, Valid: true}
	}
	if _, err := s.UpsertInboundMessage(ctx, tx, m); err != nil {
		t.Fatalf("upsert inbound: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// stubLLM returns a fixed decision list for every TriageBatch call.
type stubLLM struct {
	decisions []llm.Decision
	err       error
}

func (s stubLLM) TriageBatch(ctx context.Context, req llm.TriageRequest) ([]llm.Decision, error) {
	return s.decisions, s.err
}
func (stubLLM) EnrichJob(ctx context.Context, jobID, prompt string, history []string) (string, error) {
	return prompt, nil
}
func (stubLLM) EmbedText(ctx context.Context, text string) ([]float32, error) { return nil, nil }
func (stubLLM) RewriteReply(ctx context.Context, content string, history []string) (string, error) {
	return content, nil
}

func TestTriage_ReplyDecisionInsertsOutboxRow(t *testing.T) {
	s := openTestStore(t)
	insertInbound(t, s, "p1", "chat-1", "what time is it", nil)

	w := triage.New(s, stubLLM{decisions: []llm.Decision{{Kind: llm.DecisionReply, Text: "it's noon"}}}, false, nil, nil, nil)
	w.Tick(context.Background())

	unrewritten, err := s.ClaimUnrewrittenOutbox(context.Background(), 10)
	if err != nil {
		t.Fatalf("claim unrewritten: %v", err)
	}
	if len(unrewritten) != 1 {
		t.Fatalf("expected 1 outbox row, got %d", len(unrewritten))
	}
	if unrewritten[0].Content.String != "it's noon" {
		t.Fatalf("unexpected content: %q", unrewritten[0].Content.String)
	}
}

func TestTriage_CreateJobDecisionInsertsDraftJob(t *testing.T) {
	s := openTestStore(t)
	insertInbound(t, s, "p1", "chat-1", "build me a report", nil)

	w := triage.New(s, stubLLM{decisions: []llm.Decision{{Kind: llm.DecisionCreateJob, Prompt: "build a report", JobKind: "action"}}}, false, nil, nil, nil)
	w.Tick(context.Background())

	jobs, err := s.ClaimDraftJobs(context.Background(), 10)
	if err != nil {
		t.Fatalf("claim draft jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 draft job, got %d", len(jobs))
	}
	if jobs[0].Prompt != "build a report" {
		t.Fatalf("unexpected prompt: %q", jobs[0].Prompt)
	}
}

func TestTriage_CreateJobWhenUnsubscribedInjectsNotice(t *testing.T) {
	s := openTestStore(t)
	insertInbound(t, s, "p1", "chat-1", "do a thing", nil)

	ctx := context.Background()
	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := store.SetSubscription(ctx, tx, "chat-1", false); err != nil {
		t.Fatalf("set subscription: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	w := triage.New(s, stubLLM{decisions: []llm.Decision{{Kind: llm.DecisionCreateJob, Prompt: "do a thing"}}}, false, nil, nil, nil)
	w.Tick(ctx)

	jobs, err := s.ClaimDraftJobs(ctx, 10)
	if err != nil {
		t.Fatalf("claim draft jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no job created while unsubscribed, got %d", len(jobs))
	}
	outbox, err := s.ClaimUnrewrittenOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("claim outbox: %v", err)
	}
	if len(outbox) != 1 {
		t.Fatalf("expected unsubscribed notice, got %d rows", len(outbox))
	}
}

func TestTriage_InvalidCronScheduleRepliesWithError(t *testing.T) {
	s := openTestStore(t)
	insertInbound(t, s, "p1", "chat-1", "remind me", nil)

	w := triage.New(s, stubLLM{decisions: []llm.Decision{{
		Kind: llm.DecisionCreateCron, CronName: "daily", CronSchedule: "not a cron", Prompt: "say hi",
	}}}, false, nil, nil, nil)
	w.Tick(context.Background())

	outbox, err := s.ClaimUnrewrittenOutbox(context.Background(), 10)
	if err != nil {
		t.Fatalf("claim outbox: %v", err)
	}
	if len(outbox) != 1 {
		t.Fatalf("expected 1 outbox row, got %d", len(outbox))
	}
	if outbox[0].Content.String == "" {
		t.Fatalf("expected error message in outbox content")
	}
}

func TestTriage_AudioOnlyOverrideReplacesRepliesWithTranscribeJob(t *testing.T) {
	s := openTestStore(t)
	insertInbound(t, s, "p1", "chat-1", "", []store.Attachment{{Kind: "audio", Path: "/media/p1.ogg", Mime: "audio/ogg"}})

	w := triage.New(s, stubLLM{decisions: []llm.Decision{{Kind: llm.DecisionNoop}}}, false, nil, nil, nil)
	w.Tick(context.Background())

	jobs, err := s.ClaimDraftJobs(context.Background(), 10)
	if err != nil {
		t.Fatalf("claim draft jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected the audio-only override to create exactly one job, got %d", len(jobs))
	}
}

func TestTriage_ForceFallbackSkipsLLMAndUsesFallbackDecision(t *testing.T) {
	s := openTestStore(t)
	insertInbound(t, s, "p1", "chat-1", "build me a report", nil)

	// stubLLM would route this to a Reply if called; forceFallback must
	// bypass it entirely and fall back to fallbackTriage's action job.
	w := triage.New(s, stubLLM{decisions: []llm.Decision{{Kind: llm.DecisionReply, Text: "should not be used"}}}, true, nil, nil, nil)
	w.Tick(context.Background())

	jobs, err := s.ClaimDraftJobs(context.Background(), 10)
	if err != nil {
		t.Fatalf("claim draft jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected fallback to create 1 action job, got %d", len(jobs))
	}
	if jobs[0].Prompt != "build me a report" {
		t.Fatalf("unexpected fallback prompt: %q", jobs[0].Prompt)
	}

	outbox, err := s.ClaimUnrewrittenOutbox(context.Background(), 10)
	if err != nil {
		t.Fatalf("claim outbox: %v", err)
	}
	if len(outbox) != 0 {
		t.Fatalf("expected no reply row from the stub LLM, got %d", len(outbox))
	}
}

// TestTriage_RecordsLLMSpanAndDecisionMetrics wires a real tracer/meter
// (exporter "none") through a tick to prove the span around TriageBatch
// and the TriageDecisionsTotal recording don't interfere with routing.
func TestTriage_RecordsLLMSpanAndDecisionMetrics(t *testing.T) {
	ctx := context.Background()
	provider, err := kernelotel.Init(ctx, kernelotel.Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("otel init: %v", err)
	}
	defer provider.Shutdown(ctx)
	metrics, err := kernelotel.NewMetrics(provider.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	s := openTestStore(t)
	insertInbound(t, s, "p1", "chat-1", "what time is it", nil)

	w := triage.New(s, stubLLM{decisions: []llm.Decision{{Kind: llm.DecisionReply, Text: "it's noon"}}}, false, provider.Tracer, metrics, nil)
	w.Tick(ctx)

	unrewritten, err := s.ClaimUnrewrittenOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("claim unrewritten: %v", err)
	}
	if len(unrewritten) != 1 {
		t.Fatalf("expected 1 outbox row, got %d", len(unrewritten))
	}
}

func TestTriage_MarksMessagesRouted(t *testing.T) {
	s := openTestStore(t)
	insertInbound(t, s, "p1", "chat-1", "hello", nil)

	w := triage.New(s, stubLLM{decisions: []llm.Decision{{Kind: llm.DecisionNoop}}}, false, nil, nil, nil)
	w.Tick(context.Background())

	unrouted, err := s.ClaimUnroutedInbound(context.Background(), 10)
	if err != nil {
		t.Fatalf("claim unrouted: %v", err)
	}
	if len(unrouted) != 0 {
		t.Fatalf("expected message to be marked routed, still unrouted: %d", len(unrouted))
	}
}
