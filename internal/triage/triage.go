// Package triage is the Triage worker (§4.3): claims unrouted inbound
// messages, groups them by chat, asks the LLM collaborator to route each
// group into Decisions, and applies those decisions transactionally.
//
// Grounded on the teacher's internal/policy switch-on-decision-kind shape
// (allow/deny rule evaluation) generalized from a single verdict to an
// ordered decision list, and on internal/cron/scheduler.go for schedule
// validation (here via internal/cronexpr, shared with Clock).
package triage

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/kernel/internal/cronexpr"
	"github.com/basket/kernel/internal/llm"
	kernelotel "github.com/basket/kernel/internal/otel"
	"github.com/basket/kernel/internal/shared"
	"github.com/basket/kernel/internal/store"
)

const (
	claimLimit   = 50
	historyLimit = 20
)

// audioOnlyGreetings are the greetings that don't count as "non-trivial
// text" for §4.3 step 5's audio-only override.
var audioOnlyGreetings = map[string]bool{
	"":      true,
	"hi":    true,
	"hey":   true,
	"hello": true,
	"yo":    true,
}

// Worker runs the Triage tick.
type Worker struct {
	store         *store.Store
	llm           llm.Service
	forceFallback bool
	tracer        trace.Tracer
	metrics       *kernelotel.Metrics
	logger        *slog.Logger
}

// New constructs a Triage worker. forceFallback mirrors
// TRIAGE_FORCE_FALLBACK: when true, every batch skips the LLM
// collaborator entirely and is routed via llm.FallbackTriage. tracer and
// metrics are optional; nil skips instrumentation at zero cost.
func New(st *store.Store, svc llm.Service, forceFallback bool, tracer trace.Tracer, metrics *kernelotel.Metrics, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: st, llm: svc, forceFallback: forceFallback, tracer: tracer, metrics: metrics, logger: logger}
}

// Tick implements workerloop.Tick.
func (w *Worker) Tick(ctx context.Context) {
	msgs, err := w.store.ClaimUnroutedInbound(ctx, claimLimit)
	if err != nil {
		w.logger.Error("claim unrouted inbound failed", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	groups := groupByChat(msgs)
	for chatID, group := range groups {
		if err := w.processGroup(ctx, chatID, group); err != nil {
			w.logger.Error("process triage group failed", "chat_id", chatID, "error", err)
		}
	}
}

// recordDecisions increments TriageDecisionsTotal once per decision, keyed
// by kind, so dashboards can see the routing mix (reply vs job vs cron...).
func (w *Worker) recordDecisions(ctx context.Context, decisions []llm.Decision) {
	if w.metrics == nil || w.metrics.TriageDecisionsTotal == nil {
		return
	}
	for _, d := range decisions {
		w.metrics.TriageDecisionsTotal.Add(ctx, 1, metric.WithAttributes(
			kernelotel.AttrDecisionKind.String(string(d.Kind)),
		))
	}
}

func groupByChat(msgs []store.Message) map[string][]store.Message {
	out := make(map[string][]store.Message)
	for _, m := range msgs {
		out[m.PlatformChatID] = append(out[m.PlatformChatID], m)
	}
	return out
}

func (w *Worker) processGroup(ctx context.Context, chatID string, group []store.Message) error {
	subscribed, err := w.store.IsSubscribed(ctx, chatID)
	if err != nil {
		return err
	}
	activeJobs, err := w.store.ActiveJobsForChat(ctx, chatID)
	if err != nil {
		return err
	}
	activeCrons, err := w.store.ActiveCronsForChat(ctx, chatID)
	if err != nil {
		return err
	}
	history, err := w.store.RecentRoutedHistory(ctx, chatID, historyLimit)
	if err != nil {
		return err
	}

	req := llm.TriageRequest{
		ChatID:      chatID,
		Messages:    triageMessages(group),
		ActiveJobs:  triageJobSummaries(activeJobs),
		ActiveCrons: triageCronSummaries(activeCrons),
		History:     historyContents(history),
	}
	var decisions []llm.Decision
	if w.forceFallback {
		decisions = llm.FallbackTriage(req)
	} else {
		llmCtx := ctx
		var span trace.Span
		if w.tracer != nil {
			llmCtx, span = kernelotel.StartClientSpan(ctx, w.tracer, "triage.llm_call", kernelotel.AttrChatID.String(chatID))
		}
		var err error
		decisions, err = w.llm.TriageBatch(llmCtx, req)
		if span != nil {
			span.End()
		}
		if err != nil {
			w.logger.Warn("triage_batch failed", "chat_id", chatID, "error", err)
			decisions = nil
		}
	}

	decisions = applyAudioOnlyOverride(group, decisions)
	w.recordDecisions(ctx, decisions)

	traceID := shared.NewTraceID()
	targetChat := resolveTargetChat(chatID, group)

	db := w.store.DB()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]string, 0, len(group))
	for _, m := range group {
		ids = append(ids, m.ID)
	}
	sourceIDs := ids

	for _, d := range decisions {
		if err := w.applyDecision(ctx, tx, d, chatID, targetChat, subscribed, sourceIDs, traceID); err != nil {
			return err
		}
	}

	if err := store.MarkRouted(ctx, tx, ids); err != nil {
		return err
	}
	if err := store.AppendEvent(ctx, tx, traceID, "triage", "batch_routed", map[string]any{
		"chat_id": chatID,
		"count":   len(ids),
	}); err != nil {
		return err
	}

	return tx.Commit()
}

func (w *Worker) applyDecision(ctx context.Context, tx *sql.Tx, d llm.Decision, chatID, targetChat string, subscribed bool, sourceIDs []string, traceID string) error {
	switch d.Kind {
	case llm.DecisionReply:
		_, err := store.InsertOutboxRow(ctx, tx, targetChat, nullString(d.Text), nil, sql.NullString{}, traceID)
		return err

	case llm.DecisionCreateJob:
		if !subscribed {
			_, err := store.InsertOutboxRow(ctx, tx, targetChat, nullString("you've unsubscribed from automated replies in this chat"), nil, sql.NullString{}, traceID)
			return err
		}
		kind := store.JobKind(d.JobKind)
		if kind == "" {
			kind = store.JobKindChat
		}
		_, err := store.CreateDraftJob(ctx, tx, kind, chatID, d.Prompt, traceID, sourceIDs)
		return err

	case llm.DecisionCreateCron:
		return w.applyCreateCron(ctx, tx, d, chatID, targetChat, traceID)

	case llm.DecisionCancelCron:
		ok, err := store.CancelCronByName(ctx, tx, d.CronName, chatID)
		if err != nil {
			return err
		}
		msg := "cancelled"
		if !ok {
			msg = "no cron named \"" + d.CronName + "\" found"
		}
		_, err = store.InsertOutboxRow(ctx, tx, targetChat, nullString(msg), nil, sql.NullString{}, traceID)
		return err

	case llm.DecisionCancelJob:
		_, err := store.CancelJob(ctx, tx, d.JobID, d.CancelReason)
		return err

	case llm.DecisionResumeJob:
		_, err := store.ResumeJob(ctx, tx, d.JobID, d.ResumeInput)
		return err

	case llm.DecisionSetSubscription:
		return store.SetSubscription(ctx, tx, chatID, d.SubscriptionEnabled)

	case llm.DecisionNoop:
		return nil

	default:
		// Unknown decision actions are filtered out silently (§7 Logical).
		w.logger.Warn("unknown decision kind", "kind", d.Kind)
		return nil
	}
}

func (w *Worker) applyCreateCron(ctx context.Context, tx *sql.Tx, d llm.Decision, chatID, targetChat, traceID string) error {
	const timezone = "UTC"
	normalized := cronexpr.Normalize(d.CronSchedule)
	if _, err := cronexpr.NextRun(normalized, timezone, time.Now()); err != nil {
		_, insErr := store.InsertOutboxRow(ctx, tx, targetChat, nullString("invalid schedule `"+d.CronSchedule+"`: "+err.Error()), nil, sql.NullString{}, traceID)
		return insErr
	}
	if _, err := store.CreateCron(ctx, tx, d.CronName, normalized, timezone, chatID, d.Prompt); err != nil {
		msg := err.Error()
		if err == store.ErrCronNameExists {
			msg = "a cron named \"" + d.CronName + "\" already exists"
		}
		_, insErr := store.InsertOutboxRow(ctx, tx, targetChat, nullString(msg), nil, sql.NullString{}, traceID)
		return insErr
	}
	_, err := store.InsertOutboxRow(ctx, tx, targetChat, nullString("scheduled \""+d.CronName+"\""), nil, sql.NullString{}, traceID)
	return err
}

// applyAudioOnlyOverride implements §4.3 step 5: if the batch is audio-only
// (no non-trivial text) and every decision is Reply/Noop, replace them all
// with a single CreateJob that instructs transcription.
func applyAudioOnlyOverride(group []store.Message, decisions []llm.Decision) []llm.Decision {
	hasAudio := false
	hasText := false
	for _, m := range group {
		for _, a := range m.Attachments {
			if a.Kind == "audio" {
				hasAudio = true
			}
		}
		text := ""
		if m.Content.Valid {
			text = strings.ToLower(strings.TrimSpace(m.Content.String))
		}
		if !audioOnlyGreetings[text] {
			hasText = true
		}
	}
	if !hasAudio || hasText {
		return decisions
	}
	for _, d := range decisions {
		if d.Kind != llm.DecisionReply && d.Kind != llm.DecisionNoop {
			return decisions
		}
	}
	return []llm.Decision{{
		Kind:    llm.DecisionCreateJob,
		Prompt:  "Transcribe the attached audio message and answer it in a single reply.",
		JobKind: string(store.JobKindChat),
	}}
}

// resolveTargetChat implements §4.3 step 7: for group-level decisions, use
// the platform_chat_id of the most recent inbound source message, falling
// back to the group's chat id.
func resolveTargetChat(chatID string, group []store.Message) string {
	if len(group) == 0 {
		return chatID
	}
	latest := group[0]
	for _, m := range group[1:] {
		if m.CreatedAt.After(latest.CreatedAt) {
			latest = m
		}
	}
	if latest.PlatformChatID != "" {
		return latest.PlatformChatID
	}
	return chatID
}

func triageMessages(group []store.Message) []llm.TriageMessage {
	out := make([]llm.TriageMessage, 0, len(group))
	for _, m := range group {
		tm := llm.TriageMessage{
			ID:     m.ID,
			IsEdit: m.ContentVersion > 1,
		}
		if m.Content.Valid {
			tm.Content = m.Content.String
		}
		for _, a := range m.Attachments {
			switch a.Kind {
			case "audio":
				tm.HasAudio = true
			case "image":
				tm.HasImage = true
			}
		}
		out = append(out, tm)
	}
	return out
}

func triageJobSummaries(jobs []store.Job) []llm.TriageJobSummary {
	out := make([]llm.TriageJobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, llm.TriageJobSummary{ID: j.ID, Status: string(j.Status), Prompt: j.Prompt})
	}
	return out
}

func triageCronSummaries(crons []store.Cron) []llm.TriageCronSummary {
	out := make([]llm.TriageCronSummary, 0, len(crons))
	for _, c := range crons {
		out = append(out, llm.TriageCronSummary{Name: c.Name, Schedule: c.Schedule})
	}
	return out
}

func historyContents(msgs []store.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Content.Valid {
			out = append(out, m.Content.String)
		}
	}
	return out
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
