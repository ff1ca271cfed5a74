// Package runtime is the Runtime worker (§4.6): drives an executor.Backend
// through a job's lifecycle, from starting a pending job to dispatching
// its events back into the store.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/kernel/internal/executor"
	kernelotel "github.com/basket/kernel/internal/otel"
	"github.com/basket/kernel/internal/shared"
	"github.com/basket/kernel/internal/store"
)

const (
	startLimit  = 10
	orphanAfter = 5 * time.Minute
	orphanLimit = 10
)

// Worker runs the Runtime tick against a single executor.Backend.
type Worker struct {
	store       *store.Store
	backend     executor.Backend
	backendKind string
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *kernelotel.Metrics

	mu         sync.Mutex
	activeRuns map[string]executor.Handle // job_id -> handle
}

// New constructs a Runtime worker. backendKind labels spans/logs with the
// configured executor backend ("docker", "wasm", "fake"). tracer and
// metrics are optional; nil skips instrumentation at zero cost.
func New(st *store.Store, backend executor.Backend, backendKind string, tracer trace.Tracer, metrics *kernelotel.Metrics, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:       st,
		backend:     backend,
		backendKind: backendKind,
		tracer:      tracer,
		metrics:     metrics,
		logger:      logger,
		activeRuns:  make(map[string]executor.Handle),
	}
}

// Tick implements workerloop.Tick.
func (w *Worker) Tick(ctx context.Context) {
	w.startPending(ctx)
	w.pollActive(ctx)
	w.cleanupCancelled(ctx)
	w.recoverOrphans(ctx)
}

func (w *Worker) snapshotActiveRuns() map[string]bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]bool, len(w.activeRuns))
	for id := range w.activeRuns {
		out[id] = true
	}
	return out
}

func (w *Worker) startPending(ctx context.Context) {
	jobs, err := w.store.ClaimPendingJobsNotActive(ctx, startLimit, w.snapshotActiveRuns())
	if err != nil {
		w.logger.Error("claim pending jobs failed", "error", err)
		return
	}
	for _, job := range jobs {
		prompt := job.Prompt
		if job.EnrichedPrompt.Valid {
			prompt = job.EnrichedPrompt.String
		}
		if job.ResumeInput.Valid && job.ResumeInput.String != "" {
			prompt += "\n\nUser response: " + job.ResumeInput.String
		}

		spanCtx, span := w.startSpan(ctx, "runtime.job_start", job.ID)
		handle, err := w.backend.Start(spanCtx, executor.Input{
			JobID:       job.ID,
			TraceID:     job.TraceID,
			Prompt:      prompt,
			SessionID:   job.RunHandle.String,
			ResumeInput: job.ResumeInput.String,
		})
		if err != nil {
			span.End()
			w.logger.Warn("start backend failed, job stays pending", "job_id", job.ID, "error", err)
			continue
		}

		applied, err := w.store.StartJob(ctx, job.ID, string(handle), job.TraceID)
		if err != nil {
			span.End()
			w.logger.Error("start job transition failed", "job_id", job.ID, "error", err)
			continue
		}
		if !applied {
			// Lost the race to another process or the job was cancelled
			// between claim and start; cancel the backend run we just began.
			_ = w.backend.Cancel(ctx, handle)
			span.End()
			continue
		}
		span.End()
		w.logger.Info("job started", "job_id", job.ID, "run_handle", string(handle))
		if w.metrics != nil && w.metrics.ActiveRuntimeRuns != nil {
			w.metrics.ActiveRuntimeRuns.Add(ctx, 1)
		}

		w.mu.Lock()
		w.activeRuns[job.ID] = handle
		w.mu.Unlock()
	}
}

// startSpan opens a client span for a call into the executor backend, or
// returns ctx unchanged with a no-op span when tracing is disabled.
func (w *Worker) startSpan(ctx context.Context, name, jobID string) (context.Context, trace.Span) {
	if w.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return kernelotel.StartClientSpan(ctx, w.tracer, name,
		kernelotel.AttrJobID.String(jobID),
		kernelotel.AttrExecutorKind.String(w.backendKind),
	)
}

func (w *Worker) pollActive(ctx context.Context) {
	w.mu.Lock()
	runs := make(map[string]executor.Handle, len(w.activeRuns))
	for id, h := range w.activeRuns {
		runs[id] = h
	}
	w.mu.Unlock()

	for jobID, handle := range runs {
		events, err := w.backend.Poll(ctx, handle)
		if err != nil {
			w.logger.Warn("poll backend failed", "job_id", jobID, "error", err)
			if w.metrics != nil && w.metrics.ExecutorPollErrors != nil {
				w.metrics.ExecutorPollErrors.Add(ctx, 1)
			}
			continue
		}
		if err := w.store.HeartbeatJob(ctx, jobID); err != nil {
			w.logger.Error("heartbeat job failed", "job_id", jobID, "error", err)
		}
		for _, ev := range events {
			if err := w.applyEvent(ctx, jobID, ev); err != nil {
				w.logger.Error("apply runner event failed", "job_id", jobID, "kind", ev.Kind, "error", err)
				continue
			}
			if isTerminal(ev.Kind) {
				w.mu.Lock()
				delete(w.activeRuns, jobID)
				w.mu.Unlock()
				w.recordJobDuration(ctx, jobID)
			}
		}
	}
}

// recordJobDuration observes JobDuration from the job's started_at to now
// and decrements ActiveRuntimeRuns; a lookup failure just skips the metric.
func (w *Worker) recordJobDuration(ctx context.Context, jobID string) {
	if w.metrics != nil && w.metrics.ActiveRuntimeRuns != nil {
		w.metrics.ActiveRuntimeRuns.Add(ctx, -1)
	}
	if w.metrics == nil || w.metrics.JobDuration == nil {
		return
	}
	job, err := w.store.JobByID(ctx, jobID)
	if err != nil || job == nil || !job.StartedAt.Valid {
		return
	}
	w.metrics.JobDuration.Record(ctx, time.Since(job.StartedAt.Time).Seconds(),
		metric.WithAttributes(kernelotel.AttrJobID.String(jobID)))
}

func isTerminal(kind executor.EventKind) bool {
	return kind == executor.EventAskUser || kind == executor.EventComplete || kind == executor.EventFailed
}

func (w *Worker) applyEvent(ctx context.Context, jobID string, ev executor.Event) error {
	traceID := shared.NewTraceID()

	switch ev.Kind {
	case executor.EventStdout:
		return w.withTx(ctx, func(tx *sql.Tx) error { return store.AppendLog(ctx, tx, jobID, "stdout", ev.Line) })
	case executor.EventStderr:
		return w.withTx(ctx, func(tx *sql.Tx) error { return store.AppendLog(ctx, tx, jobID, "stderr", ev.Line) })

	case executor.EventAskUser:
		return w.withTx(ctx, func(tx *sql.Tx) error {
			job, err := w.store.JobByID(ctx, jobID)
			if err != nil {
				return err
			}
			if job == nil {
				return fmt.Errorf("job %s not found", jobID)
			}
			if err := w.store.PauseJobForQuestion(ctx, tx, jobID, ev.Question); err != nil {
				return err
			}
			if _, err := store.InsertOutboxRow(ctx, tx, job.ChatID, nullString("question: "+ev.Question), nil, nullableJobID(jobID), traceID); err != nil {
				return err
			}
			return store.AppendEvent(ctx, tx, traceID, "runtime", "job_paused", map[string]any{"job_id": jobID})
		})

	case executor.EventComplete:
		return w.withTx(ctx, func(tx *sql.Tx) error {
			job, err := w.store.JobByID(ctx, jobID)
			if err != nil {
				return err
			}
			if job == nil {
				return fmt.Errorf("job %s not found", jobID)
			}
			if err := w.store.CompleteJob(ctx, tx, jobID, ev.Output); err != nil {
				return err
			}
			if _, err := store.InsertOutboxRow(ctx, tx, job.ChatID, nullString(ev.Output), toAttachments(ev.Attachments), nullableJobID(jobID), traceID); err != nil {
				return err
			}
			return store.AppendEvent(ctx, tx, traceID, "runtime", "job_completed", map[string]any{"job_id": jobID})
		})

	case executor.EventFailed:
		return w.withTx(ctx, func(tx *sql.Tx) error {
			job, err := w.store.JobByID(ctx, jobID)
			if err != nil {
				return err
			}
			if job == nil {
				return fmt.Errorf("job %s not found", jobID)
			}
			if err := w.store.FailJob(ctx, tx, jobID, ev.Error); err != nil {
				return err
			}
			if _, err := store.InsertOutboxRow(ctx, tx, job.ChatID, nullString("task failed: "+ev.Error), nil, nullableJobID(jobID), traceID); err != nil {
				return err
			}
			return store.AppendEvent(ctx, tx, traceID, "runtime", "job_failed", map[string]any{"job_id": jobID})
		})

	default:
		w.logger.Warn("unknown runner event kind", "kind", ev.Kind)
		return nil
	}
}

func (w *Worker) cleanupCancelled(ctx context.Context) {
	w.mu.Lock()
	runs := make(map[string]executor.Handle, len(w.activeRuns))
	for id, h := range w.activeRuns {
		runs[id] = h
	}
	w.mu.Unlock()

	for jobID, handle := range runs {
		job, err := w.store.JobByID(ctx, jobID)
		if err != nil {
			w.logger.Error("lookup job for cancel check failed", "job_id", jobID, "error", err)
			continue
		}
		if job == nil || job.Status != store.JobStatusCancelled {
			continue
		}
		if err := w.backend.Cancel(ctx, handle); err != nil {
			w.logger.Warn("cancel backend run failed", "job_id", jobID, "error", err)
		}
		w.mu.Lock()
		delete(w.activeRuns, jobID)
		w.mu.Unlock()
	}
}

func (w *Worker) recoverOrphans(ctx context.Context) {
	jobs, err := w.store.OrphanedRunningJobs(ctx, orphanAfter, orphanLimit)
	if err != nil {
		w.logger.Error("orphaned running jobs query failed", "error", err)
		return
	}
	for _, job := range jobs {
		err := w.withTx(ctx, func(tx *sql.Tx) error {
			if err := w.store.RequeueOrphan(ctx, tx, job.ID); err != nil {
				return err
			}
			return store.AppendEvent(ctx, tx, job.TraceID, "runtime", "orphan_recovered", map[string]any{"job_id": job.ID})
		})
		if err != nil {
			w.logger.Error("requeue orphan failed", "job_id", job.ID, "error", err)
			continue
		}
		w.mu.Lock()
		delete(w.activeRuns, job.ID)
		w.mu.Unlock()
	}
}

func (w *Worker) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := w.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func toAttachments(atts []executor.OutputAttachment) []store.Attachment {
	if len(atts) == 0 {
		return nil
	}
	out := make([]store.Attachment, 0, len(atts))
	for _, a := range atts {
		out = append(out, store.Attachment{Kind: a.Kind, Path: a.Path, Mime: a.Mime, Name: a.Name})
	}
	return out
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableJobID(id string) sql.NullString {
	return sql.NullString{String: id, Valid: id != ""}
}
