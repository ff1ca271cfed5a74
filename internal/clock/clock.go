// Package clock is the Clock worker (§4.5): fires draft jobs from due
// cron rows on schedule, advancing each cron's next_run_at through the
// shared internal/cronexpr parser.
package clock

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/basket/kernel/internal/cronexpr"
	kernelotel "github.com/basket/kernel/internal/otel"
	"github.com/basket/kernel/internal/shared"
	"github.com/basket/kernel/internal/store"
)

const claimLimit = 20

// autoStopPattern matches the AUTO_STOP_AFTER=N marker embedded in a cron
// prompt.
var autoStopPattern = regexp.MustCompile(`AUTO_STOP_AFTER=(\d+)`)

// Worker runs the Clock tick.
type Worker struct {
	store   *store.Store
	metrics *kernelotel.Metrics
	logger  *slog.Logger
}

// New constructs a Clock worker. metrics is optional; nil skips recording
// CronFiresTotal at zero cost.
func New(st *store.Store, metrics *kernelotel.Metrics, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: st, metrics: metrics, logger: logger}
}

// Tick implements workerloop.Tick.
func (w *Worker) Tick(ctx context.Context) {
	crons, err := w.store.ClaimDueCrons(ctx, claimLimit)
	if err != nil {
		w.logger.Error("claim due crons failed", "error", err)
		return
	}
	for _, c := range crons {
		if err := w.fireCron(ctx, c); err != nil {
			w.logger.Error("fire cron failed", "cron_id", c.ID, "error", err)
		}
	}
}

func (w *Worker) fireCron(ctx context.Context, c store.Cron) error {
	db := w.store.DB()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if n, ok := autoStopAfter(c.Prompt); ok {
		fired, err := store.CountCronFiredEvents(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		if fired >= n {
			if err := store.DisableCron(ctx, tx, c.ID); err != nil {
				return err
			}
			if err := store.AppendEvent(ctx, tx, shared.NewTraceID(), "clock", "cron_auto_stopped", map[string]any{
				"cron_id": c.ID,
				"fired":   fired,
				"limit":   n,
			}); err != nil {
				return err
			}
			return tx.Commit()
		}
	}

	normalized := cronexpr.Normalize(c.Schedule)
	next, err := cronexpr.NextRun(normalized, c.Timezone, time.Now())
	if err != nil {
		if dErr := store.DisableCron(ctx, tx, c.ID); dErr != nil {
			return dErr
		}
		if eErr := store.AppendEvent(ctx, tx, shared.NewTraceID(), "clock", "cron_disabled_invalid_schedule", map[string]any{
			"cron_id": c.ID,
			"error":   err.Error(),
		}); eErr != nil {
			return eErr
		}
		return tx.Commit()
	}

	if !c.NextRunAt.Valid {
		if err := store.InitializeCronSchedule(ctx, tx, c.ID, next); err != nil {
			return err
		}
		if err := store.AppendEvent(ctx, tx, shared.NewTraceID(), "clock", "cron_scheduled", map[string]any{
			"cron_id":     c.ID,
			"next_run_at": next,
		}); err != nil {
			return err
		}
		return tx.Commit()
	}

	traceID := shared.NewTraceID()
	jobID, err := store.CreateDraftJob(ctx, tx, store.JobKindSchedule, c.ChatID, c.Prompt, traceID, nil)
	if err != nil {
		return err
	}
	if err := store.AdvanceCronAfterFire(ctx, tx, c.ID, next, jobID); err != nil {
		return err
	}
	if err := store.AppendEvent(ctx, tx, traceID, "clock", "cron_fired", map[string]any{
		"cron_id": c.ID,
		"job_id":  jobID,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if w.metrics != nil && w.metrics.CronFiresTotal != nil {
		w.metrics.CronFiresTotal.Add(ctx, 1)
	}
	return nil
}

// autoStopAfter extracts N from an AUTO_STOP_AFTER=N marker in the prompt,
// if present.
func autoStopAfter(prompt string) (int, bool) {
	m := autoStopPattern.FindStringSubmatch(prompt)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
