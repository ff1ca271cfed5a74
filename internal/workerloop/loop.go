// Package workerloop is the poll-tick-shutdown skeleton shared by all
// eight kernel workers (§5: "a long-lived loop alternating between a poll
// timer and a shutdown signal"). Grounded on the teacher's
// internal/cron/scheduler.go Start/Stop/loop structure, generalized from
// one fixed tick function to any worker's Tick.
package workerloop

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/kernel/internal/otel"
)

// Tick is one worker's unit of work for a single poll interval. Errors are
// the worker's own responsibility to log; per §7's propagation rule, a
// tick never returns an error past its own row/batch, so Tick itself
// returns nothing.
type Tick func(ctx context.Context)

// Config configures one worker loop.
type Config struct {
	Name     string // component name, used in every log line
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 second if zero
	Tick     Tick

	// Tracer and TickDuration are optional. When set, every tick is wrapped
	// in a span named "worker.tick" and its duration is recorded. A nil
	// Tracer/TickDuration (the default when telemetry is disabled) skips
	// both at zero cost.
	Tracer       trace.Tracer
	TickDuration metric.Float64Histogram
}

// Loop is a running worker: a named, independently cancellable poll loop.
type Loop struct {
	name         string
	logger       *slog.Logger
	interval     time.Duration
	tick         Tick
	tracer       trace.Tracer
	tickDuration metric.Float64Histogram

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Loop without starting it.
func New(cfg Config) *Loop {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		name:         cfg.Name,
		logger:       logger.With("component", cfg.Name),
		interval:     interval,
		tick:         cfg.Tick,
		tracer:       cfg.Tracer,
		tickDuration: cfg.TickDuration,
	}
}

// Start begins the loop's background goroutine. It ticks once immediately,
// then on every interval, until Stop is called or ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.run(ctx)
	l.logger.Info("worker started", "interval", l.interval)
}

// Stop cancels the loop and waits for its in-flight tick to finish.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.logger.Info("worker stopped")
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.safeTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.safeTick(ctx)
		}
	}
}

// safeTick recovers a panicking tick so one bad row never brings down the
// process; the worker simply logs and is retried on the next interval.
func (l *Loop) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("worker tick panicked", "recovered", r)
		}
	}()

	if l.tracer != nil {
		var span trace.Span
		ctx, span = l.tracer.Start(ctx, "worker.tick", trace.WithAttributes(
			otel.AttrWorker.String(l.name),
		))
		defer span.End()
	}

	start := time.Now()
	l.tick(ctx)
	if l.tickDuration != nil {
		l.tickDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrWorker.String(l.name)))
	}
}
