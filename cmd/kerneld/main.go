package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/kernel/internal/audit"
	"github.com/basket/kernel/internal/clock"
	"github.com/basket/kernel/internal/config"
	"github.com/basket/kernel/internal/delivery"
	"github.com/basket/kernel/internal/enrich"
	"github.com/basket/kernel/internal/executor"
	"github.com/basket/kernel/internal/gateway"
	"github.com/basket/kernel/internal/llm"
	"github.com/basket/kernel/internal/media"
	kernelotel "github.com/basket/kernel/internal/otel"
	"github.com/basket/kernel/internal/reply"
	"github.com/basket/kernel/internal/runtime"
	"github.com/basket/kernel/internal/store"
	"github.com/basket/kernel/internal/telemetry"
	"github.com/basket/kernel/internal/transport"
	"github.com/basket/kernel/internal/triage"
	"github.com/basket/kernel/internal/workerloop"
	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/metric"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Run the kernel daemon (Gateway through Audit workers)
  %s doctor [-json]  Run diagnostic checks against the resolved config

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 && args[0] == "doctor" {
		os.Exit(runDoctorCommand(ctx, args[1:]))
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Mirror log lines to stdout only when attached to a real terminal;
	// under a daemon supervisor the jsonl file is the log of record.
	quiet := cfg.Quiet || !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	otelProvider, err := kernelotel.Init(ctx, kernelotel.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: &cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		if err := otelProvider.Shutdown(context.Background()); err != nil {
			logger.Error("otel shutdown failed", "error", err)
		}
	}()
	var tickDuration metric.Float64Histogram
	var otelMetrics *kernelotel.Metrics
	if cfg.Telemetry.Enabled && cfg.Telemetry.MetricsEnabled {
		m, err := kernelotel.NewMetrics(otelProvider.Meter)
		if err != nil {
			logger.Error("otel metrics init failed", "error", err)
		} else {
			otelMetrics = m
			tickDuration = m.TickDuration
		}
	}

	svc := llm.New(ctx, llm.Config{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
	}, otelMetrics)

	tp, err := transport.NewWhatsAppTransport(ctx, cfg.Transport.SessionDBPath, logger)
	if err != nil {
		fatalStartup(logger, "E_TRANSPORT_INIT", err)
	}
	defer tp.Close()

	backend, err := newExecutorBackend(ctx, cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_EXECUTOR_INIT", err)
	}

	prep := media.NewGenkitPreprocessor(llm.Genkit(svc), llm.ModelName(svc))

	gw := gateway.New(st, tp, svc, cfg.MediaDir, cfg.TypingIdleFlushMS, logger)
	tri := triage.New(st, svc, cfg.TriageForceFallback, otelProvider.Tracer, otelMetrics, logger)
	ctxWorker := enrich.New(st, svc, prep, logger)
	clk := clock.New(st, otelMetrics, logger)
	rt := runtime.New(st, backend, cfg.Executor.Backend, otelProvider.Tracer, otelMetrics, logger)
	rp := reply.New(st, svc, cfg.ReplySkipLLM, logger)
	dl := delivery.New(st, tp, cfg.DeliveryFakeSend, otelProvider.Tracer, otelMetrics, logger)
	ad := audit.New(st, logger)

	loops := []*workerloop.Loop{
		gw.Loop(config.Interval(cfg.Poll.GatewayMS), otelProvider.Tracer, tickDuration),
		workerloop.New(workerloop.Config{Name: "triage", Logger: logger, Interval: config.Interval(cfg.Poll.TriageMS), Tick: tri.Tick, Tracer: otelProvider.Tracer, TickDuration: tickDuration}),
		workerloop.New(workerloop.Config{Name: "context", Logger: logger, Interval: config.Interval(cfg.Poll.ContextMS), Tick: ctxWorker.Tick, Tracer: otelProvider.Tracer, TickDuration: tickDuration}),
		workerloop.New(workerloop.Config{Name: "clock", Logger: logger, Interval: config.Interval(cfg.Poll.ClockMS), Tick: clk.Tick, Tracer: otelProvider.Tracer, TickDuration: tickDuration}),
		workerloop.New(workerloop.Config{Name: "runtime", Logger: logger, Interval: config.Interval(cfg.Poll.RuntimeMS), Tick: rt.Tick, Tracer: otelProvider.Tracer, TickDuration: tickDuration}),
		workerloop.New(workerloop.Config{Name: "reply", Logger: logger, Interval: config.Interval(cfg.Poll.ReplyMS), Tick: rp.Tick, Tracer: otelProvider.Tracer, TickDuration: tickDuration}),
		workerloop.New(workerloop.Config{Name: "delivery", Logger: logger, Interval: config.Interval(cfg.Poll.DeliveryMS), Tick: dl.Tick, Tracer: otelProvider.Tracer, TickDuration: tickDuration}),
		workerloop.New(workerloop.Config{Name: "audit", Logger: logger, Interval: config.Interval(cfg.Poll.AuditMS), Tick: ad.Tick, Tracer: otelProvider.Tracer, TickDuration: tickDuration}),
	}

	gw.Start(ctx)
	for _, l := range loops {
		l.Start(ctx)
	}
	logger.Info("startup phase", "phase", "workers_started", "count", len(loops))

	seedWatcher := config.NewSeedWatcher(cfg.CronSeedPath, logger)
	if err := seedWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CRON_SEED_WATCH", err)
	}
	if seeds, err := config.LoadCronSeeds(cfg.CronSeedPath); err != nil {
		logger.Error("initial cron seed load failed", "error", err)
	} else if err := applyCronSeeds(ctx, st, seeds); err != nil {
		logger.Error("initial cron seed apply failed", "error", err)
	}
	go func() {
		for seeds := range seedWatcher.Events() {
			if err := applyCronSeeds(ctx, st, seeds); err != nil {
				logger.Error("cron seed reload apply failed", "error", err)
			}
		}
	}()

	logger.Info("kernel running")
	<-ctx.Done()
	logger.Info("shutdown signal received")

	for _, l := range loops {
		l.Stop()
	}
	logger.Info("shutdown complete")
}

func newExecutorBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (executor.Backend, error) {
	if !cfg.Executor.Enabled {
		return executor.NewFakeBackend(), nil
	}
	switch cfg.Executor.Backend {
	case "wasm":
		return executor.NewWasmBackend(ctx, executor.WasmConfig{
			ModulePath:   cfg.Executor.WASMModulePath,
			WorkspaceDir: cfg.WorkspaceDir,
			MediaDir:     cfg.MediaDir,
			IdleTimeout:  cfg.Executor.IdleTimeout,
		}, logger)
	default:
		return executor.NewDockerBackend(executor.DockerConfig{
			Image:        cfg.Executor.DockerImage,
			WorkspaceDir: cfg.WorkspaceDir,
			MediaDir:     cfg.MediaDir,
			SessionsDir:  cfg.SessionsDir,
			StartTimeout: cfg.Executor.StartTimeout,
			IdleTimeout:  cfg.Executor.IdleTimeout,
		}, logger)
	}
}

// applyCronSeeds upserts every seeded cron in one transaction per reload;
// a malformed seed file never reaches here (LoadCronSeeds already
// validated required fields), so a failure here is a store-level error.
func applyCronSeeds(ctx context.Context, st *store.Store, seeds []config.CronSeed) error {
	if len(seeds) == 0 {
		return nil
	}
	tx, err := st.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, seed := range seeds {
		if err := store.UpsertCronFromSeed(ctx, tx, seed.Name, seed.Schedule, seed.Timezone, seed.ChatID, seed.Prompt); err != nil {
			return fmt.Errorf("upsert seeded cron %q: %w", seed.Name, err)
		}
	}
	return tx.Commit()
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
