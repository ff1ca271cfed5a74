package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// WorkerPoll holds the per-worker poll interval, in milliseconds, for each
// of the eight workers.
type WorkerPoll struct {
	GatewayMS  int
	TriageMS   int
	ContextMS  int
	ClockMS    int
	RuntimeMS  int
	ReplyMS    int
	DeliveryMS int
	AuditMS    int
}

// Interval converts a WorkerPoll field to a time.Duration for workerloop.
func Interval(ms int) time.Duration {
	if ms <= 0 {
		ms = 1000
	}
	return time.Duration(ms) * time.Millisecond
}

// LLMConfig configures the LLM decision-surface collaborator (§6.2).
type LLMConfig struct {
	Provider string // "anthropic", "google", "openai_compatible"
	Model    string
	APIKey   string
	BaseURL  string // only used by openai_compatible
}

// ExecutorConfig configures the sandboxed agent executor (§6.3).
type ExecutorConfig struct {
	Enabled        bool
	Backend        string // "docker" or "wasm"
	DockerImage    string
	StartTimeout   time.Duration
	IdleTimeout    time.Duration
	WASMModulePath string
}

// TransportConfig configures the chat transport collaborator (§6.1).
type TransportConfig struct {
	SessionDBPath string // whatsmeow device-store sqlite path
}

// TelemetryConfig configures the OpenTelemetry tracer/meter provider.
// Disabled by default: worker ticks run with a no-op tracer and no
// metrics are exported unless a supervisor opts in.
type TelemetryConfig struct {
	Enabled        bool
	Exporter       string // "otlp-http", "stdout", or "none"
	Endpoint       string
	ServiceName    string
	SampleRate     float64
	MetricsEnabled bool
}

// Config is the fully-resolved process configuration, loaded once at
// startup and passed to every worker. No worker reads os.Getenv directly.
type Config struct {
	HomeDir      string
	DBPath       string
	MediaDir     string
	WorkspaceDir string
	SessionsDir  string

	LogLevel string
	Quiet    bool

	Poll               WorkerPoll
	TypingIdleFlushMS  int
	DeliveryFakeSend   bool
	ReplySkipLLM       bool
	TriageForceFallback bool

	LLM       LLMConfig
	Executor  ExecutorConfig
	Transport TransportConfig
	Telemetry TelemetryConfig

	CronSeedPath string
}

// HomeDir resolves the kernel's home directory: $KERNEL_HOME, or
// ~/.kernel if unset.
func homeDir() string {
	if override := os.Getenv("KERNEL_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".kernel")
}

// Load resolves the full Config from the process environment, creating
// the home directory tree (logs/, media/, workspace/, sessions/) if absent.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir()

	for _, dir := range []string{cfg.HomeDir, filepath.Join(cfg.HomeDir, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return cfg, fmt.Errorf("create kernel home: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)

	for _, dir := range []string{cfg.MediaDir, cfg.WorkspaceDir, cfg.SessionsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return cfg, fmt.Errorf("create storage dir %s: %w", dir, err)
		}
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Poll: WorkerPoll{
			GatewayMS:  1000,
			TriageMS:   1500,
			ContextMS:  1500,
			ClockMS:    2000,
			RuntimeMS:  1000,
			ReplyMS:    1000,
			DeliveryMS: 1000,
			AuditMS:    3000,
		},
		TypingIdleFlushMS: 5000,
		LLM: LLMConfig{
			Provider: "anthropic",
		},
		Executor: ExecutorConfig{
			Enabled:      true,
			Backend:      "docker",
			DockerImage:  "kernel-runner:latest",
			StartTimeout: 30 * time.Second,
			IdleTimeout:  5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			ServiceName: "kernel",
			SampleRate:  1.0,
		},
	}
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "kernel.db")
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = filepath.Join(cfg.HomeDir, "media")
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.SessionsDir == "" {
		cfg.SessionsDir = filepath.Join(cfg.HomeDir, "sessions")
	}
	if cfg.Transport.SessionDBPath == "" {
		cfg.Transport.SessionDBPath = filepath.Join(cfg.SessionsDir, "whatsapp.db")
	}
	if cfg.CronSeedPath == "" {
		cfg.CronSeedPath = filepath.Join(cfg.HomeDir, "crons.yaml")
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Executor.Backend == "" {
		cfg.Executor.Backend = "docker"
	}
}

func applyEnvOverrides(cfg *Config) {
	setMS := func(key string, dst *int) {
		if raw := os.Getenv(key); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				*dst = v
			}
		}
	}
	setMS("GATEWAY_POLL_MS", &cfg.Poll.GatewayMS)
	setMS("TRIAGE_POLL_MS", &cfg.Poll.TriageMS)
	setMS("CONTEXT_POLL_MS", &cfg.Poll.ContextMS)
	setMS("CLOCK_POLL_MS", &cfg.Poll.ClockMS)
	setMS("RUNTIME_POLL_MS", &cfg.Poll.RuntimeMS)
	setMS("REPLY_POLL_MS", &cfg.Poll.ReplyMS)
	setMS("DELIVERY_POLL_MS", &cfg.Poll.DeliveryMS)
	setMS("AUDIT_POLL_MS", &cfg.Poll.AuditMS)
	setMS("TYPING_IDLE_FLUSH_MS", &cfg.TypingIdleFlushMS)

	if raw := os.Getenv("MEDIA_DIR"); raw != "" {
		cfg.MediaDir = raw
	}
	if raw := os.Getenv("WORKSPACE_DIR"); raw != "" {
		cfg.WorkspaceDir = raw
	}
	if raw := os.Getenv("SESSIONS_DIR"); raw != "" {
		cfg.SessionsDir = raw
	}
	if raw := os.Getenv("KERNEL_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	cfg.Quiet = truthy(os.Getenv("LOG_QUIET"))

	cfg.DeliveryFakeSend = truthy(os.Getenv("DELIVERY_FAKE_SEND"))
	cfg.ReplySkipLLM = truthy(os.Getenv("REPLY_SKIP_LLM"))
	cfg.TriageForceFallback = truthy(os.Getenv("TRIAGE_FORCE_FALLBACK"))

	if raw := os.Getenv("RUNTIME_ENABLED"); raw != "" {
		cfg.Executor.Enabled = truthy(raw)
	}
	if raw := os.Getenv("RUNTIME_BACKEND"); raw != "" {
		cfg.Executor.Backend = raw
	}
	if raw := os.Getenv("DOCKER_IMAGE"); raw != "" {
		cfg.Executor.DockerImage = raw
	}
	if raw := os.Getenv("DOCKER_TIMEOUT_START_SECS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.Executor.StartTimeout = time.Duration(v) * time.Second
		}
	}
	if raw := os.Getenv("DOCKER_TIMEOUT_IDLE_SECS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.Executor.IdleTimeout = time.Duration(v) * time.Second
		}
	}
	if raw := os.Getenv("WASM_MODULE_PATH"); raw != "" {
		cfg.Executor.WASMModulePath = raw
	}

	if raw := os.Getenv("LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("LLM_BASE_URL"); raw != "" {
		cfg.LLM.BaseURL = raw
	}
	cfg.LLM.APIKey = firstNonEmpty(
		os.Getenv("ANTHROPIC_API_KEY"),
		os.Getenv("GOOGLE_API_KEY"),
		os.Getenv("OPENAI_API_KEY"),
	)

	if raw := os.Getenv("CRON_SEED_PATH"); raw != "" {
		cfg.CronSeedPath = raw
	}

	if raw := os.Getenv("OTEL_ENABLED"); raw != "" {
		cfg.Telemetry.Enabled = truthy(raw)
	}
	if raw := os.Getenv("OTEL_EXPORTER"); raw != "" {
		cfg.Telemetry.Exporter = raw
	}
	if raw := os.Getenv("OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
	if raw := os.Getenv("OTEL_SERVICE_NAME"); raw != "" {
		cfg.Telemetry.ServiceName = raw
	}
	if raw := os.Getenv("OTEL_SAMPLE_RATE"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			cfg.Telemetry.SampleRate = v
		}
	}
	cfg.Telemetry.MetricsEnabled = truthy(os.Getenv("OTEL_METRICS_ENABLED"))
}

func truthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
