package config_test

import (
	"path/filepath"
	"testing"

	"github.com/basket/kernel/internal/config"
)

func TestLoad_DefaultsUnderKernelHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("KERNEL_HOME", home)
	t.Setenv("MEDIA_DIR", "")
	t.Setenv("WORKSPACE_DIR", "")
	t.Setenv("SESSIONS_DIR", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %s, got %s", home, cfg.HomeDir)
	}
	if cfg.DBPath != filepath.Join(home, "kernel.db") {
		t.Fatalf("unexpected db path: %s", cfg.DBPath)
	}
	if cfg.MediaDir != filepath.Join(home, "media") {
		t.Fatalf("unexpected media dir: %s", cfg.MediaDir)
	}
	if cfg.Poll.GatewayMS != 1000 {
		t.Fatalf("expected default gateway poll 1000ms, got %d", cfg.Poll.GatewayMS)
	}
	if cfg.TypingIdleFlushMS != 5000 {
		t.Fatalf("expected default typing idle flush 5000ms, got %d", cfg.TypingIdleFlushMS)
	}
}

func TestLoad_PerWorkerPollOverrides(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("KERNEL_HOME", home)
	t.Setenv("TRIAGE_POLL_MS", "250")
	t.Setenv("AUDIT_POLL_MS", "9000")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Poll.TriageMS != 250 {
		t.Fatalf("expected triage poll 250ms, got %d", cfg.Poll.TriageMS)
	}
	if cfg.Poll.AuditMS != 9000 {
		t.Fatalf("expected audit poll 9000ms, got %d", cfg.Poll.AuditMS)
	}
}

func TestLoad_BooleanFlags(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("KERNEL_HOME", home)
	t.Setenv("DELIVERY_FAKE_SEND", "true")
	t.Setenv("REPLY_SKIP_LLM", "1")
	t.Setenv("TRIAGE_FORCE_FALLBACK", "yes")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.DeliveryFakeSend {
		t.Fatal("expected DeliveryFakeSend=true")
	}
	if !cfg.ReplySkipLLM {
		t.Fatal("expected ReplySkipLLM=true")
	}
	if !cfg.TriageForceFallback {
		t.Fatal("expected TriageForceFallback=true")
	}
}

func TestLoad_ExecutorBackendOverride(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("KERNEL_HOME", home)
	t.Setenv("RUNTIME_BACKEND", "wasm")
	t.Setenv("RUNTIME_ENABLED", "false")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Executor.Backend != "wasm" {
		t.Fatalf("expected wasm backend, got %s", cfg.Executor.Backend)
	}
	if cfg.Executor.Enabled {
		t.Fatal("expected executor disabled")
	}
}

func TestInterval_ZeroFallsBackToOneSecond(t *testing.T) {
	if got := config.Interval(0); got.Milliseconds() != 1000 {
		t.Fatalf("expected 1000ms fallback, got %v", got)
	}
}
