package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WasmConfig configures the in-process backend. An alternate to
// DockerBackend, selected via RUNTIME_BACKEND=wasm (§6.4), for
// environments where spawning containers is unavailable.
type WasmConfig struct {
	ModulePath      string
	WorkspaceDir    string
	MediaDir        string
	IdleTimeout     time.Duration
	MaxAttachmentMB int64
}

func (c WasmConfig) withDefaults() WasmConfig {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 300 * time.Second
	}
	return c
}

type wasmRun struct {
	workspace string
	events    chan Event
	cancel    context.CancelFunc

	mu          sync.Mutex
	lastFrameAt time.Time
	done        bool
}

// lineWriter splits bytes written to it into lines and hands each complete
// line to onLine as soon as it arrives, so frames surface to Poll while the
// guest module is still running rather than only after it exits.
type lineWriter struct {
	mu     sync.Mutex
	buf    []byte
	onLine func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := indexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(w.buf[:idx])
		w.buf = w.buf[idx+1:]
		w.onLine(strings.TrimRight(line, "\r"))
	}
	return len(p), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// WasmBackend runs a job's prompt through a single compiled wasm module via
// wazero, mounting the job workspace as the guest's WASI root and treating
// its stdout as the same line-delimited JSON frame protocol the docker
// backend parses. Grounded on the teacher's sandbox/wasm.Host for wazero
// runtime setup, trimmed to this kernel's single-module execute-and-stream
// use rather than the teacher's skill-invocation/quarantine model.
type WasmBackend struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	cfg      WasmConfig
	logger   *slog.Logger

	mu   sync.Mutex
	runs map[Handle]*wasmRun
}

func NewWasmBackend(ctx context.Context, cfg WasmConfig, logger *slog.Logger) (*WasmBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}

	wasmBytes, err := os.ReadFile(cfg.ModulePath)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}

	return &WasmBackend{
		runtime:  rt,
		compiled: compiled,
		cfg:      cfg,
		logger:   logger,
		runs:     make(map[Handle]*wasmRun),
	}, nil
}

func (b *WasmBackend) Close(ctx context.Context) error {
	return b.runtime.Close(ctx)
}

func (b *WasmBackend) Start(ctx context.Context, input Input) (Handle, error) {
	workspace := filepath.Join(b.cfg.WorkspaceDir, input.JobID)
	if err := os.MkdirAll(workspace, 0o700); err != nil {
		return "", fmt.Errorf("create job workspace: %w", err)
	}
	prompt := input.Prompt
	if input.ResumeInput != "" {
		prompt = prompt + "\n\nUser response: " + input.ResumeInput
	}
	if err := os.WriteFile(filepath.Join(workspace, "prompt.txt"), []byte(prompt), 0o600); err != nil {
		return "", fmt.Errorf("write prompt file: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &wasmRun{
		workspace:   workspace,
		events:      make(chan Event, 256),
		cancel:      cancel,
		lastFrameAt: time.Now(),
	}
	handle := Handle(uuid.NewString())

	b.mu.Lock()
	b.runs[handle] = run
	b.mu.Unlock()

	go b.watchIdle(runCtx, run)
	go b.run(runCtx, input, run)

	return handle, nil
}

func (b *WasmBackend) run(ctx context.Context, input Input, run *wasmRun) {
	stdout := &lineWriter{onLine: func(line string) { b.handleLine(run, "stdout", line) }}
	stderr := &lineWriter{onLine: func(line string) { b.handleLine(run, "stderr", line) }}

	cfg := wazero.NewModuleConfig().
		WithStdout(stdout).
		WithStderr(stderr).
		WithEnv("KERNEL_JOB_ID", input.JobID).
		WithEnv("KERNEL_TRACE_ID", input.TraceID).
		WithEnv("KERNEL_PROMPT_PATH", "/workspace/prompt.txt").
		WithFSConfig(wazero.NewFSConfig().WithDirMount(run.workspace, "/workspace"))

	instantiateCtx, instCancel := context.WithTimeout(ctx, b.cfg.IdleTimeout)
	defer instCancel()

	mod, err := b.runtime.InstantiateModule(instantiateCtx, b.compiled, cfg)
	if mod != nil {
		defer mod.Close(context.Background())
	}
	if err != nil {
		b.emit(run, Event{Kind: EventFailed, Error: fmt.Sprintf("wasm module exited: %v", err)})
	}
	b.finish(run)
}

func (b *WasmBackend) handleLine(run *wasmRun, stream, line string) {
	run.mu.Lock()
	run.lastFrameAt = time.Now()
	run.mu.Unlock()

	var frame containerFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		b.emit(run, Event{Kind: eventKindForStream(stream), Line: line})
		return
	}
	switch frame.Type {
	case "session":
	case "log":
		b.emit(run, Event{Kind: eventKindForStream(frame.Stream), Line: frame.Line})
	case "ask_user":
		b.emit(run, Event{Kind: EventAskUser, Question: frame.Question})
	case "final":
		b.emit(run, Event{Kind: EventComplete, Output: frame.Output, Attachments: b.resolveOutputAttachments(run, frame.Attachments)})
	case "error":
		b.emit(run, Event{Kind: EventFailed, Error: frame.Message})
	default:
		b.emit(run, Event{Kind: eventKindForStream(stream), Line: line})
	}
}

func (b *WasmBackend) resolveOutputAttachments(run *wasmRun, raw json.RawMessage) []OutputAttachment {
	if len(raw) == 0 {
		return nil
	}
	var refs []frameAttachment
	if err := json.Unmarshal(raw, &refs); err != nil {
		b.logger.Warn("failed to parse wasm attachment list", "error", err)
		return nil
	}
	var out []OutputAttachment
	for _, ref := range refs {
		src := filepath.Join(run.workspace, strings.TrimPrefix(ref.Path, "/workspace/"))
		data, err := os.ReadFile(src)
		if err != nil {
			b.logger.Warn("failed to read wasm output attachment", "path", src, "error", err)
			continue
		}
		name := ref.Name
		if name == "" {
			name = filepath.Base(src)
		}
		dest := filepath.Join(b.cfg.MediaDir, uuid.NewString()+"-"+name)
		if err := os.WriteFile(dest, data, 0o600); err != nil {
			b.logger.Warn("failed to write wasm output attachment to media dir", "path", dest, "error", err)
			continue
		}
		out = append(out, OutputAttachment{Kind: ref.Type, Path: dest, Name: name, Mime: ref.Mime})
	}
	return out
}

func (b *WasmBackend) watchIdle(ctx context.Context, run *wasmRun) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run.mu.Lock()
			idleFor := time.Since(run.lastFrameAt)
			done := run.done
			run.mu.Unlock()
			if done {
				return
			}
			if idleFor > b.cfg.IdleTimeout {
				b.emit(run, Event{Kind: EventFailed, Error: fmt.Sprintf("wasm module idle timeout after %s", b.cfg.IdleTimeout)})
				b.finish(run)
				return
			}
		}
	}
}

func (b *WasmBackend) emit(run *wasmRun, ev Event) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.done {
		return
	}
	select {
	case run.events <- ev:
	default:
		b.logger.Warn("executor event channel full, dropping event", "kind", ev.Kind)
	}
}

func (b *WasmBackend) finish(run *wasmRun) {
	run.mu.Lock()
	if run.done {
		run.mu.Unlock()
		return
	}
	run.done = true
	run.mu.Unlock()
	run.cancel()
}

func (b *WasmBackend) Poll(ctx context.Context, handle Handle) ([]Event, error) {
	b.mu.Lock()
	run, ok := b.runs[handle]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown executor handle %q", handle)
	}
	var events []Event
	for {
		select {
		case ev, ok := <-run.events:
			if !ok {
				return events, nil
			}
			events = append(events, ev)
		default:
			return events, nil
		}
	}
}

func (b *WasmBackend) Cancel(ctx context.Context, handle Handle) error {
	b.mu.Lock()
	run, ok := b.runs[handle]
	if ok {
		delete(b.runs, handle)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	b.finish(run)
	return nil
}

var _ io.Writer = (*lineWriter)(nil)
