package executor

import (
	"bufio"
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

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

// DockerConfig configures the container backend. Mirrors the fields of
// original_source's ExecutionConfig, renamed to this kernel's env
// conventions (§6.4).
type DockerConfig struct {
	Image           string
	WorkspaceDir    string
	MediaDir        string
	SessionsDir     string
	StartTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxAttachmentMB int64
}

func (c DockerConfig) withDefaults() DockerConfig {
	if c.Image == "" {
		c.Image = "kernel-runner:latest"
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 60 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 300 * time.Second
	}
	if c.MaxAttachmentMB <= 0 {
		c.MaxAttachmentMB = 100
	}
	return c
}

// containerFrame is one line-delimited JSON frame from the container's
// stdout, tagged by "type" per §6.3.
type containerFrame struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"session_id"`
	Stream      string          `json:"stream"`
	Line        string          `json:"line"`
	Question    string          `json:"question"`
	Output      string          `json:"output"`
	Attachments json.RawMessage `json:"attachments"`
	Message     string          `json:"message"`
	Retryable   bool            `json:"retryable"`
}

type frameAttachment struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Name string `json:"name"`
	Mime string `json:"mime"`
}

type dockerRun struct {
	containerID string
	workspace   string
	events      chan Event
	cancel      context.CancelFunc

	mu          sync.Mutex
	lastFrameAt time.Time
	done        bool
}

// DockerBackend runs each job in an ephemeral container, streaming
// line-delimited JSON frames from stdout. Grounded on the teacher's
// tools.DockerSandbox for the official docker/docker client usage, and on
// original_source's AgentExecutor for the frame protocol and idle-timeout
// semantics.
type DockerBackend struct {
	client *client.Client
	cfg    DockerConfig
	logger *slog.Logger

	mu   sync.Mutex
	runs map[Handle]*dockerRun
}

// NewDockerBackend dials the local docker daemon via the environment
// (DOCKER_HOST et al.), matching client.FromEnv like the teacher does.
func NewDockerBackend(cfg DockerConfig, logger *slog.Logger) (*DockerBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerBackend{
		client: cli,
		cfg:    cfg.withDefaults(),
		logger: logger,
		runs:   make(map[Handle]*dockerRun),
	}, nil
}

func canonicalOr(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func (b *DockerBackend) Start(ctx context.Context, input Input) (Handle, error) {
	workspace := filepath.Join(b.cfg.WorkspaceDir, input.JobID)
	if err := os.MkdirAll(workspace, 0o700); err != nil {
		return "", fmt.Errorf("create job workspace: %w", err)
	}
	if err := os.MkdirAll(b.cfg.MediaDir, 0o700); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	if err := os.MkdirAll(b.cfg.SessionsDir, 0o700); err != nil {
		return "", fmt.Errorf("create sessions dir: %w", err)
	}

	prompt := input.Prompt
	if input.ResumeInput != "" {
		prompt = prompt + "\n\nUser response: " + input.ResumeInput
	}
	if err := os.WriteFile(filepath.Join(workspace, "prompt.txt"), []byte(prompt), 0o600); err != nil {
		return "", fmt.Errorf("write prompt file: %w", err)
	}

	attachmentsJSON, err := json.Marshal(input.Attachments)
	if err != nil {
		return "", fmt.Errorf("marshal attachments: %w", err)
	}

	containerName := fmt.Sprintf("kernel-job-%s", strings.ReplaceAll(input.JobID, "-", ""))
	env := []string{
		"KERNEL_JOB_ID=" + input.JobID,
		"KERNEL_TRACE_ID=" + input.TraceID,
		"KERNEL_PROMPT_PATH=/workspace/prompt.txt",
		"KERNEL_ATTACHMENTS_JSON=" + string(attachmentsJSON),
		"IS_SANDBOX=1",
	}
	if input.SessionID != "" {
		env = append(env, "KERNEL_SESSION_ID="+input.SessionID)
	}

	startCtx, startCancel := context.WithTimeout(ctx, b.cfg.StartTimeout)
	defer startCancel()

	resp, err := b.client.ContainerCreate(startCtx, &container.Config{
		Image: b.cfg.Image,
		Env:   env,
		Tty:   false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   2 << 30,
			NanoCPUs: 2e9,
		},
		Binds: []string{
			canonicalOr(workspace) + ":/workspace",
			canonicalOr(b.cfg.MediaDir) + ":/storage/media:ro",
			canonicalOr(b.cfg.SessionsDir) + ":/storage/sessions",
		},
		AutoRemove: true,
	}, nil, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := b.client.ContainerStart(startCtx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	run := &dockerRun{
		containerID: resp.ID,
		workspace:   workspace,
		events:      make(chan Event, 256),
		cancel:      runCancel,
		lastFrameAt: time.Now(),
	}

	handle := Handle(resp.ID)
	b.mu.Lock()
	b.runs[handle] = run
	b.mu.Unlock()

	go b.stream(runCtx, handle, run)
	go b.watchIdle(runCtx, handle, run)

	return handle, nil
}

func (b *DockerBackend) stream(ctx context.Context, handle Handle, run *dockerRun) {
	logs, err := b.client.ContainerLogs(ctx, run.containerID, container.LogsOptions{
		ShowStdout: true, ShowStderr: true, Follow: true,
	})
	if err != nil {
		b.emit(run, Event{Kind: EventFailed, Error: fmt.Sprintf("attach container logs: %v", err)})
		b.finish(run)
		return
	}
	defer logs.Close()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, logs)
		stdoutW.Close()
		stderrW.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); b.scanStream(run, "stdout", stdoutR) }()
	go func() { defer wg.Done(); b.scanStream(run, "stderr", stderrR) }()
	wg.Wait()

	b.finish(run)
}

func (b *DockerBackend) scanStream(run *dockerRun, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		run.mu.Lock()
		run.lastFrameAt = time.Now()
		run.mu.Unlock()

		var frame containerFrame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			b.emit(run, Event{Kind: eventKindForStream(stream), Line: line})
			continue
		}
		switch frame.Type {
		case "session":
			// handled implicitly; Runtime doesn't need the session id surfaced
			// until a resume is requested, which reads it back from the job row.
		case "log":
			b.emit(run, Event{Kind: eventKindForStream(frame.Stream), Line: frame.Line})
		case "ask_user":
			b.emit(run, Event{Kind: EventAskUser, Question: frame.Question})
			b.killContainer(run)
		case "final":
			b.emit(run, Event{Kind: EventComplete, Output: frame.Output, Attachments: b.resolveOutputAttachments(run, frame.Attachments)})
		case "error":
			b.emit(run, Event{Kind: EventFailed, Error: frame.Message})
		default:
			b.emit(run, Event{Kind: eventKindForStream(stream), Line: line})
		}
	}
}

func eventKindForStream(stream string) EventKind {
	if stream == "stderr" {
		return EventStderr
	}
	return EventStdout
}

// resolveOutputAttachments copies attachment files the container wrote
// under its workspace mount into the shared media directory with a fresh
// random prefix, per §6.3.
func (b *DockerBackend) resolveOutputAttachments(run *dockerRun, raw json.RawMessage) []OutputAttachment {
	if len(raw) == 0 {
		return nil
	}
	var refs []frameAttachment
	if err := json.Unmarshal(raw, &refs); err != nil {
		b.logger.Warn("failed to parse container attachment list", "error", err)
		return nil
	}
	var out []OutputAttachment
	for _, ref := range refs {
		src := filepath.Join(run.workspace, strings.TrimPrefix(ref.Path, "/workspace/"))
		data, err := os.ReadFile(src)
		if err != nil {
			b.logger.Warn("failed to read container output attachment", "path", src, "error", err)
			continue
		}
		name := ref.Name
		if name == "" {
			name = filepath.Base(src)
		}
		destName := uuid.NewString() + "-" + name
		dest := filepath.Join(b.cfg.MediaDir, destName)
		if err := os.WriteFile(dest, data, 0o600); err != nil {
			b.logger.Warn("failed to write output attachment to media dir", "path", dest, "error", err)
			continue
		}
		out = append(out, OutputAttachment{Kind: ref.Type, Path: dest, Name: name, Mime: ref.Mime})
	}
	return out
}

func (b *DockerBackend) watchIdle(ctx context.Context, handle Handle, run *dockerRun) {
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
				b.logger.Warn("container idle timeout, killing", "container_id", run.containerID)
				b.emit(run, Event{Kind: EventFailed, Error: fmt.Sprintf("container idle timeout after %s", b.cfg.IdleTimeout)})
				b.killContainer(run)
				return
			}
		}
	}
}

func (b *DockerBackend) emit(run *dockerRun, ev Event) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.done {
		return
	}
	select {
	case run.events <- ev:
	default:
		b.logger.Warn("executor event channel full, dropping event", "container_id", run.containerID, "kind", ev.Kind)
	}
}

func (b *DockerBackend) finish(run *dockerRun) {
	run.mu.Lock()
	if run.done {
		run.mu.Unlock()
		return
	}
	run.done = true
	run.mu.Unlock()
	run.cancel()
}

func (b *DockerBackend) killContainer(run *dockerRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = b.client.ContainerKill(ctx, run.containerID, "SIGKILL")
}

func (b *DockerBackend) Poll(ctx context.Context, handle Handle) ([]Event, error) {
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

func (b *DockerBackend) Cancel(ctx context.Context, handle Handle) error {
	b.mu.Lock()
	run, ok := b.runs[handle]
	if ok {
		delete(b.runs, handle)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	b.killContainer(run)
	b.finish(run)
	return nil
}
