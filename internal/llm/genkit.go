package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	kernelotel "github.com/basket/kernel/internal/otel"
)

// Config selects and authenticates the backing provider. Mirrors the
// provider switch in the teacher's engine.BrainConfig, trimmed to the
// fields this kernel's §6.2 surface actually needs.
type Config struct {
	Provider string // "anthropic", "openai", "google", or "" (defaults to google)
	Model    string
	APIKey   string
	BaseURL  string // only consulted for "openai"
}

type genkitService struct {
	g        *genkit.Genkit
	provider string
	model    string
	ready    bool
	metrics  *kernelotel.Metrics
}

// New wires a Genkit instance to the configured provider. When no API key
// is available the returned Service still answers every call, routed
// entirely through the deterministic fallback path in fallback.go, so
// workers never need a nil check. metrics is optional; nil skips recording
// LLMCallDuration at zero cost.
func New(ctx context.Context, cfg Config, metrics *kernelotel.Metrics) Service {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	ready := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: os.Getenv("ANTHROPIC_BASE_URL")}))
			ready = true
			slog.Info("llm service initialized", "provider", "anthropic", "model", model)
		}
	case "openai":
		if apiKey != "" {
			baseURL := cfg.BaseURL
			if baseURL == "" {
				baseURL = os.Getenv("OPENAI_BASE_URL")
			}
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openai", APIKey: apiKey, BaseURL: baseURL}))
			ready = true
			slog.Info("llm service initialized", "provider", "openai", "model", model)
		}
	case "google", "":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}), genkit.WithDefaultModel("googleai/"+model))
			ready = true
			slog.Info("llm service initialized", "provider", "google", "model", "googleai/"+model)
		}
	default:
		slog.Warn("unknown llm provider, falling back to deterministic decisions", "provider", provider)
	}

	if !ready {
		slog.Warn("no llm api key configured, running on deterministic fallback only", "provider", provider)
		g = genkit.Init(ctx)
	}

	return &genkitService{g: g, provider: provider, model: model, ready: ready, metrics: metrics}
}

// recordLLMDuration records LLMCallDuration for one genkit.Generate/Embed
// round trip, tagged by the calling RPC and the resolved model name.
func (s *genkitService) recordLLMDuration(ctx context.Context, rpc string, start time.Time) {
	if s.metrics == nil || s.metrics.LLMCallDuration == nil {
		return
	}
	s.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("kernel.llm.rpc", rpc),
		kernelotel.AttrModel.String(s.modelName()),
	))
}

// Genkit returns the underlying genkit instance a Service wraps, so
// internal/media can drive the same multimodal Generate calls without
// standing up a second provider connection. Returns nil for a Service
// implementation that isn't genkit-backed.
func Genkit(svc Service) *genkit.Genkit {
	gs, ok := svc.(*genkitService)
	if !ok {
		return nil
	}
	return gs.g
}

// ModelName returns the model name §4.4/§4.7's genkit calls should use,
// in the provider-prefixed form genkit.Generate expects.
func ModelName(svc Service) string {
	gs, ok := svc.(*genkitService)
	if !ok {
		return ""
	}
	return gs.modelName()
}

func (s *genkitService) modelName() string {
	switch s.provider {
	case "anthropic":
		return "anthropic/" + s.model
	case "openai":
		return "openai/" + s.model
	default:
		return "googleai/" + s.model
	}
}

const triageSystemPrompt = `You route a batch of inbound chat messages into zero or more actions.
Respond only with JSON matching the required schema: a "decisions" array of tagged objects.
Use "reply" for a direct conversational answer, "create_job" to hand work to the executor,
"create_cron" to schedule recurring work, "cancel_job"/"cancel_cron"/"resume_job" to manage
existing work referenced in the provided active jobs/crons, "set_subscription" to mute or
unmute the chat, and "noop" when nothing warrants a decision.`

func (s *genkitService) TriageBatch(ctx context.Context, req TriageRequest) ([]Decision, error) {
	if !s.ready {
		return fallbackTriage(req), nil
	}

	prompt := formatTriagePrompt(req)
	const maxAttempts = 3 // initial attempt + 2 retries, per §6.2
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		callStart := time.Now()
		resp, err := genkit.Generate(ctx, s.g,
			ai.WithModelName(s.modelName()),
			ai.WithSystem(triageSystemPrompt),
			ai.WithPrompt(prompt),
		)
		s.recordLLMDuration(ctx, "triage_batch", callStart)
		if err != nil {
			lastErr = err
			slog.Warn("triage generate failed, retrying", "attempt", attempt, "error", err)
			continue
		}
		decisions, err := ValidateAndParseDecisions(extractJSONObject(resp.Text()))
		if err != nil {
			lastErr = err
			slog.Warn("triage response failed schema validation, retrying", "attempt", attempt, "error", err)
			continue
		}
		return decisions, nil
	}
	slog.Warn("triage llm exhausted retries, using deterministic fallback", "error", lastErr)
	return fallbackTriage(req), nil
}

func (s *genkitService) EnrichJob(ctx context.Context, jobID, prompt string, history []string) (string, error) {
	if !s.ready {
		return fallbackEnrich(prompt, history), nil
	}
	callStart := time.Now()
	resp, err := genkit.Generate(ctx, s.g,
		ai.WithModelName(s.modelName()),
		ai.WithSystem("Expand the following job prompt into a complete, self-contained instruction for an autonomous coding agent, using the chat history for context. Respond with the expanded instruction only, no preamble."),
		ai.WithPrompt(formatEnrichPrompt(prompt, history)),
	)
	s.recordLLMDuration(ctx, "enrich_job", callStart)
	if err != nil {
		slog.Warn("enrich job generate failed, falling back to raw prompt", "job_id", jobID, "error", err)
		return fallbackEnrich(prompt, history), nil
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return fallbackEnrich(prompt, history), nil
	}
	return text, nil
}

func (s *genkitService) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if !s.ready || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	callStart := time.Now()
	resp, err := genkit.Embed(ctx, s.g, ai.WithEmbedText(text))
	s.recordLLMDuration(ctx, "embed_text", callStart)
	if err != nil {
		slog.Warn("embed text failed", "error", err)
		return nil, nil
	}
	if len(resp.Embeddings) == 0 {
		return nil, nil
	}
	return resp.Embeddings[0].Embedding, nil
}

func (s *genkitService) RewriteReply(ctx context.Context, content string, history []string) (string, error) {
	if !s.ready || strings.TrimSpace(content) == "" {
		return fallbackRewrite(content), nil
	}
	callStart := time.Now()
	resp, err := genkit.Generate(ctx, s.g,
		ai.WithModelName(s.modelName()),
		ai.WithSystem("Lightly rewrite the draft reply below for tone and formatting consistency with the chat history. Preserve all facts and intent. Respond with the rewritten reply only."),
		ai.WithPrompt(formatRewritePrompt(content, history)),
	)
	s.recordLLMDuration(ctx, "rewrite_reply", callStart)
	if err != nil {
		slog.Warn("rewrite reply generate failed, sending draft unchanged", "error", err)
		return fallbackRewrite(content), nil
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return fallbackRewrite(content), nil
	}
	return text, nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-3-5-sonnet-20241022"
	case "openai":
		return "gpt-4o-mini"
	case "google", "":
		return "gemini-2.5-flash"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func formatTriagePrompt(req TriageRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "chat_id: %s\n\nmessages:\n", req.ChatID)
	for _, m := range req.Messages {
		fmt.Fprintf(&b, "- id=%s edit=%v audio=%v image=%v content=%q\n", m.ID, m.IsEdit, m.HasAudio, m.HasImage, m.Content)
	}
	b.WriteString("\nactive_jobs:\n")
	for _, j := range req.ActiveJobs {
		fmt.Fprintf(&b, "- id=%s status=%s prompt=%q\n", j.ID, j.Status, j.Prompt)
	}
	b.WriteString("\nactive_crons:\n")
	for _, c := range req.ActiveCrons {
		fmt.Fprintf(&b, "- name=%s schedule=%q\n", c.Name, c.Schedule)
	}
	b.WriteString("\nhistory:\n")
	for _, h := range req.History {
		fmt.Fprintf(&b, "- %s\n", h)
	}
	return b.String()
}

func formatEnrichPrompt(prompt string, history []string) string {
	if len(history) == 0 {
		return prompt
	}
	return "history:\n" + strings.Join(history, "\n") + "\n\njob prompt:\n" + prompt
}

func formatRewritePrompt(content string, history []string) string {
	if len(history) == 0 {
		return content
	}
	return "history:\n" + strings.Join(history, "\n") + "\n\ndraft reply:\n" + content
}

// extractJSONObject pulls the first balanced {...} out of resp, tolerating
// a model that wraps the JSON in prose or a fenced code block — the same
// leniency the teacher's structured-output validator applies.
func extractJSONObject(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			return strings.TrimSpace(text[start : start+end])
		}
	}
	depth := 0
	start := -1
	for i, ch := range text {
		switch ch {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				return text[start : i+1]
			}
		}
	}
	return strings.TrimSpace(text)
}
