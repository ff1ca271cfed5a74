package llm

import (
	"strings"
)

// FallbackTriage is fallbackTriage exported for Triage to call directly
// when TRIAGE_FORCE_FALLBACK is set, bypassing the LLM collaborator
// entirely rather than calling it and discarding the result.
func FallbackTriage(req TriageRequest) []Decision {
	return fallbackTriage(req)
}

// fallbackTriage is the deterministic triage used when the configured
// provider is unavailable or every retry in genkitService.TriageBatch has
// been exhausted: concatenate the batch's raw text into a single action
// job so nothing silently drops, or Noop if there's no text at all.
func fallbackTriage(req TriageRequest) []Decision {
	var parts []string
	for _, m := range req.Messages {
		if strings.TrimSpace(m.Content) != "" {
			parts = append(parts, m.Content)
		}
	}
	combined := strings.TrimSpace(strings.Join(parts, "\n"))
	if combined == "" {
		return []Decision{{Kind: DecisionNoop}}
	}
	return []Decision{{Kind: DecisionCreateJob, Prompt: combined, JobKind: "action"}}
}

// fallbackEnrich passes the raw prompt through unchanged with the recent
// history folded in as plain context, the best Context can do without a
// working LLM collaborator.
func fallbackEnrich(prompt string, history []string) string {
	if len(history) == 0 {
		return prompt
	}
	return strings.Join(history, "\n") + "\n\n" + prompt
}

// fallbackRewrite returns content unchanged: no tone rewriting without an
// LLM, which is the safe default (Delivery still sends the original text).
func fallbackRewrite(content string) string {
	return content
}
