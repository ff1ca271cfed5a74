package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// decisionSchemaJSON is the forced tool-call schema for triage_batch: an
// array of tagged-union decisions, one per routed message or grouped
// batch. Kept as a package-level constant rather than a struct-derived
// schema since the Decision Go type has fields that are conditionally
// meaningful depending on kind, which a naive reflection-based schema
// generator would expose as always-optional and miss the oneOf shape.
const decisionSchemaJSON = `{
  "type": "object",
  "properties": {
    "decisions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "kind": {
            "type": "string",
            "enum": ["reply", "create_job", "create_cron", "cancel_job", "cancel_cron", "resume_job", "set_subscription", "noop"]
          },
          "text": {"type": "string"},
          "prompt": {"type": "string"},
          "job_kind": {"type": "string", "enum": ["action", "chat", "schedule"]},
          "cron_name": {"type": "string"},
          "cron_schedule": {"type": "string"},
          "job_id": {"type": "string"},
          "cancel_reason": {"type": "string"},
          "resume_input": {"type": "string"},
          "subscription_enabled": {"type": "boolean"}
        },
        "required": ["kind"],
        "additionalProperties": false
      }
    }
  },
  "required": ["decisions"],
  "additionalProperties": false
}`

// decisionValidator compiles once and is reused by every TriageBatch call.
var decisionValidator *jsonschema.Schema

func init() {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(decisionSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("llm: invalid embedded decision schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("decision.json", doc); err != nil {
		panic(fmt.Sprintf("llm: add decision schema resource: %v", err))
	}
	schema, err := c.Compile("decision.json")
	if err != nil {
		panic(fmt.Sprintf("llm: compile decision schema: %v", err))
	}
	decisionValidator = schema
}

// wireDecision is the schema's on-the-wire shape; ParseDecisions converts
// it to the internal Decision tagged union.
type wireDecision struct {
	Kind                 string `json:"kind"`
	Text                 string `json:"text,omitempty"`
	Prompt               string `json:"prompt,omitempty"`
	JobKind              string `json:"job_kind,omitempty"`
	CronName             string `json:"cron_name,omitempty"`
	CronSchedule         string `json:"cron_schedule,omitempty"`
	JobID                string `json:"job_id,omitempty"`
	CancelReason         string `json:"cancel_reason,omitempty"`
	ResumeInput          string `json:"resume_input,omitempty"`
	SubscriptionEnabled  bool   `json:"subscription_enabled,omitempty"`
}

type wireDecisions struct {
	Decisions []wireDecision `json:"decisions"`
}

// ValidateAndParseDecisions validates raw against the forced tool-call
// schema, then converts every entry into the internal Decision union.
func ValidateAndParseDecisions(raw string) ([]Decision, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decision response is not valid JSON: %w", err)
	}
	if err := decisionValidator.Validate(parsed); err != nil {
		return nil, fmt.Errorf("decision response failed schema validation: %w", err)
	}

	var wire wireDecisions
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("decode decisions: %w", err)
	}

	out := make([]Decision, 0, len(wire.Decisions))
	for _, w := range wire.Decisions {
		out = append(out, Decision{
			Kind:                DecisionKind(w.Kind),
			Text:                w.Text,
			Prompt:              w.Prompt,
			JobKind:             w.JobKind,
			CronName:            w.CronName,
			CronSchedule:        w.CronSchedule,
			JobID:               w.JobID,
			CancelReason:        w.CancelReason,
			ResumeInput:         w.ResumeInput,
			SubscriptionEnabled: w.SubscriptionEnabled,
		})
	}
	return out, nil
}

// DecisionSchemaJSON exposes the raw schema for provider-level structured
// output configuration (Genkit's WithOutputSchema-equivalent).
func DecisionSchemaJSON() json.RawMessage {
	return json.RawMessage(decisionSchemaJSON)
}
