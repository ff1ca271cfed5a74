package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// GenkitPreprocessor answers Transcribe/Describe with multimodal Generate
// calls against the same genkit instance internal/llm wires up, passing
// the file bytes as a data-URI media part. Grounded on the teacher's
// engine.historyToMessages/ai.NewTextPart usage in brain.go for
// constructing ai.Message/ai.Part values; the media part constructor is
// genkit's documented ai.NewMediaPart(contentType, dataURI).
type GenkitPreprocessor struct {
	g     *genkit.Genkit
	model string
}

func NewGenkitPreprocessor(g *genkit.Genkit, model string) *GenkitPreprocessor {
	return &GenkitPreprocessor{g: g, model: model}
}

func (p *GenkitPreprocessor) Transcribe(ctx context.Context, path, mime string) (string, error) {
	part, err := dataURIPart(path, mime)
	if err != nil {
		return "", err
	}
	resp, err := genkit.Generate(ctx, p.g,
		ai.WithModelName(p.model),
		ai.WithSystem("Transcribe the attached audio verbatim. Respond with the transcript only."),
		ai.WithMessages(&ai.Message{Role: ai.RoleUser, Content: []*ai.Part{part}}),
	)
	if err != nil {
		return "", fmt.Errorf("transcribe audio: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

func (p *GenkitPreprocessor) Describe(ctx context.Context, path, mime, instruction string) (string, error) {
	part, err := dataURIPart(path, mime)
	if err != nil {
		return "", err
	}
	system := "Describe the attached image in enough detail for a text-only reader to understand it."
	if instruction != "" {
		system += " Focus the description on what's relevant to: " + instruction
	}
	resp, err := genkit.Generate(ctx, p.g,
		ai.WithModelName(p.model),
		ai.WithSystem(system),
		ai.WithMessages(&ai.Message{Role: ai.RoleUser, Content: []*ai.Part{part}}),
	)
	if err != nil {
		return "", fmt.Errorf("describe image: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

func dataURIPart(path, mime string) (*ai.Part, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attachment %s: %w", path, err)
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	return ai.NewMediaPart(mime, dataURI(mime, data)), nil
}

func dataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
