package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
	"google.golang.org/genai"
)

const geminiPrompt = `Transcribe every line of visible text in this screenshot.
Respond with a JSON array only. Each element must be an object with the keys
"text" (string), "x", "y", "width" and "height" (pixel numbers of the line's bounding box).`

// generateFunc sends an image and prompt to a model and returns its text reply.
type generateFunc func(ctx context.Context, image []byte, prompt string) (string, error)

// Gemini extracts text with a multimodal Gemini model.
type Gemini struct {
	apiKey   string
	model    string
	generate generateFunc
}

// NewGemini creates the engine. The client is created by Open.
func NewGemini(apiKey, model string) *Gemini {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Gemini{apiKey: apiKey, model: model}
}

func (g *Gemini) Name() string { return "gemini" }

// Open creates the API client.
func (g *Gemini) Open(ctx context.Context) error {
	if g.generate != nil {
		return nil
	}
	if g.apiKey == "" {
		return errors.New("gemini OCR requires an API key (GEMINI_API_KEY)")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("failed to create gemini client: %w", err)
	}
	var temperature float32
	g.generate = func(ctx context.Context, image []byte, prompt string) (string, error) {
		content := genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(image, "image/png"),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser)
		resp, err := client.Models.GenerateContent(ctx, g.model, []*genai.Content{content}, &genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			Temperature:      &temperature,
		})
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}
	return nil
}

func (g *Gemini) Extract(ctx context.Context, image []byte) ([]Line, error) {
	if g.generate == nil {
		return nil, errors.New("gemini engine not opened")
	}
	reply, err := g.generate(ctx, image, geminiPrompt)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	return parseGeminiReply(reply)
}

// parseGeminiReply decodes the model's JSON, tolerating a fenced code block around it.
func parseGeminiReply(reply string) ([]Line, error) {
	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, "```json")
	reply = strings.TrimPrefix(reply, "```")
	reply = strings.TrimSuffix(reply, "```")

	var lines []Line
	if err := json.UnmarshalFromString(strings.TrimSpace(reply), &lines); err != nil {
		return nil, fmt.Errorf("failed to decode gemini reply: %w", err)
	}
	out := lines[:0]
	for _, l := range lines {
		l.Text = strings.TrimSpace(l.Text)
		if l.Text == "" {
			continue
		}
		if l.Confidence == 0 {
			l.Confidence = 1
		}
		out = append(out, l)
	}
	return out, nil
}
