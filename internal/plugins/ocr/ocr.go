package ocr

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/plugin"
	"github.com/xkilldash9x/autoflow/internal/plugins/automation"
	"github.com/xkilldash9x/autoflow/internal/recognition"
	"github.com/xkilldash9x/autoflow/internal/textsim"
)

// Action names.
const (
	ActionExtractText = "extract_text"
	ActionFindText    = "find_text"
)

// Plugin exposes an OCR Engine through the plugin contract.
type Plugin struct {
	info         plugin.Info
	host         plugin.Host
	automationID string
	engine       Engine
	logger       *zap.Logger
}

var _ plugin.Plugin = (*Plugin)(nil)

func NewPlugin(info plugin.Info, host plugin.Host, automationID string, engine Engine, logger *zap.Logger) *Plugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{info: info, host: host, automationID: automationID, engine: engine, logger: logger}
}

func (p *Plugin) Info() plugin.Info { return p.info }

func (p *Plugin) Initialize(ctx context.Context, _ map[string]interface{}) error {
	if o, ok := p.engine.(Opener); ok {
		if err := o.Open(ctx); err != nil {
			return err
		}
	}
	p.logger.Debug("OCR engine ready", zap.String("engine", p.engine.Name()))
	return nil
}

func (p *Plugin) Cleanup(context.Context) error {
	if c, ok := p.engine.(Closer); ok {
		return c.Close()
	}
	return nil
}

func (p *Plugin) ExecuteAction(ctx context.Context, action string, raw map[string]interface{}) (map[string]interface{}, error) {
	params := plugin.Params(raw)
	switch action {
	case ActionExtractText:
		lines, err := p.extract(ctx, params)
		if err != nil {
			return nil, err
		}
		texts := make([]interface{}, len(lines))
		rendered := make([]interface{}, len(lines))
		for i, l := range lines {
			texts[i] = l.Text
			rendered[i] = l.Map()
		}
		return map[string]interface{}{"texts": texts, "lines": rendered, "text": joinLines(lines)}, nil

	case ActionFindText:
		pattern, err := params.String("pattern")
		if err != nil {
			return nil, err
		}
		lines, err := p.extract(ctx, params)
		if err != nil {
			return nil, err
		}
		line, score := bestLine(lines, pattern)
		out := map[string]interface{}{"found": score >= params.FloatOr("threshold", 0.7), "score": score}
		if line != nil {
			for k, v := range line.Map() {
				out[k] = v
			}
		}
		return out, nil

	case recognition.ActionRecognize:
		target := recognition.TargetFromParams(raw)
		phrase := target.Attributes["text"]
		if phrase == "" {
			phrase = target.Description
		}
		if strings.TrimSpace(phrase) == "" {
			return recognition.Result{Method: recognition.MethodOCR, Error: "target has no text"}.Map(), nil
		}
		lines, err := p.extract(ctx, params)
		if err != nil {
			return nil, err
		}
		line, score := bestLine(lines, phrase)
		if line == nil {
			return recognition.Result{Method: recognition.MethodOCR, Error: "no text recognized"}.Map(), nil
		}
		return recognition.Result{
			Success:    score > 0,
			Confidence: score,
			Method:     recognition.MethodOCR,
			Element: &recognition.Element{
				Text:     line.Text,
				Location: &recognition.Location{X: line.X, Y: line.Y, Width: line.Width, Height: line.Height},
			},
		}.Map(), nil
	}
	return nil, plugin.UnknownAction(p.info.ID, action)
}

// extract runs the engine on the "image" param (base64) or a fresh screenshot.
func (p *Plugin) extract(ctx context.Context, params plugin.Params) ([]Line, error) {
	encoded := params.StringOr("image", "")
	if encoded == "" {
		out, err := p.host.Execute(ctx, p.automationID, automation.ActionScreenshot, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to capture screenshot: %w", err)
		}
		encoded = plugin.Params(out).StringOr("image", "")
	}
	if i := strings.Index(encoded, ","); strings.HasPrefix(encoded, "data:") && i >= 0 {
		encoded = encoded[i+1:]
	}
	img, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(img) == 0 {
		return nil, fmt.Errorf("%w: image is not valid base64", plugin.ErrInvalidParam)
	}
	lines, err := p.engine.Extract(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("%s OCR failed: %w", p.engine.Name(), err)
	}
	return lines, nil
}

// bestLine scores each line against pattern (regex hit or text similarity).
func bestLine(lines []Line, pattern string) (*Line, float64) {
	var best *Line
	bestScore := -1.0
	for i := range lines {
		if s := textsim.Score(lines[i].Text, pattern); s > bestScore {
			best, bestScore = &lines[i], s
		}
	}
	if best == nil {
		return nil, 0
	}
	return best, bestScore
}
