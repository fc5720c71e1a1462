// Package template recognizes on-screen elements by matching reference
// images against a page screenshot.
package template

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/xkilldash9x/autoflow/internal/plugin"
	"github.com/xkilldash9x/autoflow/internal/plugins/automation"
	"github.com/xkilldash9x/autoflow/internal/recognition"
)

// ActionMatchTemplate matches one or more templates against the current screen.
const ActionMatchTemplate = "match_template"

// DefaultThreshold is the confidence a match_template hit must reach.
const DefaultThreshold = 0.8

// Plugin implements template matching.
type Plugin struct {
	info         plugin.Info
	host         plugin.Host
	automationID string
	logger       *zap.Logger

	dir       string
	threshold float64
	cache     map[string]image.Image
}

var _ plugin.Plugin = (*Plugin)(nil)

// NewPlugin creates the plugin. Screenshots come from the automation plugin automationID.
func NewPlugin(info plugin.Info, host plugin.Host, automationID string, logger *zap.Logger) *Plugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{
		info:         info,
		host:         host,
		automationID: automationID,
		logger:       logger,
		threshold:    DefaultThreshold,
		cache:        make(map[string]image.Image),
	}
}

func (p *Plugin) Info() plugin.Info { return p.info }

// Initialize reads "template_dir" (base for relative template paths) and "threshold".
func (p *Plugin) Initialize(_ context.Context, cfg map[string]interface{}) error {
	params := plugin.Params(cfg)
	p.dir = params.StringOr("template_dir", "")
	p.threshold = params.FloatOr("threshold", DefaultThreshold)
	if p.threshold <= 0 || p.threshold > 1 {
		return fmt.Errorf("%w: threshold must be in (0, 1]", plugin.ErrInvalidParam)
	}
	return nil
}

func (p *Plugin) Cleanup(context.Context) error {
	p.cache = make(map[string]image.Image)
	return nil
}

func (p *Plugin) ExecuteAction(ctx context.Context, action string, raw map[string]interface{}) (map[string]interface{}, error) {
	params := plugin.Params(raw)
	switch action {
	case ActionMatchTemplate:
		refs := params.Strings("templates")
		if one := params.StringOr("template", ""); one != "" {
			refs = append([]string{one}, refs...)
		}
		if len(refs) == 0 {
			return nil, fmt.Errorf("%w: \"template\" or \"templates\" is required", plugin.ErrInvalidParam)
		}
		threshold := params.FloatOr("threshold", p.threshold)
		best, ref, err := p.bestMatch(ctx, params, refs)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"found":      best.Confidence >= threshold,
			"confidence": best.Confidence,
			"template":   ref,
			"x":          float64(best.X),
			"y":          float64(best.Y),
			"width":      float64(best.Width),
			"height":     float64(best.Height),
		}, nil

	case recognition.ActionRecognize:
		target := recognition.TargetFromParams(raw)
		ref := target.Attributes["template"]
		if ref == "" && looksLikeImagePath(target.Description) {
			ref = target.Description
		}
		if ref == "" {
			return recognition.Result{Method: recognition.MethodTemplate, Error: "target has no template"}.Map(), nil
		}
		best, _, err := p.bestMatch(ctx, params, []string{ref})
		if err != nil {
			return nil, err
		}
		return recognition.Result{
			Success:    best.Confidence > 0,
			Confidence: best.Confidence,
			Method:     recognition.MethodTemplate,
			Element: &recognition.Element{Location: &recognition.Location{
				X: float64(best.X), Y: float64(best.Y), Width: float64(best.Width), Height: float64(best.Height),
			}},
		}.Map(), nil
	}
	return nil, plugin.UnknownAction(p.info.ID, action)
}

func (p *Plugin) bestMatch(ctx context.Context, params plugin.Params, refs []string) (Match, string, error) {
	screen, err := p.screen(ctx, params)
	if err != nil {
		return Match{}, "", err
	}
	var (
		best    Match
		bestRef string
	)
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return Match{}, "", err
		}
		tpl, err := p.load(ref)
		if err != nil {
			p.logger.Warn("Skipping unreadable template", zap.String("template", ref), zap.Error(err))
			continue
		}
		m, ok := FindTemplate(screen, tpl)
		if ok && (bestRef == "" || m.Confidence > best.Confidence) {
			best, bestRef = m, ref
		}
	}
	return best, bestRef, nil
}

// screen decodes the "image" param (base64) or takes a fresh screenshot.
func (p *Plugin) screen(ctx context.Context, params plugin.Params) (image.Image, error) {
	encoded := params.StringOr("image", "")
	if encoded == "" {
		out, err := p.host.Execute(ctx, p.automationID, automation.ActionScreenshot, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to capture screenshot: %w", err)
		}
		encoded = plugin.Params(out).StringOr("image", "")
	}
	return decodeBase64Image(encoded)
}

// load reads a template from a file path or an inline base64/data URI, caching file templates.
func (p *Plugin) load(ref string) (image.Image, error) {
	if strings.HasPrefix(ref, "data:") || !looksLikeImagePath(ref) {
		return decodeBase64Image(ref)
	}
	path := ref
	if !filepath.IsAbs(path) && p.dir != "" {
		path = filepath.Join(p.dir, path)
	}
	if img, ok := p.cache[path]; ok {
		return img, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	p.cache[path] = img
	return img, nil
}

func looksLikeImagePath(s string) bool {
	switch strings.ToLower(filepath.Ext(s)) {
	case ".png", ".jpg", ".jpeg", ".bmp", ".webp":
		return true
	}
	return false
}

func decodeBase64Image(s string) (image.Image, error) {
	if i := strings.Index(s, ","); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return nil, fmt.Errorf("%w: empty image", plugin.ErrInvalidParam)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: image is not valid base64: %v", plugin.ErrInvalidParam, err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}
