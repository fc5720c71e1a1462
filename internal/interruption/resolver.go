package interruption

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/config"
	"github.com/xkilldash9x/autoflow/internal/mode"
	"github.com/xkilldash9x/autoflow/internal/plugin"
	"github.com/xkilldash9x/autoflow/internal/plugins/automation"
	"github.com/xkilldash9x/autoflow/internal/plugins/ocr"
	"github.com/xkilldash9x/autoflow/internal/plugins/template"
	"github.com/xkilldash9x/autoflow/internal/textsim"
)

// PluginRunner is the subset of the plugin registry the resolver needs.
type PluginRunner interface {
	Initialize(ctx context.Context, id string, cfg map[string]interface{}) error
	Execute(ctx context.Context, id, action string, params map[string]interface{}) (map[string]interface{}, error)
}

// Resolver finds and dismisses interruptions on the current page.
type Resolver struct {
	plugins  PluginRunner
	patterns *PatternStore
	policies *PolicyStore
	modes    *mode.Table
	stats    *statsRecorder
	logger   *zap.Logger

	defaults      map[Type]bool
	templateFloor float64
	ocrThreshold  float64
	automationID  string
	templateID    string
	ocrID         string

	now func() time.Time
}

// NewResolver wires a resolver to its stores and the plugins named in cfg.
func NewResolver(plugins PluginRunner, patterns *PatternStore, policies *PolicyStore, modes *mode.Table, cfg config.InterruptionConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if modes == nil {
		modes = mode.NewTable(nil, string(mode.Balanced))
	}
	defaults := make(map[Type]bool, len(Types))
	for _, t := range Types {
		defaults[t] = cfg.Defaults[string(t)]
	}
	r := &Resolver{
		plugins:       plugins,
		patterns:      patterns,
		policies:      policies,
		modes:         modes,
		stats:         newStatsRecorder(),
		logger:        logger.Named("interruption"),
		defaults:      defaults,
		templateFloor: cfg.TemplateFloor,
		ocrThreshold:  cfg.OCRThreshold,
		automationID:  cfg.AutomationPlugin,
		templateID:    cfg.TemplatePlugin,
		ocrID:         cfg.OCRPlugin,
		now:           time.Now,
	}
	if r.templateFloor <= 0 {
		r.templateFloor = 0.8
	}
	if r.ocrThreshold <= 0 {
		r.ocrThreshold = 0.7
	}
	return r
}

// DomainOf returns the lower-cased host of rawURL. Scheme-less input such as
// "example.com/path" is accepted.
func DomainOf(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// EnabledTypes applies the domain's policy to the global defaults. A type on
// both lists is enabled because the blacklist is consulted first.
func (r *Resolver) EnabledTypes(domain string) map[Type]bool {
	enabled := make(map[Type]bool, len(r.defaults))
	for t, on := range r.defaults {
		enabled[t] = on
	}
	policy, ok := r.policies.Policy(domain)
	if !ok {
		return enabled
	}
	for _, t := range Types {
		switch {
		case containsType(policy.Blacklist, t):
			enabled[t] = true
		case containsType(policy.Whitelist, t):
			enabled[t] = false
		}
	}
	return enabled
}

// ActivePatterns returns the patterns that apply to domain, highest priority first.
func (r *Resolver) ActivePatterns(domain string) []Pattern {
	enabled := r.EnabledTypes(domain)
	policy, _ := r.policies.Policy(domain)
	custom := make(map[string]bool, len(policy.CustomPatterns))
	for _, id := range policy.CustomPatterns {
		custom[id] = true
	}

	var out []Pattern
	for _, p := range r.patterns.All() {
		if !enabled[p.Type] {
			continue
		}
		if custom[p.ID] || matchesDomain(p.DomainPatterns, domain) {
			out = append(out, p)
		}
	}
	return out
}

func matchesDomain(exprs []string, domain string) bool {
	if len(exprs) == 0 {
		return true
	}
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			continue
		}
		if re.MatchString(domain) {
			return true
		}
	}
	return false
}

// hit is a detected interruption awaiting its action.
type hit struct {
	channel  Channel
	selector string
	x, y     float64
	element  map[string]interface{}
}

// round caches the screenshot and OCR output shared by every pattern in one
// pass. selectorCtx bounds all selector lookups of the pass by the mode's max wait.
type round struct {
	selectorCtx context.Context

	image    string
	lines    []map[string]interface{}
	ocrDone  bool
	imageErr error
}

// HandleInterruptions scans the page at currentURL and dismisses what the
// active patterns detect. Each round handles at most one interruption, trying
// patterns in priority order. Rounds stop early when nothing is handled.
func (r *Resolver) HandleInterruptions(ctx context.Context, currentURL string, m mode.Mode) (Report, error) {
	preset, err := r.modes.Lookup(m)
	if err != nil {
		return Report{}, err
	}
	domain := DomainOf(currentURL)
	report := Report{Domain: domain, Interruptions: []Handled{}}

	patterns := r.ActivePatterns(domain)
	if len(patterns) == 0 {
		r.logger.Debug("No active interruption patterns", zap.String("domain", domain))
		return report, nil
	}
	if err := r.plugins.Initialize(ctx, r.automationID, nil); err != nil {
		return report, fmt.Errorf("automation plugin %q unavailable: %w", r.automationID, err)
	}

	rounds := preset.MaxRetries
	if rounds < 1 {
		rounds = 1
	}
	for i := 0; i < rounds; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Rounds++
		handled, ok := r.runRound(ctx, patterns, preset)
		if !ok {
			break
		}
		report.Handled = true
		report.Interruptions = append(report.Interruptions, handled)
	}

	r.logger.Info("Interruption scan finished",
		zap.String("domain", domain),
		zap.Int("rounds", report.Rounds),
		zap.Int("handled", len(report.Interruptions)))
	return report, nil
}

func (r *Resolver) runRound(ctx context.Context, patterns []Pattern, preset mode.Preset) (Handled, bool) {
	rd := &round{selectorCtx: ctx}
	if preset.MaxWait > 0 {
		var cancel context.CancelFunc
		rd.selectorCtx, cancel = context.WithTimeout(ctx, preset.MaxWait)
		defer cancel()
	}
	for _, p := range patterns {
		if ctx.Err() != nil {
			return Handled{}, false
		}
		r.stats.attempt(p)
		h, ok := r.tryPattern(ctx, p, rd)
		r.stats.outcome(p, ok)
		if ok {
			return h, true
		}
	}
	return Handled{}, false
}

// tryPattern runs the selector, template and OCR channels in that order and
// acts on the first hit whose action succeeds.
func (r *Resolver) tryPattern(ctx context.Context, p Pattern, rd *round) (Handled, bool) {
	log := r.logger.With(zap.String("pattern_id", p.ID), zap.String("type", string(p.Type)))
	detectors := []func() (*hit, error){
		func() (*hit, error) { return r.detectSelector(rd.selectorCtx, p) },
		func() (*hit, error) { return r.detectTemplate(ctx, p, rd) },
		func() (*hit, error) { return r.detectText(ctx, p, rd) },
	}
	for _, detect := range detectors {
		h, err := detect()
		if err != nil {
			log.Debug("Detection channel failed", zap.Error(err))
			continue
		}
		if h == nil {
			continue
		}
		r.stats.detect(p)
		if err := r.act(ctx, p, h); err != nil {
			log.Warn("Interruption action failed", zap.String("channel", string(h.channel)), zap.Error(err))
			continue
		}
		r.patterns.RecordSuccess(p.ID, r.now().UTC())
		log.Info("Interruption handled", zap.String("channel", string(h.channel)), zap.String("action", string(p.Action)))
		return Handled{PatternID: p.ID, Type: p.Type, Action: p.Action, Channel: h.channel, Element: h.element}, true
	}
	return Handled{}, false
}

// detectSelector checks each selector once without waiting for it to appear.
func (r *Resolver) detectSelector(ctx context.Context, p Pattern) (*hit, error) {
	var errs []error
	for _, sel := range p.Selectors {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("selector budget spent: %w", err))
			break
		}
		out, err := r.plugins.Execute(ctx, r.automationID, automation.ActionFindElement, map[string]interface{}{
			"selector": sel,
			"wait":     false,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if found, _ := out["found"].(bool); found {
			el, _ := out["element"].(map[string]interface{})
			return &hit{channel: ChannelSelector, selector: sel, element: el}, nil
		}
	}
	return nil, errors.Join(errs...)
}

func (r *Resolver) screenshot(ctx context.Context, rd *round) (string, error) {
	if rd.image != "" || rd.imageErr != nil {
		return rd.image, rd.imageErr
	}
	out, err := r.plugins.Execute(ctx, r.automationID, automation.ActionScreenshot, nil)
	if err != nil {
		rd.imageErr = err
		return "", err
	}
	rd.image, _ = out["image"].(string)
	if rd.image == "" {
		rd.imageErr = errors.New("screenshot returned no image")
	}
	return rd.image, rd.imageErr
}

func (r *Resolver) detectTemplate(ctx context.Context, p Pattern, rd *round) (*hit, error) {
	if len(p.ImageTemplates) == 0 {
		return nil, nil
	}
	if err := r.plugins.Initialize(ctx, r.templateID, nil); err != nil {
		return nil, err
	}
	img, err := r.screenshot(ctx, rd)
	if err != nil {
		return nil, err
	}
	templates := make([]interface{}, len(p.ImageTemplates))
	for i, t := range p.ImageTemplates {
		templates[i] = t
	}
	out, err := r.plugins.Execute(ctx, r.templateID, template.ActionMatchTemplate, map[string]interface{}{
		"templates": templates,
		"threshold": r.templateFloor,
		"image":     img,
	})
	if err != nil {
		return nil, err
	}
	if found, _ := out["found"].(bool); !found {
		return nil, nil
	}
	return regionHit(ChannelTemplate, out), nil
}

func (r *Resolver) detectText(ctx context.Context, p Pattern, rd *round) (*hit, error) {
	if len(p.OCRPatterns) == 0 {
		return nil, nil
	}
	if !rd.ocrDone {
		if err := r.plugins.Initialize(ctx, r.ocrID, nil); err != nil {
			return nil, err
		}
		img, err := r.screenshot(ctx, rd)
		if err != nil {
			return nil, err
		}
		out, err := r.plugins.Execute(ctx, r.ocrID, ocr.ActionExtractText, map[string]interface{}{"image": img})
		if err != nil {
			return nil, err
		}
		rd.ocrDone = true
		raw, _ := out["lines"].([]interface{})
		for _, l := range raw {
			if m, ok := l.(map[string]interface{}); ok {
				rd.lines = append(rd.lines, m)
			}
		}
	}

	var (
		best      map[string]interface{}
		bestScore float64
	)
	for _, expr := range p.OCRPatterns {
		for _, line := range rd.lines {
			text, _ := line["text"].(string)
			if score := textsim.Score(text, expr); score > bestScore {
				best, bestScore = line, score
			}
		}
	}
	if best == nil || bestScore < r.ocrThreshold {
		return nil, nil
	}
	h := regionHit(ChannelOCR, best)
	h.element["score"] = bestScore
	return h, nil
}

func regionHit(ch Channel, region map[string]interface{}) *hit {
	params := plugin.Params(region)
	x, y := params.FloatOr("x", 0), params.FloatOr("y", 0)
	w, h := params.FloatOr("width", 0), params.FloatOr("height", 0)
	el := make(map[string]interface{}, len(region))
	for k, v := range region {
		el[k] = v
	}
	return &hit{channel: ch, x: x + w/2, y: y + h/2, element: el}
}

func (r *Resolver) act(ctx context.Context, p Pattern, h *hit) error {
	switch p.Action {
	case ActionIgnore:
		return nil
	case ActionCustom:
		_, err := r.plugins.Execute(ctx, r.automationID, automation.ActionEvaluate, map[string]interface{}{"script": p.CustomAction})
		return err
	}
	if h.selector != "" {
		_, err := r.plugins.Execute(ctx, r.automationID, automation.ActionClick, map[string]interface{}{"selector": h.selector})
		return err
	}
	_, err := r.plugins.Execute(ctx, r.automationID, automation.ActionClickAt, map[string]interface{}{"x": h.x, "y": h.y})
	return err
}

// Stats returns a copy of the detection counters.
func (r *Resolver) Stats() Stats { return r.stats.snapshot() }

// ResetStats zeroes the detection counters.
func (r *Resolver) ResetStats() { r.stats.reset() }

// Patterns lists the stored patterns.
func (r *Resolver) Patterns() []Pattern { return r.patterns.All() }

// AddPattern validates and stores p.
func (r *Resolver) AddPattern(p Pattern) error { return r.patterns.Add(p) }

// RemovePattern deletes the pattern with id.
func (r *Resolver) RemovePattern(id string) bool { return r.patterns.Remove(id) }

// Policy returns the policy that applies to domain.
func (r *Resolver) Policy(domain string) (SitePolicy, bool) { return r.policies.Policy(domain) }

// Policies lists every stored policy.
func (r *Resolver) Policies() []SitePolicy { return r.policies.All() }

// AddToWhitelist suppresses t on domain.
func (r *Resolver) AddToWhitelist(domain string, t Type) error {
	return r.policies.AddToWhitelist(domain, t)
}

// AddToBlacklist forces t to be handled on domain.
func (r *Resolver) AddToBlacklist(domain string, t Type) error {
	return r.policies.AddToBlacklist(domain, t)
}
