// Package selector recognizes page elements structurally by scoring the
// nodes of the current page source against a target description.
package selector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/autoflow/internal/plugin"
	"github.com/xkilldash9x/autoflow/internal/plugins/automation"
	"github.com/xkilldash9x/autoflow/internal/recognition"
	"github.com/xkilldash9x/autoflow/internal/textsim"
)

// ActionCandidates returns every scored candidate instead of only the best.
const ActionCandidates = "candidates"

// Scores assigned per kind of match.
const (
	scoreID       = 1.0
	scoreName     = 0.95
	scoreLabel    = 0.9
	scoreExact    = 0.9
	scoreAttr     = 0.85
	scoreContains = 0.75
	scoreTypeOnly = 0.3
	// fuzzyWeight caps similarity-based matches below exact ones.
	fuzzyWeight = 0.8
)

var typeQueries = map[string]string{
	"button":   `//button | //input[@type='submit' or @type='button' or @type='reset'] | //*[@role='button']`,
	"link":     `//a[@href]`,
	"input":    `//input[not(@type='hidden' or @type='submit' or @type='button')] | //textarea`,
	"select":   `//select`,
	"checkbox": `//input[@type='checkbox'] | //*[@role='checkbox']`,
	"image":    `//img`,
}

const interactiveQuery = `//a | //button | //input[not(@type='hidden')] | //select | //textarea | //*[@role='button'] | //*[@role='link'] | //*[@onclick]`

// Candidate is one scored node.
type Candidate struct {
	XPath string
	Tag   string
	Text  string
	Score float64
}

// Plugin implements the selector recognition strategy.
type Plugin struct {
	info         plugin.Info
	host         plugin.Host
	automationID string
	logger       *zap.Logger
	// locate asks the automation plugin for the matched element's box.
	locate bool
}

var _ plugin.Plugin = (*Plugin)(nil)

// NewPlugin creates the plugin. automationID names the plugin that provides page_source.
func NewPlugin(info plugin.Info, host plugin.Host, automationID string, logger *zap.Logger) *Plugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{info: info, host: host, automationID: automationID, logger: logger, locate: true}
}

func (p *Plugin) Info() plugin.Info { return p.info }

// Initialize accepts the "locate" flag (default true).
func (p *Plugin) Initialize(_ context.Context, cfg map[string]interface{}) error {
	p.locate = plugin.Params(cfg).BoolOr("locate", true)
	return nil
}

func (p *Plugin) Cleanup(context.Context) error { return nil }

func (p *Plugin) ExecuteAction(ctx context.Context, action string, raw map[string]interface{}) (map[string]interface{}, error) {
	params := plugin.Params(raw)
	switch action {
	case recognition.ActionRecognize:
		res, err := p.recognize(ctx, params)
		if err != nil {
			return nil, err
		}
		return res.Map(), nil

	case ActionCandidates:
		doc, err := p.document(ctx, params)
		if err != nil {
			return nil, err
		}
		cands := Rank(doc, recognition.TargetFromParams(raw))
		limit := params.IntOr("limit", 10)
		if len(cands) > limit {
			cands = cands[:limit]
		}
		list := make([]interface{}, 0, len(cands))
		for _, c := range cands {
			list = append(list, map[string]interface{}{"xpath": c.XPath, "tag": c.Tag, "text": c.Text, "score": c.Score})
		}
		return map[string]interface{}{"candidates": list}, nil
	}
	return nil, plugin.UnknownAction(p.info.ID, action)
}

// document parses the "html" param when given, otherwise the live page source.
func (p *Plugin) document(ctx context.Context, params plugin.Params) (*html.Node, error) {
	src := params.StringOr("html", "")
	if src == "" {
		out, err := p.host.Execute(ctx, p.automationID, automation.ActionPageSource, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read page source: %w", err)
		}
		src = plugin.Params(out).StringOr("html", "")
	}
	doc, err := htmlquery.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page source: %w", err)
	}
	return doc, nil
}

func (p *Plugin) recognize(ctx context.Context, params plugin.Params) (recognition.Result, error) {
	target := recognition.TargetFromParams(params)
	doc, err := p.document(ctx, params)
	if err != nil {
		return recognition.Result{}, err
	}

	cands := Rank(doc, target)
	if len(cands) == 0 {
		return recognition.Result{Method: recognition.MethodSelector, Error: "no candidate elements"}, nil
	}
	best := cands[0]
	el := &recognition.Element{Selector: best.XPath, Text: best.Text}

	if p.locate && params.StringOr("html", "") == "" {
		out, err := p.host.Execute(ctx, p.automationID, automation.ActionFindElement, map[string]interface{}{"selector": best.XPath})
		if err == nil && plugin.Params(out).BoolOr("found", false) {
			if found := recognition.ElementFromMap(plugin.Params(out).Map("element")); found != nil {
				el.Location = found.Location
			}
		} else if err != nil {
			p.logger.Debug("Could not locate recognized element", zap.String("xpath", best.XPath), zap.Error(err))
		}
	}

	return recognition.Result{
		Success:    true,
		Confidence: best.Score,
		Method:     recognition.MethodSelector,
		Element:    el,
	}, nil
}

// Rank scores every candidate node for target, best first.
func Rank(doc *html.Node, target recognition.Target) []Candidate {
	query, ok := typeQueries[strings.ToLower(target.Type)]
	if !ok {
		query = interactiveQuery
	}
	nodes, err := htmlquery.QueryAll(doc, query)
	if err != nil {
		return nil
	}

	seen := make(map[*html.Node]bool, len(nodes))
	cands := make([]Candidate, 0, len(nodes))
	for _, n := range nodes {
		if seen[n] {
			continue
		}
		seen[n] = true
		s := score(n, target)
		if s <= 0 {
			continue
		}
		cands = append(cands, Candidate{
			XPath: UniqueXPath(n),
			Tag:   strings.ToLower(n.Data),
			Text:  visibleText(n),
			Score: s,
		})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Score > cands[j].Score })
	return cands
}

func visibleText(n *html.Node) string {
	text := strings.Join(strings.Fields(htmlquery.InnerText(n)), " ")
	if text == "" {
		for _, attr := range []string{"value", "placeholder", "alt", "title"} {
			if v := htmlquery.SelectAttr(n, attr); v != "" {
				return v
			}
		}
	}
	return text
}

func score(n *html.Node, target recognition.Target) float64 {
	attr := func(k string) string { return strings.TrimSpace(htmlquery.SelectAttr(n, k)) }
	best := 0.0
	bump := func(s float64) {
		if s > best {
			best = s
		}
	}

	for k, want := range target.Attributes {
		got := attr(k)
		if got == "" || got != want {
			continue
		}
		switch k {
		case "id":
			bump(scoreID)
		case "name":
			bump(scoreName)
		default:
			bump(scoreAttr)
		}
	}

	desc := strings.ToLower(strings.Join(strings.Fields(target.Description), " "))
	if desc == "" {
		if best == 0 && target.Type != "" {
			bump(scoreTypeOnly)
		}
		return best
	}

	if strings.EqualFold(attr("aria-label"), desc) {
		bump(scoreLabel)
	}
	for _, k := range []string{"placeholder", "title", "value", "alt"} {
		if strings.EqualFold(attr(k), desc) {
			bump(scoreAttr)
		}
	}

	text := strings.ToLower(visibleText(n))
	switch {
	case text == desc:
		bump(scoreExact)
	case text != "" && strings.Contains(text, desc):
		bump(scoreContains)
	case text != "":
		bump(fuzzyWeight * textsim.Similarity(text, desc))
	}

	if best < scoreTypeOnly && target.Type != "" {
		if _, typed := typeQueries[strings.ToLower(target.Type)]; typed {
			bump(scoreTypeOnly)
		}
	}
	return best
}
