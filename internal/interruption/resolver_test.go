package interruption

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoflow/internal/config"
	"github.com/xkilldash9x/autoflow/internal/mode"
)

// fakePage stands in for the plugin registry with a page holding a set of elements.
type fakePage struct {
	mu       sync.Mutex
	elements map[string]map[string]interface{}
	template map[string]interface{}
	lines    []interface{}
	initErr  map[string]error

	finds       []string
	findParams  []map[string]interface{}
	findDelay   time.Duration
	clicks      []string
	clickAts    [][2]float64
	scripts     []string
	screenshots int
}

func newFakePage(selectors ...string) *fakePage {
	f := &fakePage{elements: map[string]map[string]interface{}{}, initErr: map[string]error{}}
	for _, sel := range selectors {
		f.elements[sel] = map[string]interface{}{"selector": sel, "tag": "button"}
	}
	return f
}

func (f *fakePage) Initialize(ctx context.Context, id string, cfg map[string]interface{}) error {
	return f.initErr[id]
}

func (f *fakePage) Execute(ctx context.Context, id, action string, params map[string]interface{}) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch action {
	case "find_element":
		sel := params["selector"].(string)
		f.finds = append(f.finds, sel)
		f.findParams = append(f.findParams, params)
		if f.findDelay > 0 {
			time.Sleep(f.findDelay)
		}
		if el, ok := f.elements[sel]; ok {
			return map[string]interface{}{"found": true, "selector": sel, "element": el}, nil
		}
		return map[string]interface{}{"found": false, "selector": sel}, nil
	case "click":
		sel := params["selector"].(string)
		f.clicks = append(f.clicks, sel)
		delete(f.elements, sel)
		return map[string]interface{}{}, nil
	case "click_at":
		f.clickAts = append(f.clickAts, [2]float64{params["x"].(float64), params["y"].(float64)})
		f.template, f.lines = nil, nil
		return map[string]interface{}{}, nil
	case "evaluate":
		f.scripts = append(f.scripts, params["script"].(string))
		return map[string]interface{}{"result": nil}, nil
	case "screenshot":
		f.screenshots++
		return map[string]interface{}{"image": "aW1n", "format": "png"}, nil
	case "match_template":
		if f.template == nil {
			return map[string]interface{}{"found": false, "confidence": 0.1}, nil
		}
		return f.template, nil
	case "extract_text":
		return map[string]interface{}{"lines": f.lines}, nil
	}
	return nil, fmt.Errorf("unexpected action %s on %s", action, id)
}

func testInterruptionConfig() config.InterruptionConfig {
	return config.InterruptionConfig{
		Defaults: map[string]bool{
			"ad": true, "popup": true, "cookie": true, "login": false,
			"survey": true, "notification": true, "custom": true,
		},
		TemplateFloor:    0.8,
		OCRThreshold:     0.7,
		AutomationPlugin: "chromium",
		TemplatePlugin:   "template",
		OCRPlugin:        "ocr",
	}
}

// newTestResolver builds an in-memory resolver holding only the given patterns.
func newTestResolver(t *testing.T, page *fakePage, patterns ...Pattern) *Resolver {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := NewPatternStore("", logger)
	for _, p := range store.All() {
		store.Remove(p.ID)
	}
	for _, p := range patterns {
		require.NoError(t, store.Add(p))
	}
	return NewResolver(page, store, NewPolicyStore("", logger), mode.NewTable(nil, "balanced"), testInterruptionConfig(), logger)
}

func TestHandleInterruptionsClicksCookieBanner(t *testing.T) {
	page := newFakePage("button.accept")
	r := newTestResolver(t, page, Pattern{
		ID: "cookie", Type: TypeCookie, Action: ActionAccept, Selectors: []string{"button.accept"}, Priority: 1,
	})

	report, err := r.HandleInterruptions(context.Background(), "https://www.example.com/shop", mode.Balanced)
	require.NoError(t, err)

	assert.True(t, report.Handled)
	assert.Equal(t, "www.example.com", report.Domain)
	assert.Equal(t, 2, report.Rounds, "the second round finds nothing and stops")
	require.Len(t, report.Interruptions, 1)
	assert.Equal(t, ChannelSelector, report.Interruptions[0].Channel)
	assert.Equal(t, []string{"button.accept"}, page.clicks)

	stored, ok := r.patterns.Get("cookie")
	require.True(t, ok)
	assert.Equal(t, 1, stored.SuccessCount)
	assert.NotNil(t, stored.LastSuccess)
}

func TestHandleInterruptionsPriorityOrder(t *testing.T) {
	page := newFakePage("#b", "#c")
	r := newTestResolver(t, page,
		cookiePattern("p3", 3, "#c"),
		cookiePattern("p10", 10, "#a"),
		cookiePattern("p5", 5, "#b"),
	)

	report, err := r.HandleInterruptions(context.Background(), "https://example.com", mode.Speed)
	require.NoError(t, err)

	assert.Equal(t, []string{"#a", "#b"}, page.finds, "p3 is never tried once p5 succeeds")
	assert.Equal(t, []string{"#b"}, page.clicks)
	assert.Equal(t, "p5", report.Interruptions[0].PatternID)

	stats := r.Stats()
	assert.Equal(t, PatternStats{Attempts: 1, Failures: 1}, stats.Patterns["p10"])
	assert.Equal(t, PatternStats{Attempts: 1, Successes: 1}, stats.Patterns["p5"])
	assert.Equal(t, 1, stats.Detected[TypeCookie])
	assert.Equal(t, 1, stats.Handled[TypeCookie])

	r.ResetStats()
	assert.Empty(t, r.Stats().Patterns)
}

func TestCleanPageRoundDoesNotWait(t *testing.T) {
	page := newFakePage()
	defaults := DefaultPatterns()
	r := newTestResolver(t, page, defaults...)

	start := time.Now()
	report, err := r.HandleInterruptions(context.Background(), "https://example.com", mode.Accuracy)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.False(t, report.Handled)
	assert.Equal(t, 1, report.Rounds)

	total := 0
	for _, p := range defaults {
		total += len(p.Selectors)
	}
	require.Len(t, page.findParams, total, "every default selector is checked once")
	for _, params := range page.findParams {
		assert.Equal(t, false, params["wait"], params["selector"])
		assert.NotContains(t, params, "timeout")
	}
}

func TestSelectorBudgetIsSharedByTheRound(t *testing.T) {
	page := newFakePage()
	page.findDelay = 30 * time.Millisecond
	logger := zaptest.NewLogger(t)
	store := NewPatternStore("", logger)
	modes := mode.NewTable(map[string]config.ModeConfig{
		"quick": {MaxWait: 50 * time.Millisecond, MaxRetries: 1, TimeoutMultiplier: 1},
	}, "balanced")
	r := NewResolver(page, store, NewPolicyStore("", logger), modes, testInterruptionConfig(), logger)

	report, err := r.HandleInterruptions(context.Background(), "https://example.com", "quick")
	require.NoError(t, err)
	assert.False(t, report.Handled)

	page.mu.Lock()
	defer page.mu.Unlock()
	assert.LessOrEqual(t, len(page.finds), 3, "lookups stop once the round's max wait is spent")
}

func TestEnabledTypesPolicyPrecedence(t *testing.T) {
	page := newFakePage()
	r := newTestResolver(t, page)

	enabled := r.EnabledTypes("example.com")
	assert.False(t, enabled[TypeLogin])
	assert.True(t, enabled[TypePopup])

	require.NoError(t, r.AddToBlacklist("example.com", TypeLogin))
	require.NoError(t, r.AddToWhitelist("example.com", TypePopup))

	enabled = r.EnabledTypes("example.com")
	assert.True(t, enabled[TypeLogin], "blacklist forces handling")
	assert.False(t, enabled[TypePopup], "whitelist suppresses handling")
	assert.True(t, r.EnabledTypes("other.com")[TypePopup])

	// A policy file listing a type on both sides resolves in favour of the blacklist.
	r.policies.policies["both.com"] = SitePolicy{Domain: "both.com", Whitelist: []Type{TypeAd}, Blacklist: []Type{TypeAd}}
	assert.True(t, r.EnabledTypes("both.com")[TypeAd])
}

func TestHandleInterruptionsSkipsWhitelistedTypes(t *testing.T) {
	page := newFakePage("button.accept")
	r := newTestResolver(t, page, cookiePattern("cookie", 1, "button.accept"))
	require.NoError(t, r.AddToWhitelist("example.com", TypeCookie))

	report, err := r.HandleInterruptions(context.Background(), "https://example.com", mode.Balanced)
	require.NoError(t, err)
	assert.False(t, report.Handled)
	assert.Empty(t, page.finds)
}

func TestHandleInterruptionsDomainFilter(t *testing.T) {
	page := newFakePage("#promo")
	scoped := Pattern{
		ID: "shop_ad", Type: TypeAd, Action: ActionClose, Selectors: []string{"#promo"},
		DomainPatterns: []string{`^shop\.example\.com$`}, Priority: 1,
	}
	r := newTestResolver(t, page, scoped)

	report, err := r.HandleInterruptions(context.Background(), "https://other.com", mode.Speed)
	require.NoError(t, err)
	assert.False(t, report.Handled)

	require.NoError(t, r.policies.AddCustomPattern("other.com", "shop_ad"))
	report, err = r.HandleInterruptions(context.Background(), "https://other.com", mode.Speed)
	require.NoError(t, err)
	assert.True(t, report.Handled, "custom patterns apply regardless of domain regexes")
}

func TestHandleInterruptionsTemplateChannel(t *testing.T) {
	page := newFakePage()
	page.template = map[string]interface{}{"found": true, "confidence": 0.93, "x": 100.0, "y": 50.0, "width": 20.0, "height": 10.0}
	r := newTestResolver(t, page, Pattern{
		ID: "x_button", Type: TypePopup, Action: ActionClose, ImageTemplates: []string{"close.png"}, Priority: 1,
	})

	report, err := r.HandleInterruptions(context.Background(), "https://example.com", mode.Speed)
	require.NoError(t, err)
	require.True(t, report.Handled)
	assert.Equal(t, ChannelTemplate, report.Interruptions[0].Channel)
	assert.Equal(t, [][2]float64{{110, 55}}, page.clickAts)
}

func TestHandleInterruptionsOCRChannel(t *testing.T) {
	page := newFakePage()
	page.lines = []interface{}{
		map[string]interface{}{"text": "Welcome", "x": 0.0, "y": 0.0, "width": 50.0, "height": 10.0},
		map[string]interface{}{"text": "Acccept al", "x": 10.0, "y": 10.0, "width": 100.0, "height": 20.0},
	}
	r := newTestResolver(t, page,
		Pattern{ID: "ocr_a", Type: TypeCookie, Action: ActionAccept, OCRPatterns: []string{"reject everything"}, Priority: 2},
		Pattern{ID: "ocr_b", Type: TypeCookie, Action: ActionAccept, OCRPatterns: []string{"accept all"}, Priority: 1},
	)

	report, err := r.HandleInterruptions(context.Background(), "https://example.com", mode.Speed)
	require.NoError(t, err)
	require.True(t, report.Handled)
	h := report.Interruptions[0]
	assert.Equal(t, "ocr_b", h.PatternID)
	assert.Equal(t, ChannelOCR, h.Channel)
	assert.InDelta(t, 0.8, h.Element["score"], 1e-9)
	assert.Equal(t, [][2]float64{{60, 20}}, page.clickAts)
	assert.Equal(t, 1, page.screenshots, "one screenshot per round is shared by every pattern")
}

func TestHandleInterruptionsActions(t *testing.T) {
	page := newFakePage("#survey", "#note")
	r := newTestResolver(t, page,
		Pattern{ID: "survey", Type: TypeSurvey, Action: ActionCustom, Selectors: []string{"#survey"},
			CustomAction: "document.querySelector('#survey').remove()", Priority: 2},
		Pattern{ID: "note", Type: TypeNotification, Action: ActionIgnore, Selectors: []string{"#note"}, Priority: 1},
	)

	report, err := r.HandleInterruptions(context.Background(), "https://example.com", mode.Speed)
	require.NoError(t, err)
	require.Len(t, report.Interruptions, 1)
	assert.Equal(t, ActionCustom, report.Interruptions[0].Action)
	assert.Equal(t, []string{"document.querySelector('#survey').remove()"}, page.scripts)
	assert.Empty(t, page.clicks)
}

func TestHandleInterruptionsErrors(t *testing.T) {
	page := newFakePage()
	r := newTestResolver(t, page, cookiePattern("cookie", 1, "#a"))

	_, err := r.HandleInterruptions(context.Background(), "https://example.com", "turbo")
	assert.ErrorContains(t, err, "unknown mode")

	page.initErr["chromium"] = errors.New("no browser")
	_, err = r.HandleInterruptions(context.Background(), "https://example.com", mode.Speed)
	assert.ErrorContains(t, err, "no browser")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	page.initErr = map[string]error{}
	_, err = r.HandleInterruptions(ctx, "https://example.com", mode.Speed)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "www.example.com", DomainOf("https://WWW.Example.com:8443/a?b=c"))
	assert.Equal(t, "example.com", DomainOf("example.com/path"))
	assert.Equal(t, "", DomainOf(""))
}

func TestLearnPattern(t *testing.T) {
	r := newTestResolver(t, newFakePage())

	p, err := r.LearnPattern(TypeCookie, ActionAccept, map[string]interface{}{
		"tag": "BUTTON", "class": "btn accept-all", "text": "Accept all",
	}, "https://www.example.com/landing")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(p.ID, "learned_"))
	assert.Len(t, p.ID, len("learned_")+8)
	assert.Equal(t, []string{"button.btn.accept-all"}, p.Selectors)
	assert.Equal(t, []string{"accept all"}, p.OCRPatterns)
	assert.Equal(t, []string{`^www\.example\.com$`}, p.DomainPatterns)
	assert.Equal(t, LearnedPriority, p.Priority)

	_, ok := r.patterns.Get(p.ID)
	assert.True(t, ok, "learned patterns are stored")

	p, err = r.LearnPattern(TypePopup, ActionClose, map[string]interface{}{"id": "cookie-ok", "tag": "a"}, "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"#cookie-ok"}, p.Selectors)

	p, err = r.LearnPattern(TypePopup, ActionClose, map[string]interface{}{"text": "Got it"}, "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"//*[contains(normalize-space(.), 'Got it')]"}, p.Selectors)

	_, err = r.LearnPattern(TypePopup, ActionClose, map[string]interface{}{}, "https://example.com")
	assert.Error(t, err)
	_, err = r.LearnPattern(TypePopup, ActionClose, map[string]interface{}{"id": "x"}, "")
	assert.Error(t, err)
}
