package selector

import (
	"context"
	"strings"
	"testing"

	"github.com/antchfx/htmlquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoflow/internal/plugin"
	"github.com/xkilldash9x/autoflow/internal/plugins/automation"
	"github.com/xkilldash9x/autoflow/internal/recognition"
)

const loginPage = `<html><body>
<div class="banner"><p>We use cookies</p><button class="accept">Accept all cookies</button></div>
<form id="login">
  <input type="text" name="username" placeholder="Username">
  <input type="password" name="password">
  <button type="submit">Sign in</button>
</form>
<div><a href="/help">Help</a><a href="/about">About us</a></div>
</body></html>`

// fakeHost serves page_source and find_element for the selector plugin.
type fakeHost struct {
	html    string
	located []string
}

func (h *fakeHost) Execute(_ context.Context, id, action string, params map[string]interface{}) (map[string]interface{}, error) {
	switch action {
	case automation.ActionPageSource:
		return map[string]interface{}{"html": h.html}, nil
	case automation.ActionFindElement:
		sel := params["selector"].(string)
		h.located = append(h.located, sel)
		return map[string]interface{}{"found": true, "element": map[string]interface{}{
			"selector": sel, "x": 5.0, "y": 6.0, "width": 100.0, "height": 20.0,
		}}, nil
	}
	return nil, plugin.UnknownAction(id, action)
}

func TestUniqueXPath(t *testing.T) {
	doc, err := htmlquery.Parse(strings.NewReader(loginPage))
	require.NoError(t, err)

	submit := htmlquery.FindOne(doc, `//button[@type='submit']`)
	assert.Equal(t, "//form[@id='login']/button[1]", UniqueXPath(submit))

	about := htmlquery.FindOne(doc, `//a[@href='/about']`)
	path := UniqueXPath(about)
	assert.Equal(t, "/html[1]/body[1]/div[2]/a[2]", path)
	// The generated path selects the same node.
	assert.Same(t, about, htmlquery.FindOne(doc, path))

	assert.Equal(t, "", UniqueXPath(nil))
}

func TestXPathLiteral(t *testing.T) {
	assert.Equal(t, "'plain'", XPathLiteral("plain"))
	assert.Equal(t, `"it's"`, XPathLiteral("it's"))
	assert.Equal(t, `concat('say "hi"', "'", 's')`, XPathLiteral(`say "hi"'s`))
}

func TestRank(t *testing.T) {
	doc, err := htmlquery.Parse(strings.NewReader(loginPage))
	require.NoError(t, err)

	tests := []struct {
		name      string
		target    recognition.Target
		wantXPath string
		wantScore float64
	}{
		{
			name:      "exact text",
			target:    recognition.Target{Type: "button", Description: "Sign in"},
			wantXPath: "//form[@id='login']/button[1]",
			wantScore: scoreExact,
		},
		{
			name:      "contained text",
			target:    recognition.Target{Type: "button", Description: "accept all"},
			wantXPath: "/html[1]/body[1]/div[1]/button[1]",
			wantScore: scoreContains,
		},
		{
			name:      "name attribute",
			target:    recognition.Target{Type: "input", Attributes: map[string]string{"name": "password"}},
			wantXPath: "//form[@id='login']/input[2]",
			wantScore: scoreName,
		},
		{
			name:      "placeholder stands in for text",
			target:    recognition.Target{Type: "input", Description: "username"},
			wantXPath: "//form[@id='login']/input[1]",
			wantScore: scoreExact,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cands := Rank(doc, tt.target)
			require.NotEmpty(t, cands)
			assert.Equal(t, tt.wantXPath, cands[0].XPath)
			assert.Equal(t, tt.wantScore, cands[0].Score)
		})
	}

	t.Run("partial text", func(t *testing.T) {
		cands := Rank(doc, recognition.Target{Type: "link", Description: "About"})
		require.NotEmpty(t, cands)
		assert.Equal(t, "About us", cands[0].Text)
		assert.Equal(t, scoreContains, cands[0].Score)
	})
}

func TestRecognizeAction(t *testing.T) {
	host := &fakeHost{html: loginPage}
	p := NewPlugin(plugin.Info{ID: "selector", Type: plugin.Recognition}, host, "chromium", zaptest.NewLogger(t))
	require.NoError(t, p.Initialize(context.Background(), nil))

	out, err := p.ExecuteAction(context.Background(), recognition.ActionRecognize,
		recognition.Target{Type: "button", Description: "Sign in"}.Params())
	require.NoError(t, err)

	res := recognition.ResultFromMap(out)
	assert.True(t, res.Success)
	assert.Equal(t, recognition.MethodSelector, res.Method)
	require.NotNil(t, res.Element)
	assert.Equal(t, "//form[@id='login']/button[1]", res.Element.Selector)
	require.NotNil(t, res.Element.Location)
	assert.Equal(t, 100.0, res.Element.Location.Width)
	assert.Equal(t, []string{"//form[@id='login']/button[1]"}, host.located)
}

func TestRecognizeInlineHTML(t *testing.T) {
	host := &fakeHost{}
	p := NewPlugin(plugin.Info{ID: "selector"}, host, "chromium", zaptest.NewLogger(t))

	params := recognition.Target{Type: "link", Description: "Help"}.Params()
	params["html"] = loginPage
	out, err := p.ExecuteAction(context.Background(), recognition.ActionRecognize, params)
	require.NoError(t, err)
	assert.Equal(t, scoreExact, out["confidence"])
	// Inline HTML never touches the browser.
	assert.Empty(t, host.located)

	out, err = p.ExecuteAction(context.Background(), ActionCandidates, map[string]interface{}{
		"type": "link", "html": loginPage, "limit": 1,
	})
	require.NoError(t, err)
	assert.Len(t, out["candidates"], 1)

	_, err = p.ExecuteAction(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, plugin.ErrUnknownAction)
}
