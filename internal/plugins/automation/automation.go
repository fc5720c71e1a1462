// Package automation defines the browser action contract shared by the
// automation backends and the plugin that exposes a backend to the registry.
package automation

import (
	"context"
	"errors"
	"strings"

	"github.com/xkilldash9x/autoflow/internal/config"
)

// Action names understood by every automation plugin.
const (
	ActionNavigate    = "navigate"
	ActionCurrentURL  = "current_url"
	ActionFindElement = "find_element"
	ActionClick       = "click"
	ActionClickAt     = "click_at"
	ActionType        = "type"
	ActionGetText     = "get_text"
	ActionPageSource  = "page_source"
	ActionScreenshot  = "screenshot"
	ActionEvaluate    = "evaluate"
	ActionPressKey    = "press_key"
	ActionWait        = "wait"
)

// ErrElementNotFound is returned by a Driver when a selector matches nothing before the deadline.
var ErrElementNotFound = errors.New("element not found")

// Element describes a located page element.
type Element struct {
	Selector string  `json:"selector"`
	Tag      string  `json:"tag,omitempty"`
	ID       string  `json:"id,omitempty"`
	Class    string  `json:"class,omitempty"`
	Text     string  `json:"text,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
}

// Center returns the element's midpoint in page coordinates.
func (e Element) Center() (float64, float64) {
	return e.X + e.Width/2, e.Y + e.Height/2
}

// Map renders the element for an action result.
func (e Element) Map() map[string]interface{} {
	return map[string]interface{}{
		"selector": e.Selector,
		"tag":      e.Tag,
		"id":       e.ID,
		"class":    e.Class,
		"text":     e.Text,
		"x":        e.X,
		"y":        e.Y,
		"width":    e.Width,
		"height":   e.Height,
	}
}

// Options configures a browser launch.
type Options struct {
	Headless  bool
	ExecPath  string
	UserAgent string
	Width     int
	Height    int
	Args      []string
}

// OptionsFromConfig converts the browser config section.
func OptionsFromConfig(c config.BrowserConfig) Options {
	return Options{
		Headless:  c.Headless,
		ExecPath:  c.ExecPath,
		UserAgent: c.UserAgent,
		Width:     c.Viewport.Width,
		Height:    c.Viewport.Height,
		Args:      append([]string(nil), c.Args...),
	}
}

// Driver is a single browser page. Implementations need not be safe for
// concurrent use; the registry worker serializes calls.
type Driver interface {
	Start(ctx context.Context, opts Options) error
	Stop(ctx context.Context) error

	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	FindElement(ctx context.Context, selector string) (*Element, error)
	// QueryElement checks for selector once, without waiting for it to appear.
	QueryElement(ctx context.Context, selector string) (*Element, error)
	Click(ctx context.Context, selector string) error
	ClickAt(ctx context.Context, x, y float64) error
	Type(ctx context.Context, selector, text string) error
	Text(ctx context.Context, selector string) (string, error)
	PageSource(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Evaluate(ctx context.Context, script string) (interface{}, error)
	PressKey(ctx context.Context, key string) error
}

// IsXPath reports whether selector should be evaluated as XPath rather than CSS.
func IsXPath(selector string) bool {
	s := strings.TrimSpace(selector)
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "(") || strings.HasPrefix(s, "xpath=")
}

// StripXPathPrefix removes an explicit "xpath=" engine prefix.
func StripXPathPrefix(selector string) string {
	return strings.TrimPrefix(strings.TrimSpace(selector), "xpath=")
}
