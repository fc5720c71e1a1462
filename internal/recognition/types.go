// Package recognition locates page elements by trying recognition strategies
// (selector, template, OCR) in caller order until one is confident enough.
package recognition

import (
	"github.com/xkilldash9x/autoflow/internal/plugin"
)

// ActionRecognize is the action every recognition plugin implements.
const ActionRecognize = "recognize"

// Method names reported in results.
const (
	MethodSelector = "selector"
	MethodTemplate = "template"
	MethodOCR      = "ocr"
)

// Target describes what to look for.
type Target struct {
	Type        string            `json:"type"`
	Description string            `json:"description"`
	Context     string            `json:"context,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Params renders the target as action parameters.
func (t Target) Params() map[string]interface{} {
	attrs := make(map[string]interface{}, len(t.Attributes))
	for k, v := range t.Attributes {
		attrs[k] = v
	}
	return map[string]interface{}{
		"type":        t.Type,
		"description": t.Description,
		"context":     t.Context,
		"attributes":  attrs,
	}
}

// TargetFromParams is the inverse of Params. Non-string attribute values are dropped.
func TargetFromParams(raw map[string]interface{}) Target {
	p := plugin.Params(raw)
	t := Target{
		Type:        p.StringOr("type", ""),
		Description: p.StringOr("description", ""),
		Context:     p.StringOr("context", ""),
	}
	switch attrs := raw["attributes"].(type) {
	case map[string]string:
		t.Attributes = attrs
	case map[string]interface{}:
		t.Attributes = make(map[string]string, len(attrs))
		for k, v := range attrs {
			if s, ok := v.(string); ok {
				t.Attributes[k] = s
			}
		}
	}
	return t
}

// Location is a screen region in page pixels.
type Location struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the region's midpoint.
func (l Location) Center() (float64, float64) {
	return l.X + l.Width/2, l.Y + l.Height/2
}

// Element is what a strategy matched: a selector, a region, or both.
type Element struct {
	Selector string    `json:"selector,omitempty"`
	Text     string    `json:"text,omitempty"`
	Location *Location `json:"location,omitempty"`
}

// Map renders the element for action results and workflow state.
func (e *Element) Map() map[string]interface{} {
	if e == nil {
		return nil
	}
	m := map[string]interface{}{}
	if e.Selector != "" {
		m["selector"] = e.Selector
	}
	if e.Text != "" {
		m["text"] = e.Text
	}
	if e.Location != nil {
		m["x"], m["y"] = e.Location.X, e.Location.Y
		m["width"], m["height"] = e.Location.Width, e.Location.Height
	}
	return m
}

// ElementFromMap reads an element rendered by Map, or the element map an
// automation plugin returns from find_element.
func ElementFromMap(raw map[string]interface{}) *Element {
	if raw == nil {
		return nil
	}
	p := plugin.Params(raw)
	e := &Element{Selector: p.StringOr("selector", ""), Text: p.StringOr("text", "")}
	w, h := p.FloatOr("width", 0), p.FloatOr("height", 0)
	if w > 0 || h > 0 {
		e.Location = &Location{X: p.FloatOr("x", 0), Y: p.FloatOr("y", 0), Width: w, Height: h}
	}
	return e
}

// Result is the outcome of one recognition attempt.
type Result struct {
	Success    bool     `json:"success"`
	Confidence float64  `json:"confidence"`
	Method     string   `json:"method"`
	Element    *Element `json:"element,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Map renders the result as an action result.
func (r Result) Map() map[string]interface{} {
	m := map[string]interface{}{
		"success":    r.Success,
		"confidence": r.Confidence,
		"method":     r.Method,
	}
	if r.Element != nil {
		m["element"] = r.Element.Map()
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return m
}

// ResultFromMap parses a recognize action result.
func ResultFromMap(raw map[string]interface{}) Result {
	p := plugin.Params(raw)
	return Result{
		Success:    p.BoolOr("success", false),
		Confidence: p.FloatOr("confidence", 0),
		Method:     p.StringOr("method", ""),
		Element:    ElementFromMap(p.Map("element")),
		Error:      p.StringOr("error", ""),
	}
}
