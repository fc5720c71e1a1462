// Package ocr extracts on-screen text from page screenshots and matches it
// against expected phrases.
package ocr

import (
	"context"
	"strings"
)

// Line is one line of recognized text with its bounding box in image pixels.
type Line struct {
	Text       string  `json:"text"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
}

// Map renders the line for action results.
func (l Line) Map() map[string]interface{} {
	return map[string]interface{}{
		"text":       l.Text,
		"x":          l.X,
		"y":          l.Y,
		"width":      l.Width,
		"height":     l.Height,
		"confidence": l.Confidence,
	}
}

// Engine turns an encoded image into text lines.
type Engine interface {
	Name() string
	Extract(ctx context.Context, image []byte) ([]Line, error)
}

// Opener is implemented by engines that must acquire resources before use.
type Opener interface {
	Open(ctx context.Context) error
}

// Closer is implemented by engines holding resources.
type Closer interface {
	Close() error
}

func joinLines(lines []Line) string {
	texts := make([]string, len(lines))
	for i, l := range lines {
		texts[i] = l.Text
	}
	return strings.Join(texts, "\n")
}
