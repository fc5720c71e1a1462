package selector

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// UniqueXPath builds an XPath for node, anchored on the nearest ancestor with
// an id so the path survives layout changes above that ancestor.
func UniqueXPath(node *html.Node) string {
	if node == nil {
		return ""
	}

	var steps []string
	anchored := false
	for n := node; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		tag := strings.ToLower(n.Data)
		if id := htmlquery.SelectAttr(n, "id"); id != "" {
			steps = append(steps, fmt.Sprintf("//%s[@id=%s]", tag, XPathLiteral(id)))
			anchored = true
			break
		}
		steps = append(steps, fmt.Sprintf("%s[%d]", tag, siblingIndex(n, tag)))
	}
	if len(steps) == 0 {
		return "/"
	}

	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	path := strings.Join(steps, "/")
	if !anchored {
		path = "/" + path
	}
	return path
}

// siblingIndex is the 1-based position of n among preceding siblings with the same tag.
func siblingIndex(n *html.Node, tag string) int {
	idx := 1
	for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
		if prev.Type == html.ElementNode && strings.ToLower(prev.Data) == tag {
			idx++
		}
	}
	return idx
}

// XPathLiteral quotes s for use in an XPath expression. XPath 1.0 has no
// escape sequence, so strings holding both quote kinds are built with concat().
func XPathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, 2*len(parts)-1)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		if p != "" {
			quoted = append(quoted, "'"+p+"'")
		}
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
