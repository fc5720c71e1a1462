// Package interruption detects and dismisses unsolicited page elements such as
// cookie banners, popups and ads. Patterns and per-domain policies are kept in
// JSON stores; a resolver tries each enabled pattern through the selector,
// template and OCR channels.
package interruption

import (
	"time"
)

// Type classifies an interruption.
type Type string

const (
	TypeAd           Type = "ad"
	TypePopup        Type = "popup"
	TypeCookie       Type = "cookie"
	TypeLogin        Type = "login"
	TypeSurvey       Type = "survey"
	TypeNotification Type = "notification"
	TypeCustom       Type = "custom"
)

// Types lists every interruption type.
var Types = []Type{TypeAd, TypePopup, TypeCookie, TypeLogin, TypeSurvey, TypeNotification, TypeCustom}

// ParseType validates a type name.
func ParseType(s string) (Type, bool) {
	for _, t := range Types {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Action is what to do with a detected interruption.
type Action string

const (
	ActionClose   Action = "close"
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
	ActionIgnore  Action = "ignore"
	ActionCustom  Action = "custom"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, bool) {
	switch a := Action(s); a {
	case ActionClose, ActionAccept, ActionDecline, ActionIgnore, ActionCustom:
		return a, true
	}
	return "", false
}

// Channel names the detection method that found an interruption.
type Channel string

const (
	ChannelSelector Channel = "selector"
	ChannelTemplate Channel = "template"
	ChannelOCR      Channel = "ocr"
)

// Pattern describes how to detect and dismiss one kind of interruption.
type Pattern struct {
	ID             string     `json:"id"`
	Type           Type       `json:"type"`
	Action         Action     `json:"action"`
	Selectors      []string   `json:"selectors"`
	ImageTemplates []string   `json:"image_templates"`
	OCRPatterns    []string   `json:"ocr_patterns"`
	DomainPatterns []string   `json:"domain_patterns"`
	Priority       int        `json:"priority"`
	CustomAction   string     `json:"custom_action,omitempty"`
	SuccessCount   int        `json:"success_count"`
	LastSuccess    *time.Time `json:"last_success,omitempty"`
}

func (p Pattern) clone() Pattern {
	c := p
	c.Selectors = append([]string(nil), p.Selectors...)
	c.ImageTemplates = append([]string(nil), p.ImageTemplates...)
	c.OCRPatterns = append([]string(nil), p.OCRPatterns...)
	c.DomainPatterns = append([]string(nil), p.DomainPatterns...)
	if p.LastSuccess != nil {
		ts := *p.LastSuccess
		c.LastSuccess = &ts
	}
	return c
}

// SitePolicy overrides the global enabled types for one domain (or domain glob).
// Blacklisted types are always handled, whitelisted types never are.
type SitePolicy struct {
	Domain         string   `json:"-"`
	Whitelist      []Type   `json:"whitelist"`
	Blacklist      []Type   `json:"blacklist"`
	CustomPatterns []string `json:"custom_patterns"`
}

func (p SitePolicy) clone() SitePolicy {
	c := p
	c.Whitelist = append([]Type(nil), p.Whitelist...)
	c.Blacklist = append([]Type(nil), p.Blacklist...)
	c.CustomPatterns = append([]string(nil), p.CustomPatterns...)
	return c
}

func containsType(list []Type, t Type) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func removeType(list []Type, t Type) []Type {
	out := list[:0]
	for _, v := range list {
		if v != t {
			out = append(out, v)
		}
	}
	return out
}

// Handled records one dismissed interruption.
type Handled struct {
	PatternID string                 `json:"pattern_id"`
	Type      Type                   `json:"type"`
	Action    Action                 `json:"action"`
	Channel   Channel                `json:"channel"`
	Element   map[string]interface{} `json:"element,omitempty"`
}

// Report summarizes a HandleInterruptions call.
type Report struct {
	Handled       bool      `json:"handled"`
	Domain        string    `json:"domain"`
	Rounds        int       `json:"rounds"`
	Interruptions []Handled `json:"interruptions"`
}

// Map renders the report for workflow state and API responses.
func (r Report) Map() map[string]interface{} {
	list := make([]interface{}, 0, len(r.Interruptions))
	for _, h := range r.Interruptions {
		list = append(list, map[string]interface{}{
			"pattern_id": h.PatternID,
			"type":       string(h.Type),
			"action":     string(h.Action),
			"channel":    string(h.Channel),
			"element":    h.Element,
		})
	}
	return map[string]interface{}{
		"handled":       r.Handled,
		"domain":        r.Domain,
		"rounds":        r.Rounds,
		"interruptions": list,
	}
}
