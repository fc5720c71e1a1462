package interruption

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/plugins/selector"
)

// LearnedPriority is the priority given to patterns synthesized by LearnPattern.
const LearnedPriority = 5

var cssIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// LearnPattern builds a pattern from an element that was dismissed by hand on
// pageURL and stores it. elementInfo uses the keys reported by find_element
// (id, tag, class, text, selector).
func (r *Resolver) LearnPattern(t Type, action Action, elementInfo map[string]interface{}, pageURL string) (Pattern, error) {
	domain := DomainOf(pageURL)
	if domain == "" {
		return Pattern{}, fmt.Errorf("cannot learn a pattern without a domain: %q", pageURL)
	}
	p, err := synthesize(t, action, elementInfo, domain)
	if err != nil {
		return Pattern{}, err
	}
	if err := r.patterns.Add(p); err != nil {
		return Pattern{}, err
	}
	r.logger.Info("Learned interruption pattern",
		zap.String("pattern_id", p.ID),
		zap.String("domain", domain),
		zap.Strings("selectors", p.Selectors))
	return p, nil
}

func synthesize(t Type, action Action, info map[string]interface{}, domain string) (Pattern, error) {
	str := func(key string) string {
		v, _ := info[key].(string)
		return strings.TrimSpace(v)
	}
	id, tag, class, text := str("id"), strings.ToLower(str("tag")), str("class"), str("text")

	var selectors []string
	switch {
	case id != "" && cssIdent.MatchString(id):
		selectors = append(selectors, "#"+id)
	case id != "":
		selectors = append(selectors, fmt.Sprintf(`[id="%s"]`, strings.ReplaceAll(id, `"`, `\"`)))
	case tag != "" && class != "":
		sel := tag
		for _, c := range strings.Fields(class) {
			if cssIdent.MatchString(c) {
				sel += "." + c
			}
		}
		selectors = append(selectors, sel)
	case text != "":
		if tag == "" {
			tag = "*"
		}
		selectors = append(selectors, fmt.Sprintf("//%s[contains(normalize-space(.), %s)]", tag, selector.XPathLiteral(text)))
	}
	if s := str("selector"); s != "" && (len(selectors) == 0 || selectors[0] != s) {
		selectors = append(selectors, s)
	}

	var ocrPatterns []string
	if text != "" {
		ocrPatterns = append(ocrPatterns, regexp.QuoteMeta(strings.ToLower(text)))
	}
	if len(selectors) == 0 && len(ocrPatterns) == 0 {
		return Pattern{}, errors.New("element info has no id, class, text or selector to learn from")
	}

	return Pattern{
		ID:             "learned_" + uuid.NewString()[:8],
		Type:           t,
		Action:         action,
		Selectors:      selectors,
		OCRPatterns:    ocrPatterns,
		DomainPatterns: []string{"^" + regexp.QuoteMeta(domain) + "$"},
		Priority:       LearnedPriority,
	}, nil
}
