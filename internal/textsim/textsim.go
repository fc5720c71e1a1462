// Package textsim scores how closely recognized text matches an expected phrase.
package textsim

import (
	"regexp"
	"regexp/syntax"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Similarity returns 1 - levenshtein(a, b)/max(len(a), len(b)) over runes,
// after lower-casing and trimming both inputs. Two empty strings are identical.
func Similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	dmp := diffmatchpatch.New()
	dist := dmp.DiffLevenshtein(dmp.DiffMain(a, b, false))
	score := 1 - float64(dist)/float64(longest)
	if score < 0 {
		return 0
	}
	return score
}

// Literal extracts the plain text a regular expression would match when it is
// mostly literal, e.g. `(?i)accept\s+all` gives "accept all". Unparseable
// patterns are returned unchanged. Case-folded literals come back lower-cased.
func Literal(pattern string) string {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return pattern
	}
	var b strings.Builder
	walkLiteral(re.Simplify(), &b)
	return strings.ToLower(strings.Join(strings.Fields(b.String()), " "))
}

func walkLiteral(re *syntax.Regexp, b *strings.Builder) {
	switch re.Op {
	case syntax.OpLiteral:
		b.WriteString(string(re.Rune))
	case syntax.OpCharClass, syntax.OpAnyChar, syntax.OpAnyCharNotNL:
		b.WriteByte(' ')
	case syntax.OpAlternate:
		// First branch stands in for the alternation.
		if len(re.Sub) > 0 {
			walkLiteral(re.Sub[0], b)
		}
	default:
		for _, sub := range re.Sub {
			walkLiteral(sub, b)
		}
	}
}

// Score rates text against pattern: 1.0 on a case-insensitive regex match,
// otherwise the similarity between text and the pattern's literal form.
func Score(text, pattern string) float64 {
	if re, err := regexp.Compile("(?i)" + pattern); err == nil && re.MatchString(text) {
		return 1
	}
	return Similarity(text, Literal(pattern))
}

// Best returns the highest scoring text for pattern and its score.
func Best(texts []string, pattern string) (string, float64) {
	var best string
	var bestScore float64
	for _, t := range texts {
		if s := Score(t, pattern); s > bestScore {
			best, bestScore = t, s
		}
	}
	return best, bestScore
}
