package rewrite

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// Rule names an element attribute that carries a URL to rewrite.
type Rule struct {
	Tag  string
	Attr string
}

// DefaultRules are the navigable and loadable references rewritten in every document.
var DefaultRules = []Rule{
	{Tag: "script", Attr: "src"},
	{Tag: "link", Attr: "href"},
	{Tag: "img", Attr: "src"},
	{Tag: "a", Attr: "href"},
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Selector returns the CSS selector matching elements the rule applies to.
func (r Rule) Selector() string {
	return fmt.Sprintf("%s[%s]", r.Tag, r.Attr)
}

func (r Rule) String() string {
	return r.Selector()
}

// Validate checks that both the tag and the attribute are plain lowercase names.
func (r Rule) Validate() error {
	if !namePattern.MatchString(r.Tag) {
		return fmt.Errorf("invalid tag name %q", r.Tag)
	}
	if !namePattern.MatchString(r.Attr) {
		return fmt.Errorf("invalid attribute name %q", r.Attr)
	}
	return nil
}

// NormalizeRule lowercases and trims a rule read from configuration.
func NormalizeRule(tag, attr string) Rule {
	return Rule{
		Tag:  strings.ToLower(strings.TrimSpace(tag)),
		Attr: strings.ToLower(strings.TrimSpace(attr)),
	}
}

type compiledRule struct {
	Rule
	sel cascadia.Sel
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	seen := make(map[Rule]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r] {
			continue
		}
		seen[r] = true

		sel, err := cascadia.Parse(r.Selector())
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", r.Selector(), err)
		}
		out = append(out, compiledRule{Rule: r, sel: sel})
	}
	return out, nil
}

// matches reports whether the rule applies to the start tag tok. Only the tag
// itself is inspected; no ancestors are available while streaming.
func (c compiledRule) matches(tok *html.Token) bool {
	n := &html.Node{
		Type:     html.ElementNode,
		DataAtom: tok.DataAtom,
		Data:     tok.Data,
		Attr:     tok.Attr,
	}
	return c.sel.Match(n)
}

// Stats counts what happened to the references found in one document.
type Stats struct {
	Rewritten int
	Skipped   int
	Failed    int
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Rewritten += other.Rewritten
	s.Skipped += other.Skipped
	s.Failed += other.Failed
}
