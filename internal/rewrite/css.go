package rewrite

import (
	"net/url"
	"regexp"
	"strings"
)

// cssURLPattern matches url(...) with a double-quoted, single-quoted or bare
// reference. Alternatives are tried in that order.
var cssURLPattern = regexp.MustCompile(`url\((?:"(.+?)"|'(.+?)'|(.+?))\)`)

// CSS rewrites every url(...) token in css to url(<absolute-url>) resolved
// against base. Tokens whose reference does not resolve are left untouched.
func (r *Rewriter) CSS(css string, base *url.URL) (string, Stats) {
	var stats Stats

	matches := cssURLPattern.FindAllStringSubmatchIndex(css, -1)
	if len(matches) == 0 {
		return css, stats
	}

	var b strings.Builder
	b.Grow(len(css) + len(matches)*32)

	prev := 0
	for _, m := range matches {
		b.WriteString(css[prev:m[0]])
		prev = m[1]

		ref := cssReference(css, m)
		u, err := Resolve(base, ref)
		if err != nil {
			stats.Failed++
			r.logger.Debug("leaving unresolvable css url", "err", err)
			b.WriteString(css[m[0]:m[1]])
			continue
		}

		stats.Rewritten++
		b.WriteString("url(")
		b.WriteString(u.String())
		b.WriteString(")")
	}
	b.WriteString(css[prev:])

	return b.String(), stats
}

// cssReference picks the captured reference out of a cssURLPattern match.
func cssReference(css string, m []int) string {
	for g := 1; g <= 3; g++ {
		if start := m[2*g]; start >= 0 {
			return css[start:m[2*g+1]]
		}
	}
	return ""
}
