package rewrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRewriter_CSS(t *testing.T) {
	r := newTestRewriter(t)
	base := mustParse(t, "https://example.com/css/main.css")

	tests := []struct {
		name  string
		in    string
		want  string
		stats Stats
	}{
		{
			name:  "double quoted",
			in:    `body { background: url("../img/x.png"); }`,
			want:  `body { background: url(https://example.com/img/x.png); }`,
			stats: Stats{Rewritten: 1},
		},
		{
			name:  "single quoted",
			in:    `.a{background:url('bg.gif')}`,
			want:  `.a{background:url(https://example.com/css/bg.gif)}`,
			stats: Stats{Rewritten: 1},
		},
		{
			name:  "unquoted",
			in:    `@font-face { src: url(/fonts/a.woff2) format("woff2"); }`,
			want:  `@font-face { src: url(https://example.com/fonts/a.woff2) format("woff2"); }`,
			stats: Stats{Rewritten: 1},
		},
		{
			name:  "absolute kept absolute",
			in:    `@import url("https://cdn.example.org/reset.css");`,
			want:  `@import url(https://cdn.example.org/reset.css);`,
			stats: Stats{Rewritten: 1},
		},
		{
			name:  "several per line",
			in:    `.b{background:url(a.png),url("b.png")}`,
			want:  `.b{background:url(https://example.com/css/a.png),url(https://example.com/css/b.png)}`,
			stats: Stats{Rewritten: 2},
		},
		{
			name:  "data uri resolved to itself",
			in:    `.c{background:url("data:image/png;base64,AAAA")}`,
			want:  `.c{background:url(data:image/png;base64,AAAA)}`,
			stats: Stats{Rewritten: 1},
		},
		{
			name:  "unresolvable left byte identical",
			in:    `.d{background:url("%zz")} .e{background:url(ok.png)}`,
			want:  `.d{background:url("%zz")} .e{background:url(https://example.com/css/ok.png)}`,
			stats: Stats{Rewritten: 1, Failed: 1},
		},
		{
			name:  "inner whitespace trimmed",
			in:    `.f{background:url( g.png )}`,
			want:  `.f{background:url(https://example.com/css/g.png)}`,
			stats: Stats{Rewritten: 1},
		},
		{
			name:  "no tokens",
			in:    `p { color: red; }`,
			want:  `p { color: red; }`,
			stats: Stats{},
		},
		{
			name:  "empty parens not a token",
			in:    `.g{background:url()}`,
			want:  `.g{background:url()}`,
			stats: Stats{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, stats := r.CSS(tt.in, base)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.stats, stats)
		})
	}
}

func TestCSSReference(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`url("a b")`, "a b"},
		{`url('c')`, "c"},
		{`url(d)`, "d"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			m := cssURLPattern.FindStringSubmatchIndex(tt.in)
			assert.NotNil(t, m)
			assert.Equal(t, tt.want, cssReference(tt.in, m))
		})
	}
}
