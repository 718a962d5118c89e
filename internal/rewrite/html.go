package rewrite

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/url"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Rewriter rewrites references in HTML and CSS documents. It holds no
// per-document state and is safe for concurrent use.
type Rewriter struct {
	rules  []compiledRule
	logger *slog.Logger
}

// NewRewriter compiles rules into a Rewriter. Duplicate rules are ignored.
func NewRewriter(rules []Rule, logger *slog.Logger) (*Rewriter, error) {
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, fmt.Errorf("rewrite rules: %w", err)
	}
	return &Rewriter{
		rules:  compiled,
		logger: logger.With("component", "rewriter"),
	}, nil
}

// Rules returns the rules the Rewriter applies, in evaluation order.
func (r *Rewriter) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	for i, c := range r.rules {
		out[i] = c.Rule
	}
	return out
}

// HTML copies the document from src to dst in a single tokenizer pass,
// replacing the value of every attribute selected by a rule with its
// proxy-local path resolved against base. Everything else is copied
// byte-for-byte. A reference that cannot be resolved is left as is.
//
// The tokenizer hands back <noscript> content as one raw text token; it is
// markup to a browser without scripting, so it is rewritten the same way.
func (r *Rewriter) HTML(dst io.Writer, src io.Reader, base *url.URL) (Stats, error) {
	var stats Stats
	z := html.NewTokenizer(src)
	noscript := false

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// An unterminated trailing tag stays in Raw when input runs out.
			if _, err := dst.Write(z.Raw()); err != nil {
				return stats, fmt.Errorf("write html: %w", err)
			}
			if err := z.Err(); err != io.EOF {
				return stats, fmt.Errorf("tokenize html: %w", err)
			}
			return stats, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			// Token() unescapes into the tokenizer buffer, so Raw is copied first.
			raw := bytes.Clone(z.Raw())
			tok := z.Token()
			out, s := r.rewriteTag(raw, &tok, base)
			stats.Add(s)
			if _, err := dst.Write(out); err != nil {
				return stats, fmt.Errorf("write html: %w", err)
			}
			noscript = tok.DataAtom == atom.Noscript

		case html.TextToken:
			if noscript {
				noscript = false
				s, err := r.HTML(dst, bytes.NewReader(z.Raw()), base)
				stats.Add(s)
				if err != nil {
					return stats, err
				}
				continue
			}
			if _, err := dst.Write(z.Raw()); err != nil {
				return stats, fmt.Errorf("write html: %w", err)
			}

		default:
			noscript = false
			if _, err := dst.Write(z.Raw()); err != nil {
				return stats, fmt.Errorf("write html: %w", err)
			}
		}
	}
}

// HTMLString is HTML over in-memory strings.
func (r *Rewriter) HTMLString(doc string, base *url.URL) (string, Stats, error) {
	var buf bytes.Buffer
	buf.Grow(len(doc) + len(doc)/8)
	stats, err := r.HTML(&buf, bytes.NewReader([]byte(doc)), base)
	if err != nil {
		return "", stats, err
	}
	return buf.String(), stats, nil
}

func (r *Rewriter) rewriteTag(raw []byte, tok *html.Token, base *url.URL) ([]byte, Stats) {
	var (
		stats Stats
		spans []attrSpan
		edits []tagEdit
		done  map[string]bool
	)

	for _, rule := range r.rules {
		if done[rule.Attr] || !rule.matches(tok) {
			continue
		}
		if done == nil {
			done = make(map[string]bool, 2)
			spans = scanAttrs(raw)
		}
		done[rule.Attr] = true

		val, ok := attrValue(tok, rule.Attr)
		if !ok {
			continue
		}
		if IsDataURI(val) {
			stats.Skipped++
			continue
		}

		path, err := ResolveProxyPath(base, val)
		if err != nil {
			stats.Failed++
			r.logger.Debug("leaving unresolvable attribute",
				"tag", tok.Data,
				"attr", rule.Attr,
				"err", err,
			)
			continue
		}

		span, ok := findSpan(spans, rule.Attr)
		if !ok {
			stats.Failed++
			continue
		}
		edits = append(edits, valueEdit(span, path))
		stats.Rewritten++
	}

	return applyEdits(raw, edits), stats
}

// attrValue returns the first value of key, as the HTML parser would.
func attrValue(tok *html.Token, key string) (string, bool) {
	for _, a := range tok.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func findSpan(spans []attrSpan, key string) (attrSpan, bool) {
	for _, s := range spans {
		if s.key == key {
			return s, true
		}
	}
	return attrSpan{}, false
}
