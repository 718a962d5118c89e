package rewrite

import (
	"bytes"
	"sort"

	"golang.org/x/net/html"
)

// attrSpan locates one attribute inside the raw bytes of a start tag.
// Offsets follow the same state machine as the x/net/html tokenizer, so
// the n-th span corresponds to the n-th attribute of the parsed token.
type attrSpan struct {
	key      string
	keyEnd   int
	valStart int
	valEnd   int
	quote    byte
	hasVal   bool
}

func isTagSpace(c byte) bool {
	switch c {
	case ' ', '\n', '\r', '\t', '\f':
		return true
	}
	return false
}

func skipTagSpace(raw []byte, i int) int {
	for i < len(raw) && isTagSpace(raw[i]) {
		i++
	}
	return i
}

// scanAttrs returns the attribute spans of a raw start tag such as `<a href="x">`.
func scanAttrs(raw []byte) []attrSpan {
	if len(raw) < 2 || raw[0] != '<' {
		return nil
	}

	// Tag name.
	i := 2
	for i < len(raw) && !isTagSpace(raw[i]) && raw[i] != '/' && raw[i] != '>' {
		i++
	}

	var spans []attrSpan
	for {
		i = skipTagSpace(raw, i)
		if i >= len(raw) || raw[i] == '>' {
			return spans
		}

		keyStart := i
		for i < len(raw) {
			c := raw[i]
			if c == '=' && i == keyStart {
				i++
				continue
			}
			if isTagSpace(c) || c == '/' || c == '=' || c == '>' {
				break
			}
			i++
		}
		span := attrSpan{
			key:    string(bytes.ToLower(raw[keyStart:i])),
			keyEnd: i,
		}

		i = skipTagSpace(raw, i)
		if i < len(raw) {
			switch raw[i] {
			case '/':
				i++
			case '=':
				i = skipTagSpace(raw, i+1)
				if i >= len(raw) || raw[i] == '>' {
					// "key=" with nothing after it: an empty unquoted value.
					span.valStart, span.valEnd, span.hasVal = i, i, true
				} else {
					q := raw[i]
					if q == '"' || q == '\'' {
						i++
						start := i
						for i < len(raw) && raw[i] != q {
							i++
						}
						span.valStart, span.valEnd, span.quote, span.hasVal = start, i, q, true
						if i < len(raw) {
							i++
						}
					} else {
						start := i
						for i < len(raw) && !isTagSpace(raw[i]) && raw[i] != '>' {
							i++
						}
						span.valStart, span.valEnd, span.hasVal = start, i, true
					}
				}
			}
		}

		if keyStart != span.keyEnd {
			spans = append(spans, span)
		}
	}
}

// tagEdit replaces raw[start:end] with text.
type tagEdit struct {
	start int
	end   int
	text  string
}

// valueEdit builds the edit that sets span's value to val, keeping the
// original quoting when there was any.
func valueEdit(span attrSpan, val string) tagEdit {
	escaped := html.EscapeString(val)
	switch {
	case !span.hasVal:
		return tagEdit{start: span.keyEnd, end: span.keyEnd, text: `="` + escaped + `"`}
	case span.quote == 0:
		return tagEdit{start: span.valStart, end: span.valEnd, text: `"` + escaped + `"`}
	default:
		return tagEdit{start: span.valStart, end: span.valEnd, text: escaped}
	}
}

// applyEdits returns raw with the non-overlapping edits applied.
func applyEdits(raw []byte, edits []tagEdit) []byte {
	if len(edits) == 0 {
		return raw
	}
	sort.Slice(edits, func(a, b int) bool { return edits[a].start < edits[b].start })

	out := make([]byte, 0, len(raw)+64)
	prev := 0
	for _, e := range edits {
		out = append(out, raw[prev:e.start]...)
		out = append(out, e.text...)
		prev = e.end
	}
	return append(out, raw[prev:]...)
}
