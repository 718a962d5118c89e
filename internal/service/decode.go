package service

import (
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// decodableCodings are the content codings readDecoded can undo.
var decodableCodings = map[string]bool{
	"gzip":     true,
	"x-gzip":   true,
	"deflate":  true,
	"br":       true,
	"identity": true,
}

// acceptEncoding narrows the client's Accept-Encoding to codings the proxy can
// decode, keeping each entry's parameters. An empty result means identity.
func acceptEncoding(values []string) string {
	var keep []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			coding, _, _ := strings.Cut(part, ";")
			if decodableCodings[strings.ToLower(strings.TrimSpace(coding))] {
				keep = append(keep, part)
			}
		}
	}
	return strings.Join(keep, ", ")
}

// maxEncodingLayers bounds how many stacked content codings are undone.
const maxEncodingLayers = 3

// decodeReader wraps r with decoders for the Content-Encoding value. Codings are
// listed in the order they were applied, so they are removed right to left.
func decodeReader(r io.Reader, contentEncoding string) (io.Reader, error) {
	var codings []string
	for _, c := range strings.Split(contentEncoding, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" && c != "identity" {
			codings = append(codings, c)
		}
	}
	if len(codings) > maxEncodingLayers {
		return nil, fmt.Errorf("%w: too many content codings (%d)", ErrDecode, len(codings))
	}

	for i := len(codings) - 1; i >= 0; i-- {
		switch codings[i] {
		case "gzip", "x-gzip":
			zr, err := gzip.NewReader(r)
			if err != nil {
				return nil, fmt.Errorf("%w: gzip: %w", ErrDecode, err)
			}
			r = zr
		case "deflate":
			zr, err := zlib.NewReader(r)
			if err != nil {
				return nil, fmt.Errorf("%w: deflate: %w", ErrDecode, err)
			}
			r = zr
		case "br":
			r = brotli.NewReader(r)
		default:
			return nil, fmt.Errorf("%w: unsupported content encoding %q", ErrDecode, codings[i])
		}
	}
	return r, nil
}

// readDecoded reads the whole body, undoing any content coding.
func readDecoded(body io.Reader, contentEncoding string) ([]byte, error) {
	r, err := decodeReader(body, contentEncoding)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrDecode, err)
	}
	return data, nil
}
