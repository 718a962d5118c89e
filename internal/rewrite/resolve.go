// Package rewrite turns references inside fetched HTML and CSS documents into
// paths that route back through the proxy.
package rewrite

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrEmptyBase is returned when a relative reference has no base to resolve against.
var ErrEmptyBase = errors.New("relative reference without base URL")

// IsDataURI reports whether ref is an inline data: URI.
func IsDataURI(ref string) bool {
	ref = strings.TrimSpace(ref)
	return len(ref) >= 5 && strings.EqualFold(ref[:5], "data:")
}

// Resolve returns the absolute URL that ref denotes. An absolute ref is used as
// is; anything else is resolved against base following RFC 3986.
func Resolve(base *url.URL, ref string) (*url.URL, error) {
	ref = strings.TrimSpace(ref)

	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return u, nil
	}

	if base == nil {
		return nil, ErrEmptyBase
	}

	u, err := base.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", ref, err)
	}
	return u, nil
}

// ProxyPath renders u as a proxy-local path: "/" followed by the absolute URL.
func ProxyPath(u *url.URL) string {
	return "/" + u.String()
}

// ResolveProxyPath resolves ref against base and returns its proxy-local path.
// Data URIs are returned unchanged since they never hit the network.
func ResolveProxyPath(base *url.URL, ref string) (string, error) {
	if IsDataURI(ref) {
		return ref, nil
	}

	u, err := Resolve(base, ref)
	if err != nil {
		return "", err
	}
	return ProxyPath(u), nil
}
