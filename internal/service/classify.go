package service

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Strategy is how a proxied response body is handled.
type Strategy string

const (
	StrategyPassthrough Strategy = "passthrough"
	StrategyHTML        Strategy = "html"
	StrategyCSS         Strategy = "css"
)

var (
	// ErrEmptyTarget is returned for the bare root path, which names no target.
	ErrEmptyTarget = errors.New("empty target")
	// ErrInvalidTarget is returned when the path is not an absolute URL.
	ErrInvalidTarget = errors.New("invalid target url")
)

// SimplifyMediaType returns the part of a Content-Type value before any
// parameters, trimmed and lowercased. An absent header yields "".
func SimplifyMediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// Classify picks the handling strategy for a simplified media type.
func Classify(mediaType string) Strategy {
	switch mediaType {
	case "text/html":
		return StrategyHTML
	case "text/css":
		return StrategyCSS
	default:
		return StrategyPassthrough
	}
}

// ParseTarget turns an inbound escaped path and raw query into the target URL.
// The single leading slash is dropped and the rest must parse as an absolute
// URL with both scheme and host.
func ParseTarget(escapedPath, rawQuery string) (*url.URL, error) {
	raw := strings.TrimPrefix(escapedPath, "/")
	if raw == "" {
		return nil, ErrEmptyTarget
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidTarget, raw)
	}

	if rawQuery != "" {
		if u.RawQuery != "" {
			u.RawQuery += "&" + rawQuery
		} else {
			u.RawQuery = rawQuery
		}
	}
	return u, nil
}

// cssBase returns the base URL for stylesheet references: the Referer when it
// is an absolute URL, otherwise the target itself.
func cssBase(referer string, target *url.URL) *url.URL {
	if referer == "" {
		return target
	}
	u, err := url.Parse(referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return target
	}
	return u
}
