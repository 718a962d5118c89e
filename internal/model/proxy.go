// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// HopByHopHeaders are connection-scoped headers that a proxy must not forward.
var HopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyRequest is one inbound request for a target URL.
type ProxyRequest struct {
	Ctx    context.Context
	Target *url.URL
	Header http.Header
}

// ProxyResponse is an upstream response on its way back to the client.
// Body is consumed exactly once, either buffered for rewriting or streamed.
type ProxyResponse struct {
	StatusCode int
	MediaType  string
	Header     http.Header
	Body       io.ReadCloser
}
