// Package service implements the core proxy logic: fetching the target,
// classifying the response and rewriting HTML and CSS bodies.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"echo-proxy-go/internal/client"
	"echo-proxy-go/internal/config"
	"echo-proxy-go/internal/metrics"
	"echo-proxy-go/internal/model"
	"echo-proxy-go/internal/rewrite"
)

var (
	// ErrDecode is returned when an HTML or CSS body cannot be decoded as UTF-8 text.
	ErrDecode = errors.New("decode upstream body")
	// ErrRewrite is returned when the HTML rewriter fails on a document.
	ErrRewrite = errors.New("rewrite upstream body")
)

// ProxyService fetches targets and transforms their responses.
type ProxyService struct {
	client         *client.UpstreamClient
	rewriter       *rewrite.Rewriter
	cfg            *config.Config
	logger         *slog.Logger
	metrics        *metrics.Metrics
	forwardHeaders []string
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable recording.
func NewProxyService(c *client.UpstreamClient, rw *rewrite.Rewriter, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	forward := make([]string, 0, len(cfg.Upstream.ForwardHeaders))
	for _, h := range cfg.Upstream.ForwardHeaders {
		if h = strings.TrimSpace(h); h != "" {
			forward = append(forward, http.CanonicalHeaderKey(h))
		}
	}

	return &ProxyService{
		client:         c,
		rewriter:       rw,
		cfg:            cfg,
		logger:         logger.With("component", "proxy_service"),
		metrics:        m,
		forwardHeaders: forward,
	}
}

// Forward fetches the request's target and returns the response to send back.
// The caller is responsible for closing the response body.
//
// HTML and CSS bodies are read fully, rewritten and replaced by an in-memory
// body with a fresh Content-Length. Every other body is handed back unread so
// it can be streamed.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	header := s.filterRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"host", pr.Target.Host,
		"path", pr.Target.Path,
	)

	resp, err := s.client.Fetch(pr.Ctx, pr.Target, header)
	if err != nil {
		return nil, fmt.Errorf("fetch target: %w", err)
	}

	resp.MediaType = SimplifyMediaType(resp.Header.Get("Content-Type"))
	strategy := Classify(resp.MediaType)
	resp.Header = filterResponseHeaders(resp.Header, strategy)

	if s.cfg.Rewrite.RewriteRedirects {
		s.rewriteLocation(resp, pr.Target)
	}

	if s.metrics != nil {
		s.metrics.ResponsesTotal.WithLabelValues(string(strategy)).Inc()
	}

	switch strategy {
	case StrategyHTML:
		err = s.rewriteBody(resp, strategy, pr.Target)
	case StrategyCSS:
		err = s.rewriteBody(resp, strategy, cssBase(pr.Header.Get("Referer"), pr.Target))
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// rewriteBody replaces resp.Body with its rewritten form.
// The upstream body is always closed.
func (s *ProxyService) rewriteBody(resp *model.ProxyResponse, strategy Strategy, base *url.URL) error {
	data, err := readDecoded(resp.Body, resp.Header.Get("Content-Encoding"))
	_ = resp.Body.Close()
	if err != nil {
		return err
	}
	if !utf8.Valid(data) {
		return fmt.Errorf("%w: %s body is not valid UTF-8", ErrDecode, resp.MediaType)
	}

	var (
		out   []byte
		stats rewrite.Stats
	)
	switch strategy {
	case StrategyHTML:
		var buf bytes.Buffer
		buf.Grow(len(data) + len(data)/8)
		stats, err = s.rewriter.HTML(&buf, bytes.NewReader(data), base)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRewrite, err)
		}
		out = buf.Bytes()
	case StrategyCSS:
		var css string
		css, stats = s.rewriter.CSS(string(data), base)
		out = []byte(css)
	}

	s.recordStats(strategy, stats)
	s.logger.Debug("rewrote body",
		"strategy", string(strategy),
		"rewritten", stats.Rewritten,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
	)

	resp.Header.Del("Content-Encoding")
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	resp.Body = io.NopCloser(bytes.NewReader(out))
	return nil
}

func (s *ProxyService) recordStats(strategy Strategy, stats rewrite.Stats) {
	if s.metrics == nil {
		return
	}
	refs := s.metrics.References
	refs.WithLabelValues(string(strategy), "rewritten").Add(float64(stats.Rewritten))
	refs.WithLabelValues(string(strategy), "skipped").Add(float64(stats.Skipped))
	refs.WithLabelValues(string(strategy), "failed").Add(float64(stats.Failed))
}

// rewriteLocation points a redirect back through the proxy.
func (s *ProxyService) rewriteLocation(resp *model.ProxyResponse, target *url.URL) {
	if resp.StatusCode < 300 || resp.StatusCode > 399 {
		return
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return
	}
	p, err := rewrite.ResolveProxyPath(target, loc)
	if err != nil {
		s.logger.Debug("leaving redirect location unchanged", "error", err)
		return
	}
	resp.Header.Set("Location", p)
}

func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range s.forwardHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[key] = vals
		}
	}
	// The client gets pass-through bodies exactly as encoded upstream, and
	// HTML or CSS in any coding it offered must still be decodable here.
	if ae := acceptEncoding(src.Values("Accept-Encoding")); ae != "" {
		dst.Set("Accept-Encoding", ae)
	}
	dst.Set("User-Agent", s.cfg.Upstream.UserAgent)
	return dst
}

// filterResponseHeaders copies upstream headers minus hop-by-hop ones. Bodies
// that get rewritten lose Content-Length; the rewritten length is set later.
func filterResponseHeaders(src http.Header, strategy Strategy) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}

	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, h := range model.HopByHopHeaders {
		dst.Del(h)
	}

	if strategy != StrategyPassthrough {
		dst.Del("Content-Length")
	}
	return dst
}
