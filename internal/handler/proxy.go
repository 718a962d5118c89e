package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"echo-proxy-go/internal/metrics"
	"echo-proxy-go/internal/model"
	"echo-proxy-go/internal/service"
)

const (
	emptyTargetBody = "empty"
	fetchErrorBody  = "error when proxying"
)

// queryPattern matches query strings of URLs embedded in error messages.
var queryPattern = regexp.MustCompile(`\?[^\s"]*`)

// ProxyHandler serves proxied targets named by the request path.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler.
// The metrics parameter is optional; pass nil to disable error counting.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle fetches the target URL encoded in the path and writes the
// (possibly rewritten) response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	target, err := service.ParseTarget(req.URL.EscapedPath(), req.URL.RawQuery)
	if errors.Is(err, service.ErrEmptyTarget) {
		return c.String(http.StatusOK, emptyTargetBody)
	}
	if err != nil {
		h.logger.Debug("rejecting request path",
			"path", req.URL.Path,
			"err", err,
		)
		return c.NoContent(http.StatusNotFound)
	}

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Target: target,
		Header: req.Header,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is sent a copy failure can only truncate the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"host", target.Host,
			"path", target.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrDecode):
		h.recordError("decode")
		h.logger.Warn("undecodable upstream body",
			"err", sanitizeError(err),
			"path", c.Request().URL.Path,
		)
		return c.String(http.StatusBadGateway, "upstream body is not valid UTF-8 text")

	case errors.Is(err, service.ErrRewrite):
		h.recordError("rewrite")
		h.logger.Error("rewriting failed",
			"err", sanitizeError(err),
			"path", c.Request().URL.Path,
		)
		return c.String(http.StatusBadGateway, "upstream body could not be rewritten")
	}

	reason := fetchFailureReason(err)
	h.recordError(reason)
	h.logger.Error("proxy error",
		"reason", reason,
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)
	return c.String(http.StatusOK, fetchErrorBody)
}

func (h *ProxyHandler) recordError(kind string) {
	if h.metrics != nil {
		h.metrics.ProxyErrors.WithLabelValues(kind).Inc()
	}
}

// fetchFailureReason classifies an upstream fetch error for logs and metrics.
func fetchFailureReason(err error) string {
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "connection"
	}

	return "other"
}

// sanitizeError redacts query strings from error messages that may contain target URLs.
func sanitizeError(err error) string {
	return queryPattern.ReplaceAllString(err.Error(), "?[REDACTED]")
}
