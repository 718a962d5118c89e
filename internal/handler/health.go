package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"echo-proxy-go/internal/config"
	"echo-proxy-go/internal/rewrite"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	version  Version
	rewriter *rewrite.Rewriter
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, rw *rewrite.Rewriter) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, rewriter: rw}
}

type statusResponse struct {
	Status           string   `json:"status"`
	Version          string   `json:"version"`
	RewriteRules     []string `json:"rewrite_rules"`
	RewriteRedirects bool     `json:"rewrite_redirects"`
	ForwardHeaders   []string `json:"forward_headers"`
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	rules := h.rewriter.Rules()
	selectors := make([]string, 0, len(rules))
	for _, r := range rules {
		selectors = append(selectors, r.Selector())
	}

	return c.JSON(http.StatusOK, statusResponse{
		Status:           "ok",
		Version:          string(h.version),
		RewriteRules:     selectors,
		RewriteRedirects: h.cfg.Rewrite.RewriteRedirects,
		ForwardHeaders:   h.cfg.Upstream.ForwardHeaders,
	})
}
