package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"echo-proxy-go/internal/model"
)

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from incoming requests and sets X-Content-Type-Options on responses that
// do not already carry one.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			stripHopByHop(c.Request().Header)

			res := c.Response()
			// Headers must be in place before WriteHeader; proxied upstream
			// headers are copied first, so only fill the gap.
			res.Before(func() {
				if res.Header().Get("X-Content-Type-Options") == "" {
					res.Header().Set("X-Content-Type-Options", "nosniff")
				}
			})

			return next(c)
		}
	}
}

// stripHopByHop removes the fixed hop-by-hop headers plus any listed in Connection.
func stripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range model.HopByHopHeaders {
		h.Del(name)
	}
}
