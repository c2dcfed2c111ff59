// Package middleware provides the Echo access log and request metrics.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// upstreamRequestIDHeader is set by the upstream API on every response it
// sends; logging it next to our own request ID ties a proxied call to the
// upstream's records.
const upstreamRequestIDHeader = "Request-Id"

// RequestLogger logs one access line per request. Responses the proxy could
// not complete (5xx) are logged at WARN.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if res.Status >= 500 {
				level = slog.LevelWarn
			}

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"route", c.Path(),
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_in", req.ContentLength,
				"bytes_out", res.Size,
			}
			if id := res.Header().Get(upstreamRequestIDHeader); id != "" {
				attrs = append(attrs, "upstream_request_id", id)
			}

			logger.Log(req.Context(), level, "request", attrs...)

			return err
		}
	}
}
