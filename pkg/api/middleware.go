package api

import (
	echo "github.com/labstack/echo/v5"
)

// securityHeaders hardens responses for the local client. The server binds
// to loopback, but browsers on the same machine can still reach it, so
// framing, MIME sniffing, and powerful browser features are locked down.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}
