package server

import (
	"fmt"
	"math"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/campuskb/campuskb/config"
	"github.com/campuskb/campuskb/internal/metrics"
	"github.com/campuskb/campuskb/internal/ratelimit"
)

// rateLimited builds a per-route fixed-window rate limit middleware keyed by
// client IP. Denied requests get a 429 with a Retry-After header.
func rateLimited(l *ratelimit.Limiter, route string, rule config.RateLimitRule) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			allowed, retryAfter := l.Allow(c.RealIP(), route, rule)
			if !allowed {
				metrics.RateLimited.WithLabelValues(route).Inc()
				secs := int(math.Ceil(retryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", secs))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded, try again later")
			}
			return next(c)
		}
	}
}
