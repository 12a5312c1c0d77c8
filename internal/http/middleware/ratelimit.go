package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/shop-events/internal/ratelimit"
	echo "github.com/labstack/echo/v4"
)

const TenantHeader = "X-Shop-Domain"

type Checker interface {
	Check(ctx context.Context, id string, cfg ratelimit.Config) ratelimit.Decision
}

// RateLimitConfig configures per-client admission.
type RateLimitConfig struct {
	Limiter        Checker
	Limit          ratelimit.Config
	KeyFunc        func(c echo.Context) string // default: tenant header, else client IP
	RetryAfterHint bool                        // set Retry-After when limited
}

func TenantOrIP(c echo.Context) string {
	if t := strings.ToLower(strings.TrimSpace(c.Request().Header.Get(TenantHeader))); t != "" {
		return "tenant:" + t
	}
	return "ip:" + c.RealIP()
}

// RateLimitMiddleware admits requests through the sliding-window limiter and
// reports quota state in X-RateLimit-* headers.
func RateLimitMiddleware(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = TenantOrIP
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Limiter == nil || cfg.Limit.MaxRequests <= 0 {
				return next(c)
			}

			d := cfg.Limiter.Check(c.Request().Context(), cfg.KeyFunc(c), cfg.Limit)

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.ResetAt.IsZero() {
				h.Set("X-RateLimit-Reset", d.ResetAt.UTC().Format(time.RFC3339))
			}

			if !d.Allowed {
				if cfg.RetryAfterHint {
					secs := int(math.Ceil(time.Until(d.ResetAt).Seconds()))
					if secs < 1 {
						secs = 1
					}
					h.Set("Retry-After", strconv.Itoa(secs))
				}
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			}
			return next(c)
		}
	}
}
