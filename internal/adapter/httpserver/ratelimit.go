package httpserver

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// Idle per-IP limiters are evicted after this long.
const listenerLimiterExpiry = 5 * time.Minute

// newListenerRateLimiter limits how often a single client IP may open
// listener connections. Rejected attempts get 429 with a Retry-After hint;
// onDeny, when set, is called for each of them.
func newListenerRateLimiter(ratePerSecond float64, burst int, onDeny func()) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(ratePerSecond),
			Burst:     burst,
			ExpiresIn: listenerLimiterExpiry,
		},
	)
	retryAfter := retryAfterSeconds(ratePerSecond)

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			slog.WarnContext(c.Request().Context(), "Listener connection rate limited", "remote_ip", identifier)
			if onDeny != nil {
				onDeny()
			}
			c.Response().Header().Set("Retry-After", retryAfter)
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "too many listener connection attempts",
			})
		},
	})
}

// retryAfterSeconds is the time to refill one token, rounded up to a whole
// second.
func retryAfterSeconds(ratePerSecond float64) string {
	if ratePerSecond <= 0 {
		return "60"
	}
	return strconv.Itoa(int(math.Max(1, math.Ceil(1/ratePerSecond))))
}
