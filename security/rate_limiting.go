package security

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
}

func NewRateLimiter(redisClient *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{redis: redisClient, limit: limit, window: window}
}

// PurchaseRateLimit bounds purchase submissions per caller over a fixed
// window. On Redis failure the request is allowed through: the
// idempotency ledger is the correctness guard, this only sheds abuse.
func (r *RateLimiter) PurchaseRateLimit() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get("X-User-ID")
			if id == "" {
				id = c.RealIP()
			}
			key := fmt.Sprintf("ratelimit:purchase:%s", id)

			ctx := c.Request().Context()
			count, err := r.redis.Incr(ctx, key).Result()
			if err != nil {
				return next(c)
			}
			if count == 1 {
				r.redis.Expire(ctx, key, r.window)
			}
			if count > int64(r.limit) {
				return c.JSON(http.StatusTooManyRequests, map[string]any{
					"error": map[string]string{
						"kind":    "rate_limited",
						"message": "too many purchase attempts, slow down",
					},
				})
			}
			return next(c)
		}
	}
}
