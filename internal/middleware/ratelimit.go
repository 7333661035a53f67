package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/redis/go-redis/v9"

	"github.com/dublarpro/jobwatch/pkg/response"
)

type RateLimiter struct {
	redis *redis.Client
}

// NewRateLimiter counts requests in Redis so the limit holds across relay
// instances. A nil client limits each process on its own.
func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// Limit allows maxRequests per user within window. Requests without a user
// are keyed by IP.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	if rl.redis == nil {
		return limiter.New(limiter.Config{
			Max:        maxRequests,
			Expiration: window,
			KeyGenerator: func(c *fiber.Ctx) string {
				return keyPrefix + ":" + rateKey(c)
			},
			LimitReached: func(c *fiber.Ctx) error {
				return response.RateLimited(c)
			},
		})
	}

	return func(c *fiber.Ctx) error {
		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, rateKey(c))
		ctx := context.Background()

		pipe := rl.redis.TxPipeline()
		incr := pipe.Incr(ctx, key)
		ttlCmd := pipe.TTL(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			// fail open while Redis is down
			return c.Next()
		}
		count, ttl := incr.Val(), ttlCmd.Val()

		// a window without expiry would block the client for good, so any
		// request that finds one sets it again
		if ttl < 0 {
			if err := rl.redis.Expire(ctx, key, window).Err(); err == nil {
				ttl = window
			}
		}
		if count > int64(maxRequests) {
			c.Set("Retry-After", fmt.Sprintf("%d", int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", maxRequests-int(count)))

		return c.Next()
	}
}

// ActionLimit limits cancel, retry and delete requests per minute.
func (rl *RateLimiter) ActionLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("actions", maxPerMin, time.Minute)
}

func rateKey(c *fiber.Ctx) string {
	if userID := GetUserID(c); userID != "" {
		return userID
	}
	return c.IP()
}
