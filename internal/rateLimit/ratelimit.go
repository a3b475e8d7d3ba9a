package rateLimit

import (
	"context"
	"time"

	redisadapter "github.com/robertarktes/tour-reservations/internal/adapters/redis"
	"github.com/robertarktes/tour-reservations/internal/observability"
)

// RateLimiter is a fixed-window counter shared by every API instance.
type RateLimiter struct {
	redis  *redisadapter.Cache
	rate   int
	period time.Duration
	logger observability.Logger
}

func NewRateLimiter(redis *redisadapter.Cache, rate int, period time.Duration, logger observability.Logger) *RateLimiter {
	return &RateLimiter{redis: redis, rate: rate, period: period, logger: logger}
}

// Allow counts one request against key. When redis is unreachable requests
// are let through.
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	if rl.rate <= 0 {
		return true
	}
	fullKey := "rl:" + key

	pipe := rl.redis.Client().Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, rl.period)

	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.WithError(err).Warn("rate limiter unavailable")
		return true
	}

	if incr.Val() > int64(rl.rate) {
		observability.RateLimitExceeded.Inc()
		return false
	}
	return true
}
