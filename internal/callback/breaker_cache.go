package callback

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const cachedBreakerTTL = time.Minute

// CachedBreaker fronts a FailingChecker with a short-TTL redis cache. The
// breaker is consulted before every outbound attempt, which a busy service
// can turn into an aggregate query per callback; a stale-by-a-minute answer
// is fine for a gate over an hourly bucket.
type CachedBreaker struct {
	Redis *redis.Client
	Next  FailingChecker
	TTL   time.Duration
}

func NewCachedBreaker(rdb *redis.Client, next FailingChecker) *CachedBreaker {
	return &CachedBreaker{Redis: rdb, Next: next, TTL: cachedBreakerTTL}
}

func (c *CachedBreaker) IsFailing(ctx context.Context, serviceID string) (bool, error) {
	key := "callbacks:failing:" + serviceID

	val, err := c.Redis.Get(ctx, key).Result()
	if err == nil {
		return val == "1", nil
	}
	if err != redis.Nil {
		// Redis being down must not suppress callbacks; fall through to
		// the real check.
		slog.Warn("breaker cache read failed", "err", err, "service_id", serviceID)
	}

	failing, err := c.Next.IsFailing(ctx, serviceID)
	if err != nil {
		return false, err
	}

	cached := "0"
	if failing {
		cached = "1"
	}
	if err := c.Redis.Set(ctx, key, cached, c.TTL).Err(); err != nil {
		slog.Warn("breaker cache write failed", "err", err, "service_id", serviceID)
	}
	return failing, nil
}
