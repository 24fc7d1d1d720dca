package apikey

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements RateLimiter against a shared Redis instance using
// a sorted set per key: members are call timestamps (as scores), trimmed to
// the current window on every check. Suitable once the gateway runs as more
// than one replica and a single process can no longer own the window state.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

func NewRedisLimiter(addr string) *RedisLimiter {
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: "qwen-relay:ratelimit:",
	}
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

func (l *RedisLimiter) Allow(keyID string, max int, window time.Duration) (bool, time.Duration) {
	if max <= 0 {
		return true, 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	redisKey := l.prefix + keyID
	now := time.Now()
	cutoff := now.Add(-window)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", fmt.Sprintf("%d", cutoff.UnixNano()))
	count := pipe.ZCard(ctx, redisKey)
	oldest := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open: an unreachable limiter backend should not take the
		// gateway down, it should just stop rate limiting until it recovers.
		return true, 0
	}

	if count.Val() >= int64(max) {
		var retryAfter time.Duration
		if scores := oldest.Val(); len(scores) > 0 {
			oldestAt := time.Unix(0, int64(scores[0].Score))
			retryAfter = oldestAt.Add(window).Sub(now)
		}
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}

	member := redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()}
	l.client.ZAdd(ctx, redisKey, member)
	l.client.PExpire(ctx, redisKey, window)
	return true, 0
}
