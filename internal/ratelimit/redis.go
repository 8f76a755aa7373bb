package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares one quota across gateway instances. The window is a
// sorted set of request timestamps; the burst guard is a plain key holding
// the last admitted request time.
type RedisLimiter struct {
	client *redis.Client
	config Config
}

func NewRedisLimiter(redisURL string, cfg Config) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisLimiter{client: client, config: cfg}, nil
}

func NewRedisLimiterWithClient(client *redis.Client, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, config: cfg}
}

func (r *RedisLimiter) Check(ctx context.Context, clientID string) (Result, error) {
	now := time.Now()
	windowKey := "ratelimit:" + clientID
	lastKey := "ratelimit:last:" + clientID

	if r.config.BurstSpacing > 0 {
		lastVal, err := r.client.Get(ctx, lastKey).Result()
		if err == nil {
			if lastNano, perr := strconv.ParseInt(lastVal, 10, 64); perr == nil {
				elapsed := now.Sub(time.Unix(0, lastNano))
				if elapsed < r.config.BurstSpacing {
					return Result{Allowed: false, RemainingMs: millis(r.config.BurstSpacing - elapsed)}, nil
				}
			}
		} else if err != redis.Nil {
			return Result{}, err
		}
	}

	windowStart := now.Add(-r.config.Window)

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, windowKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, windowKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, err
	}

	if int(countCmd.Val()) >= r.config.MaxRequests {
		oldest, err := r.client.ZRangeWithScores(ctx, windowKey, 0, 0).Result()
		wait := r.config.Window
		if err == nil && len(oldest) > 0 {
			wait = time.Unix(0, int64(oldest[0].Score)).Add(r.config.Window).Sub(now)
		}
		return Result{Allowed: false, RemainingMs: millis(wait)}, nil
	}

	pipe = r.client.Pipeline()
	pipe.ZAdd(ctx, windowKey, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	pipe.Expire(ctx, windowKey, r.config.Window)
	pipe.Set(ctx, lastKey, now.UnixNano(), r.config.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, err
	}

	return Result{Allowed: true}, nil
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
