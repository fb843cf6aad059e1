package pricing

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-appointments/internal/money"
)

const rateCacheKey = "pricing:hourly_rate"

type Cache interface {
	Rate(ctx context.Context) (money.Amount, bool, error)
	SetRate(ctx context.Context, rate money.Amount) error
	Invalidate(ctx context.Context) error
}

// RedisCache keeps the hourly rate in Redis so pricing a booking does not hit
// Postgres for every request.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Rate(ctx context.Context) (money.Amount, bool, error) {
	v, err := c.client.Get(ctx, rateCacheKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// corrupt entry, treat as a miss
		return 0, false, nil
	}
	return money.Amount(n), true, nil
}

func (c *RedisCache) SetRate(ctx context.Context, rate money.Amount) error {
	return c.client.Set(ctx, rateCacheKey, strconv.FormatInt(int64(rate), 10), c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, rateCacheKey).Err()
}
