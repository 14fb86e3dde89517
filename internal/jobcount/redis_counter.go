package jobcount

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter keeps per-driver daily counters in Redis so every server
// instance sees the same numbers. Keys expire after two days.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client, prefix: "driver:jobs"}
}

func (c *RedisCounter) Incr(ctx context.Context, driverID string, day time.Time) (int64, error) {
	key := c.key(driverID, day)
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCounter) Get(ctx context.Context, driverID string, day time.Time) (int64, error) {
	n, err := c.client.Get(ctx, c.key(driverID, day)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (c *RedisCounter) key(driverID string, day time.Time) string {
	return c.prefix + ":" + driverID + ":" + day.Format("2006-01-02")
}
