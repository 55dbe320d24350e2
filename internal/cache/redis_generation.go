package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// DefaultGenerationKey is the Redis key holding the shared generation.
const DefaultGenerationKey = "clusterd:cluster-cache:generation"

// RedisGeneration stores the shared invalidation counter in Redis.
type RedisGeneration struct {
	pool *redis.Pool
	key  string
}

// NewRedisPool returns a pool dialing addr.
func NewRedisPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr,
				redis.DialConnectTimeout(2*time.Second),
				redis.DialReadTimeout(time.Second),
				redis.DialWriteTimeout(time.Second),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// NewRedisGeneration uses key in pool, or DefaultGenerationKey when key is empty.
func NewRedisGeneration(pool *redis.Pool, key string) *RedisGeneration {
	if key == "" {
		key = DefaultGenerationKey
	}
	return &RedisGeneration{pool: pool, key: key}
}

// Ping checks connectivity.
func (g *RedisGeneration) Ping(ctx context.Context) error {
	conn, err := g.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer conn.Close()
	if _, err := redis.DoContext(conn, ctx, "PING"); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Current returns the generation, 0 if it was never bumped.
func (g *RedisGeneration) Current(ctx context.Context) (int64, error) {
	conn, err := g.pool.GetContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("redis connect: %w", err)
	}
	defer conn.Close()

	n, err := redis.Int64(redis.DoContext(conn, ctx, "GET", g.key))
	if errors.Is(err, redis.ErrNil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis GET %s: %w", g.key, err)
	}
	return n, nil
}

// Bump increments the generation.
func (g *RedisGeneration) Bump(ctx context.Context) error {
	conn, err := g.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "INCR", g.key); err != nil {
		return fmt.Errorf("redis INCR %s: %w", g.key, err)
	}
	return nil
}

// Close closes the pool.
func (g *RedisGeneration) Close() error { return g.pool.Close() }
