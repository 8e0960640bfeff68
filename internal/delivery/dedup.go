package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pulse/internal/registry"
)

// Dedup remembers recently delivered messages. Claim reports false when key
// was already claimed within ttl. Release forgets a claim after a failed
// delivery so the next attempt can proceed.
type Dedup interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemoryDedup is a process-local Dedup. A repeated claim extends the
// window from the latest attempt.
type MemoryDedup struct {
	seen *registry.Registry[struct{}]
}

func NewMemoryDedup(maxEntries int, now func() time.Time) *MemoryDedup {
	return &MemoryDedup{seen: registry.New(registry.Options[struct{}]{MaxEntries: maxEntries, Now: now})}
}

func (d *MemoryDedup) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	claimed := false
	d.seen.Update(key, func(cur struct{}, ok bool) (struct{}, bool) {
		claimed = !ok
		return cur, true
	}, registry.WithTTLFunc(func() time.Duration {
		return ttl
	}))
	return claimed, nil
}

func (d *MemoryDedup) Release(_ context.Context, key string) error {
	d.seen.Delete(key)
	return nil
}

func (d *MemoryDedup) Cleanup() int { return d.seen.Cleanup() }

func (d *MemoryDedup) Len() int { return d.seen.Len() }

// RedisDedup shares claims between nodes with SET NX EX.
type RedisDedup struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisDedup(client redis.UniversalClient, prefix string) *RedisDedup {
	if prefix == "" {
		prefix = "pulse:dedup:"
	}
	return &RedisDedup{client: client, prefix: prefix}
}

// ConnectRedis accepts a redis:// URL or a bare host:port.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var c *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		c = redis.NewClient(opt)
	} else {
		c = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return c, nil
}

func (d *RedisDedup) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+key, 1, ttl).Result()
}

func (d *RedisDedup) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+key).Err()
}
