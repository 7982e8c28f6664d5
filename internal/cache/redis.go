package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RedisCache stores fingerprints in Redis. A single address, a cluster or a
// sentinel-managed master are all served through redis.UniversalClient.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// redisOptions maps the cache settings onto go-redis options.
func redisOptions(cfg domain.CacheConfig) *redis.UniversalOptions {
	addrs := cfg.RedisAddrs
	if len(addrs) == 0 {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		addrs = []string{addr}
	}
	return &redis.UniversalOptions{
		Addrs:      addrs,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		MasterName: cfg.RedisMasterName,
		ClientName: "kestrel",
	}
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	opts := redisOptions(cfg)
	client := redis.NewUniversalClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis %v: %w", opts.Addrs, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "kestrel:"
	}
	return &RedisCache{client: client, prefix: prefix}, nil
}

// Get returns nil, nil for a missing key.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

// SetNX is a single SET NX, so concurrent nodes agree on the first writer.
func (c *RedisCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, c.prefix+key, value, ttl).Result()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
