package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const defaultPrefix = "owl:cache:"

// RedisCache implements Redis-based cache
type RedisCache struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

func NewRedisCache(redisURL, prefix string, logger zerolog.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisCacheFromClient(c, prefix, logger), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(c *redis.Client, prefix string, logger zerolog.Logger) *RedisCache {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisCache{client: c, prefix: prefix, logger: logger}
}

func (rc *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	raw, err := rc.client.Get(ctx, rc.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			rc.logger.Debug().Err(err).Str("key", key).Msg("redis get failed")
		}
		return nil, false
	}
	return raw, true
}

func (rc *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rc.client.Set(ctx, rc.prefix+key, value, ttl).Err(); err != nil {
		rc.logger.Debug().Err(err).Str("key", key).Msg("redis set failed")
	}
}

func (rc *RedisCache) Delete(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rc.client.Del(ctx, rc.prefix+key).Err(); err != nil {
		rc.logger.Debug().Err(err).Str("key", key).Msg("redis del failed")
	}
}

func (rc *RedisCache) Close() error {
	return rc.client.Close()
}
