package cache

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces cache keys in Redis.
const DefaultRedisPrefix = "statvar:cache:"

// RedisBackend stores entries as Redis strings without TTL. Entries live
// until deleted by hand, same as files.
type RedisBackend struct {
	redis  *redis.Client
	prefix string
}

// NewRedisBackend creates a Redis backend. An empty prefix selects
// DefaultRedisPrefix.
func NewRedisBackend(redisClient *redis.Client, prefix string) *RedisBackend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{redis: redisClient, prefix: prefix}
}

// Kind implements Backend.
func (b *RedisBackend) Kind() string { return "redis" }

func (b *RedisBackend) key(name string) string {
	return b.prefix + strings.TrimPrefix(path.Clean("/"+name), "/")
}

// Exists implements Backend.
func (b *RedisBackend) Exists(ctx context.Context, name string) (bool, error) {
	n, err := b.redis.Exists(ctx, b.key(name)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Read implements Backend.
func (b *RedisBackend) Read(ctx context.Context, name string) ([]byte, error) {
	data, err := b.redis.Get(ctx, b.key(name)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotCached
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Write implements Backend.
func (b *RedisBackend) Write(ctx context.Context, name string, data []byte) error {
	if err := b.redis.Set(ctx, b.key(name), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// List implements Backend using SCAN, so names come back in Redis's
// iteration order.
func (b *RedisBackend) List(ctx context.Context, dir string) ([]string, error) {
	prefix := b.key(dir) + "/"
	if strings.TrimPrefix(path.Clean("/"+dir), "/") == "" {
		prefix = b.prefix
	}

	var names []string
	iter := b.redis.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), prefix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		names = append(names, rest)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return names, nil
}
