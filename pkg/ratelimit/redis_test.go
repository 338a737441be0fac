package ratelimit

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestNewRedisLimiter_Defaults(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	l := NewRedisLimiter(client, "", 0, zerolog.Nop())
	if l.key != RedisKeyLock {
		t.Errorf("key = %q, want %q", l.key, RedisKeyLock)
	}
	if l.delay != DefaultDelay {
		t.Errorf("delay = %v, want %v", l.delay, DefaultDelay)
	}
	if l.token == "" {
		t.Error("token should identify the process")
	}
}

func TestNewRedisLimiter_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisLimiter should panic with nil redis client")
		}
	}()
	NewRedisLimiter(nil, "", 0, zerolog.Nop())
}
