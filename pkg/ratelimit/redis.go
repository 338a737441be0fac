package ratelimit

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisKeyLock is the default Redis key holding the shared call lock.
const RedisKeyLock = "statvar:rate_limit:lock"

// pollInterval bounds how long a waiter sleeps between acquisition attempts
// when the lock TTL cannot be read.
const pollInterval = 50 * time.Millisecond

// RedisLimiter shares the call lock between processes through Redis.
// Acquisition is SET NX PX delay: the key's expiry is the release, which
// spaces calls from every process sharing the key by at least delay.
type RedisLimiter struct {
	redis  *redis.Client
	key    string
	delay  time.Duration
	token  string
	logger zerolog.Logger
}

// NewRedisLimiter creates a cross-process limiter on key (RedisKeyLock when
// empty).
func NewRedisLimiter(redisClient *redis.Client, key string, delay time.Duration, logger zerolog.Logger) *RedisLimiter {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if key == "" {
		key = RedisKeyLock
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &RedisLimiter{
		redis:  redisClient,
		key:    key,
		delay:  delay,
		token:  strconv.Itoa(os.Getpid()),
		logger: logger,
	}
}

// Wait blocks until this process holds the shared lock.
func (l *RedisLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	attempts := 0
	defer func() {
		waitsTotal.WithLabelValues("redis").Inc()
		waitSeconds.WithLabelValues("redis").Observe(time.Since(start).Seconds())
	}()

	for {
		attempts++
		ok, err := l.redis.SetNX(ctx, l.key, l.token, l.delay).Result()
		if err != nil {
			return fmt.Errorf("acquire rate limit lock: %w", err)
		}
		if ok {
			if attempts > 1 {
				l.logger.Debug().
					Int("attempts", attempts).
					Dur("waited", time.Since(start)).
					Msg("Rate limit lock acquired")
			}
			return nil
		}

		sleep := pollInterval
		if ttl, err := l.redis.PTTL(ctx, l.key).Result(); err == nil && ttl > 0 && ttl <= l.delay {
			sleep = ttl
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
