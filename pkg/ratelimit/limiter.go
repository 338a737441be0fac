// Package ratelimit bounds the aggregate call rate to the statistics APIs.
// A single lock is shared by every worker; the holder sleeps a fixed delay
// before releasing it, so at most one call starts per delay across the pool.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultDelay keeps the pool slightly under one call per second.
const DefaultDelay = 1100 * time.Millisecond

var (
	waitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statvar_ratelimit_waits_total",
		Help: "Total number of rate limiter acquisitions by backend",
	}, []string{"backend"})

	waitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "statvar_ratelimit_wait_seconds",
		Help:    "Time spent waiting for the shared rate limiter by backend",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"backend"})
)

// Limiter gates outbound calls. Wait returns once the caller may issue its
// network call.
type Limiter interface {
	Wait(ctx context.Context) error
}

// MutexLimiter is a Limiter shared by goroutines of a single process.
type MutexLimiter struct {
	mu    sync.Mutex
	delay time.Duration
}

// NewMutexLimiter creates an in-process limiter. A non-positive delay
// disables the sleep but keeps the mutual exclusion.
func NewMutexLimiter(delay time.Duration) *MutexLimiter {
	return &MutexLimiter{delay: delay}
}

// Delay returns the configured hold duration.
func (l *MutexLimiter) Delay() time.Duration {
	return l.delay
}

// Wait acquires the lock, sleeps the delay and releases.
func (l *MutexLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	defer func() {
		waitsTotal.WithLabelValues("mutex").Inc()
		waitSeconds.WithLabelValues("mutex").Observe(time.Since(start).Seconds())
	}()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if l.delay <= 0 {
		return nil
	}

	timer := time.NewTimer(l.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Unlimited is a Limiter that never waits. Used for offline transforms and
// tests.
type Unlimited struct{}

// Wait implements Limiter.
func (Unlimited) Wait(ctx context.Context) error {
	return ctx.Err()
}
