// Package ratelimit implements a token bucket used to pace requests to the
// agent collaborator. Tokens are refilled lazily; there is no background
// goroutine.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned by Allow when the bucket is empty.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited.
	BurstSize         int // Bucket capacity. 0 = RequestsPerMinute.
}

// Limiter is a single token bucket. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
	rate     float64 // tokens per second
	burst    float64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter that starts with a full bucket. A nil
// *Limiter, or one with RequestsPerMinute 0, never limits.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		rate:  float64(cfg.RequestsPerMinute) / 60.0,
		burst: float64(burst),
		now:   time.Now,
		sleep: sleepContext,
	}
	l.tokens = l.burst
	l.lastFill = l.now()
	return l
}

// Allow consumes a token if one is available.
func (l *Limiter) Allow() error {
	if l.unlimited() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.take() > 0 {
		return ErrRateLimited
	}
	return nil
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.unlimited() {
		return nil
	}
	for {
		l.mu.Lock()
		wait := l.take()
		l.mu.Unlock()
		if wait == 0 {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *Limiter) unlimited() bool {
	return l == nil || l.rate <= 0
}

// take refills the bucket and consumes one token. It returns 0 on success,
// otherwise how long until the next token. Caller holds l.mu.
func (l *Limiter) take() time.Duration {
	now := l.now()
	l.tokens += now.Sub(l.lastFill).Seconds() * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastFill = now

	if l.tokens >= 1 {
		l.tokens--
		return 0
	}
	missing := (1 - l.tokens) / l.rate
	return time.Duration(missing * float64(time.Second))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
