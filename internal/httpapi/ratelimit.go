package httpapi

import (
	"context"
	"log"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// AttemptLimiter throttles credential-guessing attempts. Implementations
// must be safe for concurrent use; the redis-backed one shares its window
// across server instances.
type AttemptLimiter interface {
	Allow(ctx context.Context, key string) bool
}

type fixedWindowLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

// NewFixedWindowLimiter keeps per-key attempt timestamps in process memory.
func NewFixedWindowLimiter(max int, window time.Duration) AttemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &fixedWindowLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *fixedWindowLimiter) Allow(_ context.Context, key string) bool {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

type redisAttemptLimiter struct {
	client *redis.Client
	max    int64
	window time.Duration
	prefix string
}

// NewRedisAttemptLimiter counts attempts with INCR and lets the key expire
// after the window. The counter fails open: if redis is unreachable, the
// attempt is allowed and the error logged.
func NewRedisAttemptLimiter(client *redis.Client, max int, window time.Duration) AttemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &redisAttemptLimiter{client: client, max: int64(max), window: window, prefix: "ratelimit:"}
}

func (l *redisAttemptLimiter) Allow(ctx context.Context, key string) bool {
	redisKey := l.prefix + key

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		log.Printf("[httpapi] WARN: rate limit INCR failed, allowing attempt: %v", err)
		return true
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			log.Printf("[httpapi] WARN: rate limit EXPIRE failed: %v", err)
		}
	}
	return count <= l.max
}
