package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/paymaster/internal/clock"
)

// The in-memory implementations back single-replica and test deployments
// where no redis is configured. They give no cross-process guarantees.

type memoryLock struct {
	token     string
	expiresAt time.Time
}

type MemoryLocker struct {
	mu    sync.Mutex
	clock clock.Clock
	locks map[string]memoryLock
}

func NewMemoryLocker(clk clock.Clock) *MemoryLocker {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &MemoryLocker{clock: clk, locks: make(map[string]memoryLock)}
}

func (l *MemoryLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, ErrLockKeyEmpty
	}
	if ttl <= 0 {
		return "", false, ErrLockTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if held, ok := l.locks[key]; ok && now.Before(held.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.locks[key] = memoryLock{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, key, token string) (bool, error) {
	if key == "" || token == "" {
		return false, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.locks[key]
	if !ok || held.token != token {
		return false, nil
	}
	delete(l.locks, key)
	return true, nil
}

type memoryWindow struct {
	count     int64
	expiresAt time.Time
}

type MemoryWindowCounter struct {
	mu      sync.Mutex
	clock   clock.Clock
	windows map[string]memoryWindow
}

func NewMemoryWindowCounter(clk clock.Clock) *MemoryWindowCounter {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &MemoryWindowCounter{clock: clk, windows: make(map[string]memoryWindow)}
}

func (c *MemoryWindowCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if key == "" {
		return 0, 0, errors.New("window counter key is empty")
	}
	if window <= 0 {
		return 0, 0, errors.New("window must be positive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	w, ok := c.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = memoryWindow{expiresAt: now.Add(window)}
	}
	w.count++
	c.windows[key] = w
	return w.count, w.expiresAt.Sub(now), nil
}

type memoryBucket struct {
	tokens float64
	ts     time.Time
}

type MemoryTokenBucket struct {
	mu      sync.Mutex
	clock   clock.Clock
	buckets map[string]memoryBucket
}

func NewMemoryTokenBucket(clk clock.Clock) *MemoryTokenBucket {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &MemoryTokenBucket{clock: clk, buckets: make(map[string]memoryBucket)}
}

func (b *MemoryTokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error) {
	if err := validateBucket(key, rate, burst); err != nil {
		return &RateLimitResult{Allowed: false}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	bucket, ok := b.buckets[key]
	if !ok {
		bucket = memoryBucket{tokens: float64(burst), ts: now}
	} else {
		delta := now.Sub(bucket.ts).Seconds()
		if delta < 0 {
			delta = 0
		}
		bucket.tokens = math.Min(float64(burst), bucket.tokens+delta*rate)
		bucket.ts = now
	}

	allowed := bucket.tokens >= 1
	if allowed {
		bucket.tokens--
	}
	b.buckets[key] = bucket
	return bucketResult(allowed, bucket.tokens, now, rate, burst), nil
}
