package adapters

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"
)

// ErrRateLimitExceeded is returned when a bucket has no token left.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// TokenBucket is a per-key token bucket. Tokens come back only by refill;
// release is a no-op kept for the RateLimiter contract.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int
	refillRate time.Duration // one token per interval
	now        func() time.Time
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

func NewTokenBucket(capacity int, refillRate time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = time.Second
	}
	return &TokenBucket{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
	}
}

// Acquire takes a token for key or fails immediately with ErrRateLimitExceeded.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, ok := tb.buckets[key]
	if !ok {
		b = &bucket{tokens: tb.capacity, lastRefill: now}
		tb.buckets[key] = b
	}

	if n := int(now.Sub(b.lastRefill) / tb.refillRate); n > 0 {
		b.tokens = min(b.tokens+n, tb.capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(n) * tb.refillRate)
	}

	if b.tokens <= 0 {
		return nil, ErrRateLimitExceeded
	}
	b.tokens--

	return func() {}, nil
}

var _ ports.RateLimiter = (*TokenBucket)(nil)
