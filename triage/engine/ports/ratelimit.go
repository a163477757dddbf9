package ports

import "context"

// RateLimiter coordinates throughput towards an inference backend.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
