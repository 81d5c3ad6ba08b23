package ratelimit

import (
	"context"
	"time"
)

// Store is the atomic state backend for the limiter. Both operations are
// single read-modify-write steps: concurrent callers never interleave
// between the read and the write.
type Store interface {
	// TokenBucketConsume refills the bucket to now and tries to take one
	// token. It returns whether the take succeeded and the tokens left.
	TokenBucketConsume(ctx context.Context, key string, capacity, refillRate float64, now time.Time) (allowed bool, remaining float64, err error)

	// WindowIncrement bumps the counter for the window containing now and
	// returns the new count plus the previous window's final count.
	WindowIncrement(ctx context.Context, key string, window time.Duration, now time.Time) (curr, prev int64, err error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}

// windowIndex buckets now into fixed windows of the given length.
func windowIndex(now time.Time, window time.Duration) int64 {
	return now.UnixNano() / int64(window)
}

// windowRemaining is the time left until the window containing now ends.
func windowRemaining(now time.Time, window time.Duration) time.Duration {
	return window - time.Duration(now.UnixNano()%int64(window))
}
