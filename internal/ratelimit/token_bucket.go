// Package ratelimit bounds outbound calls to YouTube: a token bucket for request
// rate and a windowed tracker for the Data API quota.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Defaults for scraping traffic.
const (
	DefaultRequestsPerSecond = 10
	DefaultBurst             = 50
)

// TokenBucket allows bursts up to its capacity and refills at a steady rate.
// One instance is shared by every worker loop of a process.
type TokenBucket struct {
	limiter *rate.Limiter
	burst   int
}

// NewTokenBucket creates a bucket holding capacity tokens, refilled at
// refillPerSecond tokens per second. The bucket starts full.
func NewTokenBucket(refillPerSecond float64, capacity int) *TokenBucket {
	if refillPerSecond <= 0 {
		refillPerSecond = DefaultRequestsPerSecond
	}
	if capacity <= 0 {
		capacity = DefaultBurst
	}
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		burst:   capacity,
	}
}

// Acquire blocks until n tokens have been taken or ctx is done.
// Requests larger than the capacity are served in capacity-sized chunks.
func (b *TokenBucket) Acquire(ctx context.Context, n int) error {
	for n > 0 {
		chunk := min(n, b.burst)
		if err := b.limiter.WaitN(ctx, chunk); err != nil {
			return fmt.Errorf("acquire %d tokens: %w", chunk, err)
		}
		n -= chunk
	}
	return nil
}

// Capacity returns the bucket size.
func (b *TokenBucket) Capacity() int {
	return b.burst
}

// Available returns the tokens that could be taken right now.
func (b *TokenBucket) Available() float64 {
	return b.limiter.Tokens()
}
