// Package ratelimit provides per-provider token-bucket throttling for the
// enrichment clients. Each provider owns one Limiter; callers block in Acquire
// until a token is available and impose deadlines through the context.
package ratelimit

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// Limiter is the throttle surface the enrichment clients depend on. A nil-safe
// no-op implementation is available through Unlimited for providers that carry
// no rate limit (the offline geo database).
type Limiter interface {
	// Acquire blocks until one token is available or ctx is done.
	Acquire(ctx context.Context) error
	// AcquireN blocks until n tokens are available or ctx is done. n larger
	// than the burst can never be satisfied and returns an error.
	AcquireN(ctx context.Context, n int) error
}

type tokenBucket struct {
	limiter *rate.Limiter
}

// New returns a token-bucket limiter with a steady-state rate of rps tokens
// per second and a bucket capacity of burst. Waiters are served in arrival
// order.
func New(rps float64, burst int) (Limiter, error) {
	if rps <= 0 {
		return nil, errors.New("rate must be positive")
	}
	if burst <= 0 {
		return nil, errors.New("burst must be positive")
	}
	return &tokenBucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}, nil
}

func (t *tokenBucket) Acquire(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

func (t *tokenBucket) AcquireN(ctx context.Context, n int) error {
	return t.limiter.WaitN(ctx, n)
}

type unlimited struct{}

// Unlimited returns a limiter that never blocks.
func Unlimited() Limiter {
	return unlimited{}
}

func (unlimited) Acquire(ctx context.Context) error { return ctx.Err() }

func (unlimited) AcquireN(ctx context.Context, n int) error { return ctx.Err() }
