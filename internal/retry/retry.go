// Package retry provides the retry policy shared by fetching and delivery.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy describes how an operation is retried. Attempts counts the first
// call, so Attempts <= 1 disables retries.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	// Jitter is a percentage applied to every delay.
	Jitter uint64
	// Retryable decides whether an error is worth another attempt.
	// A nil Retryable retries nothing.
	Retryable func(error) bool
	// MinDelay, when set, returns a lower bound for the next delay derived
	// from the error, such as a server-provided retry-after.
	MinDelay func(error) time.Duration
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done. The last error from fn is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.Attempts <= 1 || p.Retryable == nil {
		return fn(ctx)
	}

	var floor time.Duration
	err := goretry.Do(ctx, p.backoff(&floor), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || !p.Retryable(err) {
			return err
		}
		floor = 0
		if p.MinDelay != nil {
			floor = p.MinDelay(err)
		}
		return goretry.RetryableError(err)
	})
	return err
}

func (p Policy) backoff(floor *time.Duration) goretry.Backoff {
	base := p.Base
	if base <= 0 {
		base = time.Millisecond
	}
	b := goretry.NewExponential(base)
	if p.Jitter > 0 {
		b = goretry.WithJitterPercent(p.Jitter, b)
	}
	if p.Max > 0 {
		b = goretry.WithCappedDuration(p.Max, b)
	}
	b = goretry.WithMaxRetries(uint64(p.Attempts-1), b)

	return goretry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := b.Next()
		if stop {
			return 0, true
		}
		if *floor > d {
			d = *floor
		}
		return d, false
	})
}
