// Package backoff computes retry delays for best-effort writes and
// reconciliation.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Policy is a bounded exponential schedule with full jitter.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Base is the delay scale before the second try.
	Base time.Duration
	// Max caps a single delay. Zero means uncapped.
	Max time.Duration
}

// Default is 3 attempts with a 50ms base.
var Default = Policy{Attempts: 3, Base: 50 * time.Millisecond, Max: 2 * time.Second}

// Exponential returns base * 2^attempt, saturating instead of overflowing.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base) * multiplier)
}

// FullJitter returns a random duration in [0, d).
func FullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)))
}

// Delay returns the jittered wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := Exponential(p.Base, attempt)
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return FullJitter(d)
}

// Sleep waits for d or until ctx is done. It returns ctx.Err() on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry calls fn until it succeeds, retryable reports false, or the policy's
// attempts are used up. It returns the number of calls made and the last error.
// A nil retryable retries every error.
func (p Policy) Retry(ctx context.Context, fn func(context.Context) error, retryable func(error) bool) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if serr := Sleep(ctx, p.Delay(i-1)); serr != nil {
				return i, err
			}
		}
		err = fn(ctx)
		if err == nil {
			return i + 1, nil
		}
		if retryable != nil && !retryable(err) {
			return i + 1, err
		}
	}
	return attempts, err
}
