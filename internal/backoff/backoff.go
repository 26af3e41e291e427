// Package backoff provides delay policies and retry helpers that respect
// context cancellation.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have been exhausted.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Policy describes the delay between attempts.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps the delay. Zero means no cap.
	Max time.Duration
	// Factor multiplies the delay after each attempt. Values below 1 are treated as 1.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the delay.
	Jitter float64
}

// Fixed returns a policy that always waits d.
func Fixed(d time.Duration) Policy {
	return Policy{Initial: d, Max: d, Factor: 1}
}

// DefaultPolicy returns an exponential policy.
// Initial: 100ms, Max: 5s, Factor: 2, Jitter: 10%
func DefaultPolicy() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     5 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the wait after the given attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delay(attempt int, randomValue float64) time.Duration {
	factor := math.Max(p.Factor, 1)
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*randomValue
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}

// SleepWithContext sleeps for the specified duration, respecting context cancellation.
// Returns nil if the sleep completed, or ctx.Err() if the context was cancelled.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn up to maxAttempts times, sleeping per policy between
// failures. It returns nil on the first success, ctx.Err() if the context is
// cancelled, and otherwise ErrMaxAttemptsExhausted joined with the last error.
func Retry(ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			if err := SleepWithContext(ctx, policy.Delay(attempt)); err != nil {
				return err
			}
		}
	}
	return errors.Join(ErrMaxAttemptsExhausted, lastErr)
}
