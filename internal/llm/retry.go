package llm

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryPolicy configures rate-limit retries with exponential backoff
type RetryPolicy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry
	Multiplier float64       // backoff factor per retry
	MaxDelay   time.Duration // a Retry-After hint above this gives up instead of waiting
	OnRetry    func(err error, attempt int, delay time.Duration)
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns two retries starting at 1.5s and doubling
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  1500 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   60 * time.Second,
	}
}

// Delay returns the backoff before retry number attempt (0-indexed)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt)))
}

// Retry runs fn and retries it while it fails with a rate limit. Other errors
// are returned at once. The Retry-After hint replaces the computed backoff.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}

	sleep := policy.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		var rl *RateLimitError
		if !errors.As(err, &rl) {
			return zero, err
		}

		delay := policy.Delay(attempt)
		if rl.RetryAfter != nil {
			if policy.MaxDelay > 0 && *rl.RetryAfter > policy.MaxDelay {
				return zero, err
			}
			delay = *rl.RetryAfter
		}

		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return zero, serr
		}

		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
	}
	return zero, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
