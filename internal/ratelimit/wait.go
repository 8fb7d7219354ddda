package ratelimit

import (
	"context"
	"time"
)

type Allower interface {
	Allow(ctx context.Context, subject string) (Decision, error)
}

// minBackoff bounds the sleep when the bucket reports a zero retry-after.
const minBackoff = 50 * time.Millisecond

// Wait blocks until limiter admits one request for subject or ctx ends.
func Wait(ctx context.Context, limiter Allower, subject string) error {
	for {
		decision, err := limiter.Allow(ctx, subject)
		if err != nil {
			return err
		}
		if decision.Allowed {
			return nil
		}

		delay := decision.RetryAfter
		if delay < minBackoff {
			delay = minBackoff
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
