// Package retry applies exponential backoff with optional jitter around
// whole-operation calls. The engine's operations stay free of retry concerns;
// the sweeper and other callers wrap them with a Policy.
package retry

import (
	"context"
	"math/rand"
	"time"
)

type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	Jitter      bool
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backoff(attempt int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	d := base << attempt
	if p.Jitter {
		// Full jitter: anywhere in (0, d].
		d = time.Duration(rand.Int63n(int64(d))) + 1
	}
	return d
}

// Do invokes fn until it succeeds, the attempt budget is exhausted, or the
// context is canceled. The last error is returned on exhaustion.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts(); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == p.maxAttempts()-1 {
			break
		}
		timer := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
