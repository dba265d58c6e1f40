package fetcher

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/ferrum-labs/iris/config"
)

// jitterPercent mirrors retry.Retrier's jitter fraction (+/- 25%): the
// backoff between browser-driven attempts follows the same shape as the
// teacher's plain-HTTP retry loop, just timed around page navigation
// instead of a transport round trip.
const jitterPercent = 0.25

// calculateBackoff computes the exponential-backoff-with-jitter delay
// before retrying attempt, grounded on retry.Retrier.calculateBackoff.
func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	initialDelay := cfg.GetInitialDelay()
	maxDelay := cfg.GetMaxDelay()
	multiplier := cfg.GetMultiplier()

	delay := float64(initialDelay) * math.Pow(multiplier, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	return addJitter(time.Duration(delay))
}

func addJitter(d time.Duration) time.Duration {
	if d == 0 {
		return 0
	}

	jitterRange := float64(d) * jitterPercent
	jitter := (rand.Float64()*2.0 - 1.0) * jitterRange

	result := float64(d) + jitter
	if result < 0 {
		return 0
	}
	return time.Duration(result)
}

// sleep waits for d or until ctx is canceled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
