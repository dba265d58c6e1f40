// Package retry wraps a transport.Transport with exponential backoff,
// jittered delays, and per-domain rate limiting, retrying failed attempts
// up to a configured limit before giving up.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/ferrum-labs/iris/config"
	"github.com/ferrum-labs/iris/ratelimit"
	"github.com/ferrum-labs/iris/transport"
)

// jitterPercent is the fraction of jitter applied to each backoff delay (+/- 25%).
const jitterPercent = 0.25

// Retrier wraps a Transport with retry logic and exponential backoff.
type Retrier struct {
	transport *transport.Transport
	limiter   *ratelimit.Limiter
	config    config.RetryConfig
}

// New creates a Retrier with the given transport, rate limiter, and retry configuration.
func New(t *transport.Transport, l *ratelimit.Limiter, cfg config.RetryConfig) *Retrier {
	return &Retrier{transport: t, limiter: l, config: cfg}
}

// Fetch attempts to fetch urlStr with automatic retries on failure. It
// applies rate limiting before each attempt, exponential backoff with
// jitter between attempts, and respects Retry-After headers on 429/503.
func (r *Retrier) Fetch(ctx context.Context, urlStr string) (*transport.Response, error) {
	maxRetries := r.config.MaxRetries

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := r.limiter.Acquire(ctx, urlStr); err != nil {
			return nil, fmt.Errorf("rate limit wait failed: %w", err)
		}

		resp, err := r.transport.Fetch(ctx, urlStr)

		if resp != nil {
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				r.limiter.Release(urlStr)
				return resp, nil
			}

			if !r.config.ShouldRetry(resp.StatusCode) {
				r.limiter.Release(urlStr)
				return resp, nil
			}

			r.limiter.UpdateRetryAfter(urlStr, resp.Headers)
			lastErr = fmt.Errorf("attempt %d: HTTP %d", attempt, resp.StatusCode)
		} else {
			lastErr = fmt.Errorf("attempt %d failed: %w", attempt, err)
		}

		r.limiter.Release(urlStr)

		if attempt < maxRetries {
			backoff := r.calculateBackoff(attempt)
			if sleepErr := sleep(ctx, backoff); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("failed after %d attempts: %w", maxRetries+1, lastErr)
	}
	return nil, fmt.Errorf("failed after %d attempts", maxRetries+1)
}

// calculateBackoff computes the backoff duration for a given attempt using exponential backoff.
func (r *Retrier) calculateBackoff(attempt int) time.Duration {
	initialDelay := r.config.GetInitialDelay()
	maxDelay := r.config.GetMaxDelay()
	multiplier := r.config.GetMultiplier()

	delay := float64(initialDelay) * math.Pow(multiplier, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	return addJitter(time.Duration(delay))
}

// addJitter adds +/- 25% random jitter to prevent thundering herd.
func addJitter(duration time.Duration) time.Duration {
	if duration == 0 {
		return 0
	}

	jitterRange := float64(duration) * jitterPercent
	jitter := (rand.Float64()*2.0 - 1.0) * jitterRange

	result := float64(duration) + jitter
	if result < 0 {
		return 0
	}
	return time.Duration(result)
}

// sleep waits for the specified duration or until context is cancelled.
func sleep(ctx context.Context, duration time.Duration) error {
	select {
	case <-time.After(duration):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
