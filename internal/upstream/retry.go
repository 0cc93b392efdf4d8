package upstream

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	maxAttempts   = 5
	backoffBase   = 1 * time.Second
	backoffCap    = 300 * time.Second
	retryDeadline = 300 * time.Second
	jitterFrac    = 0.20
)

// backoffDelay returns the sleep before retry number attempt (1-based):
// 1s, 2s, 4s, 8s, 16s with ±20% jitter, each capped at 300s.
func backoffDelay(attempt int) time.Duration {
	delay := backoffBase * time.Duration(1<<uint(attempt-1))
	if delay > backoffCap {
		delay = backoffCap
	}
	jitter := 1 + jitterFrac*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}

// withRetry runs fn up to maxAttempts times, sleeping the backoff schedule
// between attempts. Only temporary upstream errors are retried; permanent
// rejections and decode failures surface immediately. The whole loop is
// bounded by a 300s cumulative deadline.
func withRetry(ctx context.Context, provider string, hooks Hooks, fn func() error) error {
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(attempt - 1)
			if time.Since(start)+delay > retryDeadline {
				break
			}
			hooks.retry(provider)
			log.Debug().
				Str("provider", provider).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("retrying upstream request")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var ue *Error
		if errors.As(err, &ue) && !ue.Temporary {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	var ue *Error
	if errors.As(lastErr, &ue) {
		return unavailable(provider, "retries exhausted: "+ue.Message, ue.HTTPStatus, ue.RateLimited, lastErr)
	}
	return unavailable(provider, "retries exhausted", 0, false, lastErr)
}
