package retry

import (
	"context"
	"fmt"
	"time"

	"vigil/internal/apperr"
	"vigil/internal/logger"
)

// Policy bounds how often and how slowly an operation is retried.
type Policy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultPolicy is used when a caller passes a zero Policy.
var DefaultPolicy = Policy{
	Attempts:   3,
	Backoff:    50 * time.Millisecond,
	MaxBackoff: time.Second,
}

// Delay returns the wait before the given retry (1-based).
func (p Policy) Delay(retry int) time.Duration {
	if retry <= 0 {
		return 0
	}
	d := p.Backoff
	for i := 1; i < retry; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// policy is exhausted. Only errors of kind transient_store are retried.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p = DefaultPolicy
	}

	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt)
			logger.WithComponent("retry").Warn().
				Str("op", op).
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Err(lastErr).
				Msg("retrying transient failure")

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return apperr.Wrap(apperr.KindTransientStore, op, ctx.Err())
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !apperr.IsKind(err, apperr.KindTransientStore) {
			return err
		}
		lastErr = err
	}

	return apperr.Wrap(apperr.KindTransientStore, op,
		fmt.Errorf("failed after %d attempts: %w", p.Attempts, lastErr))
}
