package dataflow

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how Retry re-runs a failing handler.
type RetryPolicy struct {
	// MaxAttempts counts the first call. Values below 1 mean 1.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	// Jitter spreads each backoff by up to +/- this fraction (0.0-1.0).
	Jitter float64

	// Retryable decides which errors are worth another attempt.
	// Default: IsTransient.
	Retryable func(error) bool
}

// DefaultRetryPolicy makes three attempts, backing off from 100ms.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as a failure that may succeed on another attempt.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Retry wraps h so that retryable failures are attempted again with
// exponential backoff. Suspensions raised by nested graphs and failures after
// the run's context is done are returned at once.
//
// Example:
//
//	dataflow.WithHandler("fetch", dataflow.Retry(fetch, dataflow.DefaultRetryPolicy))
func Retry(h Handler, p RetryPolicy) Handler {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	return func(ctx Context, inputs Values) (Values, error) {
		backoff := p.InitialBackoff
		for attempt := 1; ; attempt++ {
			out, err := h(ctx, inputs)
			if err == nil {
				return out, nil
			}
			if errors.Is(err, errSuspended) || ctx.Err() != nil || !retryable(err) {
				return nil, err
			}
			if attempt >= p.MaxAttempts {
				return nil, fmt.Errorf("after %d attempts: %w", attempt, err)
			}

			wait := jitter(backoff, p.Jitter)
			ctx.Logger().Warn("retrying node",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", wait),
				slog.String("error", err.Error()),
			)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, err
			case <-timer.C:
			}

			if p.BackoffFactor > 0 {
				backoff = time.Duration(float64(backoff) * p.BackoffFactor)
			}
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
	}
}

func jitter(base time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || base <= 0 {
		return base
	}
	return time.Duration(float64(base) + float64(base)*fraction*(rand.Float64()*2-1))
}
