package httputil

import (
	"context"
	"errors"
	"time"
)

// MaxRetryDelay caps the backoff between two attempts.
const MaxRetryDelay = 30 * time.Second

// RetryableError marks a transient failure, such as a 5xx response or a
// dropped connection, that [Retry] attempts again.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retry calls fn up to attempts times. Only errors marked with
// [RetryableError] are retried; anything else is returned at once. The
// delay doubles after every failure up to [MaxRetryDelay]. If ctx ends while
// waiting, ctx.Err() is returned.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	attempts = max(attempts, 1)
	var err error
	for i := range attempts {
		if err = fn(); err == nil || !Retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, MaxRetryDelay)
	}
	return err
}

// Retryable reports whether err, or any error it wraps, is a [RetryableError].
func Retryable(err error) bool {
	return errors.As(err, new(*RetryableError))
}
