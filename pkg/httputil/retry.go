package httputil

import (
	"context"
	"errors"
	"time"
)

// RetryableError wraps an error to indicate it should trigger a retry.
// Wrap transient failures (network timeouts, 5xx responses) with this type
// so that [Policy.Do] knows to attempt the operation again. A positive After
// overrides the backoff delay for the next attempt (Retry-After).
type RetryableError struct {
	Err   error
	After time.Duration
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Policy configures bounded retry with exponential backoff. Only errors
// wrapped with [RetryableError] are retried; other errors are returned
// immediately. The delay doubles after each failed attempt.
type Policy struct {
	Attempts int           // total attempts, at least 1
	Delay    time.Duration // delay before the second attempt
	MaxDelay time.Duration // cap for the doubling delay; zero means uncapped

	// OnRetry, when set, is called before sleeping with the attempt number
	// that failed (starting at 1) and its error.
	OnRetry func(attempt int, err error)
}

// Do runs fn under the policy. It returns the last error if all attempts
// fail, or ctx.Err() if ctx is cancelled while waiting.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.Attempts, 1)
	delay := p.Delay
	var lastErr error

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(); err == nil {
			return nil
		} else if lastErr = err; !isRetryable(err) {
			return err
		}

		if i < attempts-1 {
			wait := delay
			var re *RetryableError
			if errors.As(lastErr, &re) && re.After > 0 {
				wait = re.After
			}
			if p.MaxDelay > 0 && wait > p.MaxDelay {
				wait = p.MaxDelay
			}
			if p.OnRetry != nil {
				p.OnRetry(i+1, lastErr)
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
				delay *= 2
			}
		}
	}
	return lastErr
}

func isRetryable(err error) bool {
	return errors.As(err, new(*RetryableError))
}
