package util

import (
	"context"
	"time"
)

// RetryIf calls fn up to maxAttempts times with exponential backoff starting
// at baseDelay. It returns nil on the first successful call, or the last
// error if all attempts fail. An error for which retryable returns false is
// returned at once; a nil predicate retries every error. Cancellation is
// honoured between attempts.
func RetryIf(ctx context.Context, maxAttempts int, baseDelay time.Duration, retryable func(error) bool, fn func() error) error {
	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}

		if attempt < maxAttempts-1 {
			if serr := Sleep(ctx, delay); serr != nil {
				return serr
			}
			delay *= 2
		}
	}

	return err
}
