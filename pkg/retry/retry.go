package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backoff selects how the wait between attempts grows.
type Backoff int

const (
	BackoffConstant Backoff = iota // every wait is Delay
	BackoffLinear                  // wait is attempt * Delay
)

// ErrAttemptTimeout is returned by an attempt that exceeded Policy.Timeout.
var ErrAttemptTimeout = errors.New("attempt timed out")

// Policy holds retry configuration
type Policy struct {
	Name    string        // Label used in logs and metrics
	Limit   int           // Number of retries after the first attempt
	Delay   time.Duration // Base delay before a retry
	Backoff Backoff       // Constant or linear growth of Delay
	Timeout time.Duration // Per-attempt deadline, zero disables it

	// ShouldRetry decides whether an error is retryable. Nil retries everything.
	ShouldRetry func(err error) bool
	// OnRetry runs after the backoff wait and before the next attempt. An error
	// from OnRetry ends the loop and is returned.
	OnRetry func(ctx context.Context, attempt int, err error) error
}

// Do executes fn until it succeeds, the policy rejects the error, or the retry
// budget is spent. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult is Do for operations that produce a value.
func DoWithResult[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	for attempt := 0; attempt <= p.Limit; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		result, err := runAttempt(ctx, p.Timeout, fn)
		if err == nil {
			return result, nil
		}

		if p.ShouldRetry != nil && !p.ShouldRetry(err) {
			return zero, err
		}
		if attempt == p.Limit {
			return zero, err
		}

		delay := p.delay(attempt + 1)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
			case <-timer.C:
			}
		}

		if p.OnRetry != nil {
			if hookErr := p.OnRetry(ctx, attempt+1, err); hookErr != nil {
				return zero, hookErr
			}
		}
	}

	return zero, fmt.Errorf("retry loop exited without result")
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result T
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := fn(attemptCtx)
		done <- outcome{r, err}
	}()

	var (
		result T
		err    error
	)
	select {
	case o := <-done:
		result, err = o.result, o.err
	case <-attemptCtx.Done():
		// The attempt owns whatever it opened; it must finish unwinding
		// before the next one starts.
		cancel()
		<-done
		err = attemptCtx.Err()
	}

	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		var zero T
		return zero, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
	}
	return result, err
}

// delay returns the wait before the given retry number (1-based).
func (p Policy) delay(retry int) time.Duration {
	if p.Backoff == BackoffLinear {
		return time.Duration(retry) * p.Delay
	}
	return p.Delay
}
