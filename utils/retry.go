package utils

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrOperationTimeout marks a single attempt that exceeded RetryOptions.Timeout.
// Timeouts are retryable.
var ErrOperationTimeout = errors.New("operation timed out")

type RetryOptions struct {
	// Timeout bounds a single attempt. Zero means 10s.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt. Zero means 3.
	MaxRetries int
	// RetryDelay is the base wait between attempts; the actual wait is
	// RetryDelay * attemptNumber (linear, to bound total added latency on
	// interactive request paths).
	RetryDelay time.Duration
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	return o
}

// Execute runs op with a per-attempt timeout and linear-backoff retries.
// It is the single retry path for both database and remote API calls, so
// callers never special-case transport. Non-retryable failures (auth,
// validation, not-found) are returned immediately without consuming the
// retry budget.
func Execute[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts RetryOptions) (T, error) {
	opts = opts.withDefaults()

	var zero T
	var lastErr error

	for attempt := 1; attempt <= opts.MaxRetries+1; attempt++ {
		if attempt > 1 {
			wait := opts.RetryDelay * time.Duration(attempt-1)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(wait):
			}
		}

		result, err := runWithTimeout(ctx, op, opts.Timeout)
		if err == nil {
			return result, nil
		}
		if IsNonRetryableError(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		lastErr = err
	}

	return zero, lastErr
}

// ExecuteVoid is Execute for operations that return no value.
func ExecuteVoid(ctx context.Context, op func(ctx context.Context) error, opts RetryOptions) error {
	_, err := Execute(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts)
	return err
}

// runWithTimeout races op against the attempt timeout. The operation receives
// a context that is cancelled on timeout; an operation that ignores it keeps
// running in its goroutine but the result is discarded.
func runWithTimeout[T any](ctx context.Context, op func(ctx context.Context) (T, error), timeout time.Duration) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result T
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := op(attemptCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-attemptCtx.Done():
		var zero T
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return zero, ErrOperationTimeout
		}
		return zero, attemptCtx.Err()
	}
}

// nonRetryableMarkers are error-text fragments that indicate the remote side
// rejected the request outright; repeating the call cannot succeed.
var nonRetryableMarkers = []string{
	"unauthorized",
	"forbidden",
	"not found",
	"invalid",
	"bad request",
	"status 400",
	"status 401",
	"status 403",
	"status 404",
}

func IsNonRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range nonRetryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
