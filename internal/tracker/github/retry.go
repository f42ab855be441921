package github

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// RetryOptions configures retry behavior.
type RetryOptions struct {
	MaxRetries int           // Maximum number of retries
	BaseDelay  time.Duration // Initial delay between retries
	MaxDelay   time.Duration // Maximum delay between retries
}

// DefaultRetryOptions returns sensible defaults for retry behavior.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// WithRetry executes an operation with exponential backoff retry.
// It respects context cancellation and GitHub's Retry-After header.
func WithRetry[T any](ctx context.Context, op func() (T, error), opts RetryOptions) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		result, lastErr = op()
		if lastErr == nil {
			return result, nil
		}
		if !isRetryableError(lastErr) || attempt >= opts.MaxRetries {
			return result, lastErr
		}

		delay := opts.BaseDelay * time.Duration(1<<uint(attempt))
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
		if retryAfter := retryAfterHint(lastErr); retryAfter > 0 {
			delay = retryAfter
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}

	return result, lastErr
}

// WithRetryVoid is like WithRetry but for operations that don't return a value.
func WithRetryVoid(ctx context.Context, op func() error, opts RetryOptions) error {
	_, err := WithRetry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, opts)
	return err
}

// isRetryableError reports whether an error is transient: rate limiting,
// server-side 5xx, or transport failures. Client errors (4xx other than
// 429) and cancelled contexts are permanent.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.StatusCode >= 500
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// http.Client wraps transport failures (DNS, refused connections,
	// timeouts) in *url.Error, which implements net.Error.
	var netErr net.Error
	return errors.As(err, &netErr)
}

// retryAfterHint returns the server's Retry-After hint, falling back to
// GitHub's default rate limit window on a bare 429. Zero means no hint.
func retryAfterHint(err error) time.Duration {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return 0
	}
	if apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		return 60 * time.Second
	}
	return 0
}
