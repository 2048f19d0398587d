package backend

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/c360studio/semresearch/stream"
)

// RetryConfig holds retry configuration for backend requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per request. One or less
	// disables retries.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns backoff defaults with retries disabled.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       1,
		BackoffBase:       500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Second,
	}
}

// WithRetryConfig retries opening a GET stream that failed before the
// service produced an answer: network errors and 502/503/504. Single-shot
// calls and POST streams are never retried. The default is one attempt.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retry = cfg
	}
}

// retryable reports whether err is worth another attempt.
func retryable(err error) bool {
	var te *stream.TransportError
	if !errors.As(err, &te) {
		return false
	}
	switch te.StatusCode {
	case 0, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// withRetry runs attempt until it succeeds, fails with a non-retryable
// error, or runs out of attempts.
func (c *Client) withRetry(ctx context.Context, what string, attempt func(context.Context) error) error {
	maxAttempts := max(1, c.retry.MaxAttempts)

	var lastErr error
	for n := 1; n <= maxAttempts; n++ {
		lastErr = attempt(ctx)
		if lastErr == nil || !retryable(lastErr) || n == maxAttempts {
			return lastErr
		}

		backoff := c.backoff(n)
		c.logger.Debug("Backend request failed, retrying",
			"request", what,
			"attempt", n,
			"max_attempts", maxAttempts,
			"backoff", backoff,
			"error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

// backoff computes exponential backoff with +/- 25% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retry.BackoffMultiplier
	}

	d := time.Duration(float64(c.retry.BackoffBase) * multiplier)
	if c.retry.MaxBackoff > 0 && d > c.retry.MaxBackoff {
		d = c.retry.MaxBackoff
	}
	jitter := float64(d) * 0.25 * (rand.Float64()*2 - 1)
	return d + time.Duration(jitter)
}
