// Package httputil provides shared HTTP plumbing: transient-error
// classification, retry policies for the two kinds of traffic pyflow
// performs (metadata lookups and artifact downloads), and the default
// client. Proxy settings are honored through the standard HTTP(S)_PROXY
// environment variables.
package httputil

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// RetryableError wraps an error to indicate it should trigger a retry.
// Wrap transient failures (network timeouts, 5xx responses) with this type
// so a [Policy] knows to attempt the operation again.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError. Returns nil for a nil err.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is wrapped with RetryableError.
func IsRetryable(err error) bool {
	return errors.As(err, new(*RetryableError))
}

// Policy describes how an operation is retried: a bounded number of
// attempts with exponential backoff between them.
type Policy struct {
	Attempts int           // total tries, including the first
	Delay    time.Duration // wait before the second attempt; doubles after each failure
	MaxDelay time.Duration // backoff ceiling; 0 means uncapped
}

// The two policies in use. Both make 3 attempts with exponential backoff;
// downloads start with a longer delay and cap it, since artifact mirrors
// throttle harder than the metadata endpoints.
var (
	MetadataPolicy = Policy{Attempts: 3, Delay: time.Second}
	DownloadPolicy = Policy{Attempts: 3, Delay: 2 * time.Second, MaxDelay: 15 * time.Second}
)

// backoff returns how long to wait after failed attempt n (0-based).
func (p Policy) backoff(n int) time.Duration {
	delay := p.Delay << n
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Do runs fn until it succeeds, fails permanently, or the policy's
// attempts are spent. Only errors wrapped with [RetryableError] are
// retried; anything else returns immediately. A cancelled context wins
// over a pending backoff.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for n := range attempts {
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
		if n == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff(n)):
		}
	}
	return err
}

// RetryWithBackoff applies the metadata policy, the default for oracle
// lookups.
func RetryWithBackoff(ctx context.Context, fn func() error) error {
	return MetadataPolicy.Do(ctx, fn)
}

// NewClient returns the HTTP client used for registry and archive traffic.
// The default transport picks up HTTP(S)_PROXY from the environment.
func NewClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}
