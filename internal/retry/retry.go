// Package retry provides retry with exponential backoff for provider
// requests, including a streaming variant that never re-runs an attempt
// once a token has been delivered downstream.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// BaseDelay is the delay after the first failure; subsequent delays
	// double per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
}

// DefaultConfig returns the provider retry defaults: 5 attempts, 1s base.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

func (c Config) sanitize() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	return c
}

// Delay returns the backoff before the given retry attempt (0-indexed).
func (c Config) Delay(attempt int) time.Duration {
	delay := c.BaseDelay << uint(attempt)
	if delay > c.MaxDelay || delay <= 0 {
		delay = c.MaxDelay
	}
	return delay
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Retryable classifies transient provider failures. Beyond explicit marks,
// any error whose text mentions overload, internal errors, or timeouts is
// treated as transient; OpenRouter proxies Anthropic overloads through
// otherwise-successful response shapes, so status codes alone are not
// enough.
func Retryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"overload", "internal", "timeout",
		"429", "rate limit",
		"500", "502", "503", "504",
		"connection reset", "connection refused", "unexpected eof",
		"incomplete", "broken pipe",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// Do executes op with retries on transient errors.
func Do(ctx context.Context, config Config, op func() error) error {
	config = config.sanitize()
	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(config.Delay(attempt - 1)):
			}
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// DoValue executes an op returning a value with retries.
func DoValue[T any](ctx context.Context, config Config, op func() (T, error)) (T, error) {
	var value T
	err := Do(ctx, config, func() error {
		var opErr error
		value, opErr = op()
		return opErr
	})
	return value, err
}

// StreamGuard enforces the streaming retry invariant: retries are permitted
// only until the first token has been delivered to the caller. After that,
// errors propagate immediately, since re-running the stream would duplicate
// output.
type StreamGuard struct {
	yielded bool
}

// MarkYielded records that at least one token reached the caller.
func (g *StreamGuard) MarkYielded() { g.yielded = true }

// Yielded reports whether any token has been delivered.
func (g *StreamGuard) Yielded() bool { return g.yielded }

// DoStream runs op with retries while the guard permits. op receives the
// guard and must call MarkYielded before forwarding its first token.
func DoStream(ctx context.Context, config Config, guard *StreamGuard, op func() error) error {
	config = config.sanitize()
	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(config.Delay(attempt - 1)):
			}
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if guard.Yielded() || !Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
