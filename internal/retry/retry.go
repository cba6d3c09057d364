// Package retry wraps remote calls with bounded retries, exponential backoff
// and a per-attempt timeout. Only transient failures (network errors, HTTP
// 5xx/429, timeouts) are retried; client errors and explicitly permanent
// errors surface immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config governs one retried operation. Total attempts = MaxRetries + 1.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Timeout      time.Duration
	Multiplier   float64
}

// DefaultConfig is the budget used for ordinary agent API calls.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Timeout:      30 * time.Second,
		Multiplier:   2.0,
	}
}

// ErrExhausted marks failures where every attempt was spent.
var ErrExhausted = errors.New("retry attempts exhausted")

// ExhaustedError reports that all attempts of an operation failed with
// transient errors.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d attempts exhausted: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// permanentError marks an error as non-retryable regardless of its class.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do fails immediately instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// StatusCoder is implemented by errors that carry an HTTP status code,
// letting Do distinguish 5xx (transient) from 4xx (permanent).
type StatusCoder interface {
	HTTPStatusCode() int
}

// Retryable reports whether err belongs to a transient failure class.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatusCode()
		return code >= 500 || code == 429
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unclassified errors from the transport layer are treated as transient.
	return true
}

// Do runs fn with the retry policy of cfg. The op name is used for logging
// only. Each attempt runs under its own timeout when cfg.Timeout > 0; delays
// between attempts grow by cfg.Multiplier, capped at cfg.MaxDelay.
func Do[T any](ctx context.Context, op string, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.Multiplier = cfg.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := cfg.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := runAttempt(ctx, cfg.Timeout, fn)
		if err == nil {
			if attempt > 1 {
				log.Printf("[Retry] %s succeeded on attempt %d/%d", op, attempt, attempts)
			}
			return result, nil
		}

		if !Retryable(err) {
			log.Printf("[Retry] %s failed with non-retryable error: %v", op, err)
			var perm *permanentError
			if errors.As(err, &perm) {
				return zero, perm.err
			}
			return zero, err
		}

		lastErr = err
		if attempt == attempts {
			break
		}

		delay := bo.NextBackOff()
		log.Printf("[Retry] %s attempt %d/%d failed: %v, retrying in %s", op, attempt, attempts, err, delay)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	log.Printf("[Retry] %s failed after %d attempts: %v", op, attempts, lastErr)
	return zero, &ExhaustedError{Op: op, Attempts: attempts, Last: lastErr}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
