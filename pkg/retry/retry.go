// Package retry wraps a unit of work with classify-and-backoff: retries
// retryable failures with exponential delay and jitter, surfaces terminal
// ones.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/ardentops/fleetbind/internal/telemetry"
)

// StatusError is an error carrying an HTTP-like status code, used by
// Classify to decide retryability. Provider implementations should wrap
// their transport errors in a StatusError when a status code is available.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

var retryableStatuses = map[int]bool{
	403: true, 409: true, 412: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

// Outcome is the tagged result of classifying a failed attempt (spec's
// "tagged results instead of exceptions" design note).
type Outcome int

const (
	// Terminal means the caller should stop retrying and surface the error.
	Terminal Outcome = iota
	// Retryable means the caller may attempt again after backing off.
	Retryable
)

// Classify decides whether err should be retried.
func Classify(err error) Outcome {
	if err == nil {
		return Terminal
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if retryableStatuses[statusErr.Code] {
			return Retryable
		}
		return Terminal
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}

	return Terminal
}

// Config controls the executor's retry/backoff policy.
type Config struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	EnableJitter bool
}

// Executor runs operations under a retry/backoff policy. It carries no
// mutable state, so one Executor can be shared safely across every
// identity's reconciler goroutine and the admin API's action handlers.
type Executor struct {
	cfg Config
}

// NewExecutor builds a retry executor from cfg.
func NewExecutor(cfg Config) *Executor {
	return &Executor{cfg: cfg}
}

// Run invokes op, retrying on a Retryable classification up to
// cfg.MaxRetries times with exponential backoff. A Terminal error is
// returned at once; a Retryable one is returned once cfg.MaxRetries retries
// have been used up; ctx.Err() is returned if ctx ends during a backoff wait.
func (e *Executor) Run(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		err := op(ctx)
		if err == nil {
			telemetry.RetryAttemptsTotal.WithLabelValues("success").Inc()
			return nil
		}
		lastErr = err

		if Classify(err) == Terminal {
			telemetry.RetryAttemptsTotal.WithLabelValues("terminal").Inc()
			return lastErr
		}
		if attempt == e.cfg.MaxRetries {
			telemetry.RetryAttemptsTotal.WithLabelValues("retryable").Inc()
			telemetry.RetryExhaustedTotal.Inc()
			return lastErr
		}
		telemetry.RetryAttemptsTotal.WithLabelValues("retryable").Inc()

		delay := e.backoff(attempt, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// backoff computes delay = min(base * 2^attempt, maxDelay), doubled first if
// the error is a 429, then jittered uniformly in [0, delay] if enabled.
func (e *Executor) backoff(attempt int, err error) time.Duration {
	delay := e.cfg.BaseDelay * (1 << attempt)
	if delay > e.cfg.MaxDelay {
		delay = e.cfg.MaxDelay
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == 429 {
		delay *= 2
		if delay > e.cfg.MaxDelay {
			delay = e.cfg.MaxDelay
		}
	}

	if e.cfg.EnableJitter && delay > 0 {
		delay = time.Duration(rand.Int64N(int64(delay) + 1))
	}

	return delay
}
