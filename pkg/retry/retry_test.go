package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil error", nil, Terminal},
		{"429", &StatusError{Code: 429, Err: errors.New("rate limited")}, Retryable},
		{"403", &StatusError{Code: 403, Err: errors.New("forbidden")}, Retryable},
		{"500", &StatusError{Code: 500, Err: errors.New("server error")}, Retryable},
		{"400 terminal", &StatusError{Code: 400, Err: errors.New("bad request")}, Terminal},
		{"404 terminal", &StatusError{Code: 404, Err: errors.New("not found")}, Terminal},
		{"deadline exceeded", context.DeadlineExceeded, Retryable},
		{"plain error", errors.New("boom"), Terminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestExecutorRunSucceedsAfterTransientFailures(t *testing.T) {
	e := NewExecutor(Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})

	attempts := 0
	err := e.Run(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &StatusError{Code: 429, Err: errors.New("rate limited")}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestExecutorRunExhaustsRetries(t *testing.T) {
	e := NewExecutor(Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	attempts := 0
	err := e.Run(context.Background(), func(ctx context.Context) error {
		attempts++
		return &StatusError{Code: 500, Err: errors.New("server error")}
	})

	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 { // initial attempt + 2 retries
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestExecutorRunTerminalStopsImmediately(t *testing.T) {
	e := NewExecutor(Config{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	attempts := 0
	err := e.Run(context.Background(), func(ctx context.Context) error {
		attempts++
		return &StatusError{Code: 400, Err: errors.New("bad request")}
	})

	if err == nil {
		t.Fatal("expected terminal error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on terminal error)", attempts)
	}
}

func TestBackoffRespectsMaxDelay(t *testing.T) {
	e := NewExecutor(Config{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: 2 * time.Second, EnableJitter: false})

	d := e.backoff(5, errors.New("boom"))
	if d != 2*time.Second {
		t.Errorf("backoff(5) = %v, want capped at 2s", d)
	}
}

func TestBackoffDoublesFor429(t *testing.T) {
	e := NewExecutor(Config{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: 100 * time.Second, EnableJitter: false})

	normal := e.backoff(1, errors.New("boom"))
	rateLimited := e.backoff(1, &StatusError{Code: 429, Err: errors.New("rate limited")})

	if rateLimited != normal*2 {
		t.Errorf("429 backoff = %v, want double of %v", rateLimited, normal)
	}
}
