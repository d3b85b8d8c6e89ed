package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		JitterFactor: 0.25,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return NewTransientError(fmt.Errorf("flaky"), "")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		attempts++
		return NewPermanentError(fmt.Errorf("bad input"), "")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		attempts++
		return NewTransientError(fmt.Errorf("still down"), "")
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4 (initial + 3 retries)", attempts)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Retry(ctx, fastRetryConfig(), func(ctx context.Context) error {
		attempts++
		cancel()
		return NewTransientError(fmt.Errorf("down"), "")
	})
	if !stderrors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryWithResultReturnsValue(t *testing.T) {
	attempts := 0
	got, err := RetryWithResult(context.Background(), fastRetryConfig(), func(ctx context.Context) (int, error) {
		attempts++
		if attempts < 2 {
			return 0, NewTransientError(fmt.Errorf("warming up"), "")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
}

func TestIsTransientClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient marker", NewTransientError(fmt.Errorf("x"), ""), true},
		{"permanent marker", NewPermanentError(fmt.Errorf("x"), ""), false},
		{"permanent marker wins over pattern", NewPermanentError(fmt.Errorf("connection refused"), ""), false},
		{"plain error", fmt.Errorf("boom"), false},
		{"pg connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"pg shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"pg serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"wrapped pg error", fmt.Errorf("query: %w", &pgconn.PgError{Code: "08000"}), true},
		{"connection refused string", fmt.Errorf("dial tcp: connection refused"), true},
		{"broken pipe string", fmt.Errorf("write: broken pipe"), true},
		{"syscall econnreset", syscall.ECONNRESET, true},
		{"syscall eperm", syscall.EPERM, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestCalculateBackoffBounded(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     time.Second,
		JitterFactor: 0.25,
	}
	for attempt := 0; attempt < 10; attempt++ {
		delay := calculateBackoff(attempt, cfg)
		if delay <= 0 {
			t.Errorf("attempt %d: delay %v not positive", attempt, delay)
		}
		if delay > cfg.MaxDelay {
			t.Errorf("attempt %d: delay %v exceeds max %v", attempt, delay, cfg.MaxDelay)
		}
	}
}
