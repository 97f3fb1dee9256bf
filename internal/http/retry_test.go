package http

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestExecuteWithRetry_Success(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	calls := 0
	err := ExecuteWithRetry(context.Background(), cfg, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestExecuteWithRetry_RetriesServerErrors(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	var retried []ErrorType
	cfg.OnRetry = func(attempt int, err error, errType ErrorType) {
		retried = append(retried, errType)
	}

	calls := 0
	err := ExecuteWithRetry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("503 ServerBusy")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got: %v", err)
	}
	if calls != 3 || len(retried) != 2 {
		t.Errorf("expected 3 calls and 2 retries, got %d calls, %d retries", calls, len(retried))
	}
}

func TestExecuteWithRetry_GivesUp(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	cause := errors.New("connection reset by peer")

	calls := 0
	err := ExecuteWithRetry(context.Background(), cfg, func() error {
		calls++
		return cause
	})
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestExecuteWithRetry_NoRetryOnFatalOrCredential(t *testing.T) {
	for _, msg := range []string{"400 bad request", "403 AuthenticationFailed: signature not valid"} {
		t.Run(msg, func(t *testing.T) {
			cfg := RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
			calls := 0
			err := ExecuteWithRetry(context.Background(), cfg, func() error {
				calls++
				return errors.New(msg)
			})
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if calls != 1 {
				t.Errorf("expected 1 call, got %d", calls)
			}
		})
	}
}

func TestExecuteWithRetry_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxRetries: 5, InitialDelay: 5 * time.Second, MaxDelay: 30 * time.Second}

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := ExecuteWithRetry(ctx, cfg, func() error {
		return fmt.Errorf("connection reset")
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected quick return after context cancel, but took %v", elapsed)
	}
}

func TestExecuteWithRetry_InsufficientDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	cfg := RetryConfig{MaxRetries: 5, InitialDelay: 5 * time.Second, MaxDelay: 30 * time.Second}

	start := time.Now()
	err := ExecuteWithRetry(ctx, cfg, func() error {
		return fmt.Errorf("i/o timeout")
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected quick return due to insufficient deadline, but took %v", elapsed)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorType
	}{
		{nil, ErrorTypeSuccess},
		{errors.New("RESPONSE 403: AuthenticationFailed"), ErrorTypeCredential},
		{errors.New("read tcp: connection reset by peer"), ErrorTypeNetwork},
		{errors.New("RESPONSE 503: ServerBusy"), ErrorTypeRetryable},
		{errors.New("RESPONSE 404: ShareNotFound"), ErrorTypeFatal},
		{errors.New("something odd"), ErrorTypeFatal},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, ErrorTypeName(got), ErrorTypeName(tt.want))
		}
	}
}

func TestCalculateBackoffBounds(t *testing.T) {
	if d := CalculateBackoff(0, time.Second, time.Minute); d != 0 {
		t.Errorf("attempt 0 should not wait, got %v", d)
	}
	for i := 0; i < 100; i++ {
		if d := CalculateBackoff(10, 100*time.Millisecond, time.Second); d < 0 || d >= time.Second {
			t.Fatalf("backoff %v outside [0, 1s)", d)
		}
	}
}
