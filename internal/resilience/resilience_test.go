package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ginkida/chat-runner/internal/llm"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &llm.TransportError{Op: "complete", StatusCode: 429}, true},
		{"server error", &llm.TransportError{Op: "complete", StatusCode: 502}, true},
		{"bad request", &llm.TransportError{Op: "complete", StatusCode: 400}, false},
		{"network", &llm.TransportError{Op: "complete", Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}}, true},
		{"decode", &llm.TransportError{Op: "complete", Err: errors.New("decode response: EOF")}, false},
		{"empty response", &llm.TransportError{Op: "complete", Err: llm.ErrEmptyResponse}, false},
		{"wrapped", fmt.Errorf("turn: %w", &llm.TransportError{StatusCode: 503}), true},
		{"circuit open", ErrCircuitOpen, false},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryWithBackoff(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(context.Background(), cfg, func() error {
			calls++
			if calls < 3 {
				return &llm.TransportError{StatusCode: 500}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("stops on permanent failure", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(context.Background(), cfg, func() error {
			calls++
			return &llm.TransportError{StatusCode: 401}
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(context.Background(), cfg, func() error {
			calls++
			return &llm.TransportError{StatusCode: 503}
		})
		if !llm.IsTransport(err) {
			t.Fatalf("expected wrapped transport error, got %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("honours cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		slow := RetryConfig{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
		err := RetryWithBackoff(ctx, slow, func() error {
			return &llm.TransportError{StatusCode: 500}
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cb := NewCircuitBreaker("test", 2, time.Minute)
	cb.now = func() time.Time { return now }

	fail := func() error { return errors.New("down") }
	ok := func() error { return nil }

	_ = cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after one failure, want closed", cb.State())
	}
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after two failures, want open", cb.State())
	}
	if err := cb.Execute(ok); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}

	now = now.Add(time.Minute)
	if err := cb.Execute(ok); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v after successful probe, want closed", cb.State())
	}
}

func TestGetOrCreateCircuitBreakerShared(t *testing.T) {
	a := GetOrCreateCircuitBreaker("shared-test", 3, time.Second)
	b := GetOrCreateCircuitBreaker("shared-test", 10, time.Hour)
	if a != b {
		t.Error("expected the same breaker for the same name")
	}
}
