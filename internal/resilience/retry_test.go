package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastRetryConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.Jitter = 0
	return cfg
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &HTTPError{StatusCode: 500}, true},
		{"bad gateway", &HTTPError{StatusCode: 502}, true},
		{"rate limited", &HTTPError{StatusCode: 429}, true},
		{"bad request", &HTTPError{StatusCode: 400}, false},
		{"not found", &HTTPError{StatusCode: 404}, false},
		{"unprocessable", &HTTPError{StatusCode: 422}, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"connection reset text", errors.New("read tcp: connection reset by peer"), true},
		{"plain error", errors.New("invalid payload"), false},
	}

	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("%s: IsRetryable() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRetry_UsesConfiguredStatusCodes(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.MaxRetries = 2
	cfg.RetryableStatusCodes = []int{503}

	// 500 is outside the configured set, so it must fail on the first try.
	attempts := 0
	Retry(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return &HTTPError{StatusCode: 500}
	})
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 for a status outside the configured set", attempts)
	}

	attempts = 0
	Retry(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return &HTTPError{StatusCode: 503}
	})
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3 for a configured transient status", attempts)
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &HTTPError{StatusCode: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() = %v, want nil", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_NonRetryableFailsImmediately(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		attempts++
		return &HTTPError{StatusCode: 400}
	})

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 400 {
		t.Fatalf("Retry() = %v, want 400 HTTPError", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 for non-retryable error", attempts)
	}
}

func TestRetry_ExhaustsBudget(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.MaxRetries = 2

	attempts := 0
	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return &HTTPError{StatusCode: 500}
	})
	if err == nil {
		t.Fatal("Retry() = nil, want last error after exhaustion")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (initial + 2 retries)", attempts)
	}
}

func TestRetry_ContextCancelAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := Retry(ctx, fastRetryConfig(), func(ctx context.Context) error {
		attempts++
		cancel()
		return &HTTPError{StatusCode: 500}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry() = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 after cancellation", attempts)
	}
}

func TestBackoff_GrowsExponentiallyAndSaturates(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: 1 * time.Second, Multiplier: 2.0}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1 * time.Second,
		1 * time.Second,
	}
	for n, w := range want {
		if got := cfg.Backoff(n); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", n, got, w)
		}
	}
}

func TestJittered_StaysWithinBounds(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0, Jitter: 0.1}

	for i := 0; i < 100; i++ {
		d := jittered(cfg, 0)
		if d < 90*time.Millisecond || d > 110*time.Millisecond {
			t.Fatalf("jittered() = %v, want within 10%% of 100ms", d)
		}
	}
}

func ExampleConfig_Backoff() {
	cfg := DefaultConfig()
	fmt.Println(cfg.Backoff(0), cfg.Backoff(3))
	// Output: 100ms 800ms
}
