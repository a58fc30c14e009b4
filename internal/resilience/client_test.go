package resilience

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func newTestClient(breaker *CircuitBreaker) *ResilientClient {
	cfg := fastRetryConfig()
	cfg.MaxRetries = 2
	return NewResilientClient(ClientConfig{Resilience: cfg, Breaker: breaker})
}

func TestClient_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value": 42}`))
	}))
	defer srv.Close()

	rc := newTestClient(NewCircuitBreaker(testBreakerConfig()))

	var out struct {
		Value int `json:"value"`
	}
	if err := rc.GetJSON(context.Background(), srv.URL, &out); err != nil {
		t.Fatalf("GetJSON() = %v", err)
	}
	if out.Value != 42 {
		t.Fatalf("value = %d, want 42", out.Value)
	}
}

func TestClient_RetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	rc := newTestClient(NewCircuitBreaker(testBreakerConfig()))
	if _, err := rc.GetRaw(context.Background(), srv.URL); err != nil {
		t.Fatalf("GetRaw() = %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("server saw %d calls, want 3", got)
	}
}

func TestClient_ExhaustedRetryIsOneBreakerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := NewCircuitBreaker(testBreakerConfig())
	rc := newTestClient(breaker)

	// Two exhausted calls are two breaker failures, not two*(retries+1).
	// With a failure threshold of 3 the breaker must still be closed.
	for i := 0; i < 2; i++ {
		if _, err := rc.GetRaw(context.Background(), srv.URL); err == nil {
			t.Fatal("GetRaw() succeeded against a failing server")
		}
	}
	if breaker.State() != StateClosed {
		t.Fatalf("breaker %v after 2 exhausted calls, want closed (threshold 3)", breaker.State())
	}

	if _, err := rc.GetRaw(context.Background(), srv.URL); err == nil {
		t.Fatal("GetRaw() succeeded against a failing server")
	}
	if breaker.State() != StateOpen {
		t.Fatalf("breaker %v after 3 exhausted calls, want open", breaker.State())
	}
}

func TestClient_FailsFastWhenOpen(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := NewCircuitBreaker(testBreakerConfig())
	rc := newTestClient(breaker)

	for i := 0; i < 3; i++ {
		rc.GetRaw(context.Background(), srv.URL)
	}
	if breaker.State() != StateOpen {
		t.Fatalf("breaker %v, want open", breaker.State())
	}

	before := atomic.LoadInt32(&calls)
	if _, err := rc.GetRaw(context.Background(), srv.URL); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("GetRaw() = %v, want ErrCircuitOpen", err)
	}
	if atomic.LoadInt32(&calls) != before {
		t.Fatal("open breaker still reached the server")
	}
}

func TestClient_LimiterGatesAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := fastRetryConfig()
	cfg.MaxRetries = 0
	rc := NewResilientClient(ClientConfig{
		Resilience: cfg,
		Breaker:    NewCircuitBreaker(testBreakerConfig()),
		Limiter:    rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := rc.GetRaw(context.Background(), srv.URL); err != nil {
			t.Fatalf("GetRaw() = %v", err)
		}
	}
	// The burst covers the first call; the next two each wait a full token.
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("3 calls finished in %v, limiter not applied", elapsed)
	}
}

func TestClient_LimiterBuiltFromConfig(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.RequestsPerSecond = 5
	rc := NewResilientClient(ClientConfig{Resilience: cfg, Breaker: NewCircuitBreaker(testBreakerConfig())})
	if rc.limiter == nil {
		t.Fatal("no limiter despite a configured rate")
	}

	cfg.RequestsPerSecond = 0
	rc = NewResilientClient(ClientConfig{Resilience: cfg, Breaker: NewCircuitBreaker(testBreakerConfig())})
	if rc.limiter != nil {
		t.Fatal("limiter built with the rate disabled")
	}
}

func TestClient_RecoversThroughHalfOpen(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	breaker := NewCircuitBreaker(testBreakerConfig())
	rc := newTestClient(breaker)

	for i := 0; i < 3; i++ {
		rc.GetRaw(context.Background(), srv.URL)
	}
	if breaker.State() != StateOpen {
		t.Fatalf("breaker %v, want open", breaker.State())
	}

	healthy.Store(true)
	time.Sleep(60 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if _, err := rc.GetRaw(context.Background(), srv.URL); err != nil {
			t.Fatalf("recovery call %d: %v", i, err)
		}
	}
	if breaker.State() != StateClosed {
		t.Fatalf("breaker %v after recovery, want closed", breaker.State())
	}
}
