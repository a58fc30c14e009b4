package resilience

import (
	"errors"
	"testing"
	"time"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     50 * time.Millisecond,
	}
}

func TestBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())
	if cb.State() != StateClosed {
		t.Fatalf("State() = %v, want %v", cb.State(), StateClosed)
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() in closed state: %v", err)
	}
}

func TestBreaker_OpensAtFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if cb.State() != StateClosed {
			t.Fatalf("opened after %d failures, threshold is 3", i+1)
		}
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("State() = %v after threshold failures, want %v", cb.State(), StateOpen)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() while open = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != StateClosed {
		t.Fatal("non-consecutive failures opened the breaker")
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	time.Sleep(60 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after reset timeout: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("State() = %v, want %v", cb.State(), StateHalfOpen)
	}
}

func TestBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("first half-open Allow(): %v", err)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second half-open Allow() = %v, want ErrCircuitOpen while trial in flight", err)
	}

	// Finishing the trial admits the next one.
	cb.RecordSuccess()
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after trial success: %v", err)
	}
}

func TestBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := cb.Allow(); err != nil {
			t.Fatalf("half-open Allow() %d: %v", i, err)
		}
		cb.RecordSuccess()
	}

	if cb.State() != StateClosed {
		t.Fatalf("State() = %v after success threshold, want %v", cb.State(), StateClosed)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("half-open Allow(): %v", err)
	}
	cb.RecordFailure()

	if cb.State() != StateOpen {
		t.Fatalf("State() = %v after half-open failure, want %v", cb.State(), StateOpen)
	}
	// The reset timer restarted; calls fail fast again.
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() = %v immediately after reopen, want ErrCircuitOpen", err)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []State
	cfg := testBreakerConfig()
	cfg.OnStateChange = func(from, to State) { transitions = append(transitions, to) }

	cb := NewCircuitBreaker(cfg)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordSuccess()

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}
