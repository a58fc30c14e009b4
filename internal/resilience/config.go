// Package resilience implements the shared failure-handling primitives used
// by every outbound network call: a circuit breaker per remote dependency,
// classified retry with exponential backoff, and a resilient HTTP client that
// composes the two.
package resilience

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

// Config is the single tuning surface for the resilience primitives. The
// retry coordinator derives its per-message schedule from the same values so
// the two backoff shapes cannot drift apart.
type Config struct {
	// FailureThreshold is the number of consecutive failures before the
	// breaker opens.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker again.
	SuccessThreshold int
	// ResetTimeout is how long an open breaker waits before permitting a
	// trial call.
	ResetTimeout time.Duration

	// MaxRetries bounds retry attempts for a single logical call and the
	// automatic resubmission count for a failed message.
	MaxRetries int
	// InitialDelay seeds the exponential backoff schedule.
	InitialDelay time.Duration
	// MaxDelay saturates the schedule.
	MaxDelay time.Duration
	// Multiplier is the exponential growth factor.
	Multiplier float64
	// Jitter adds +/- randomness as a fraction of the computed delay
	// (0.0 to 1.0).
	Jitter float64

	// RetryableStatusCodes are HTTP responses treated as transient.
	RetryableStatusCodes []int

	// RequestsPerSecond caps outbound attempts per dependency client.
	// Zero disables the limiter.
	RequestsPerSecond float64
	// Burst is the limiter burst size; zero derives it from the rate.
	Burst int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		MaxRetries:       3,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		Multiplier:       2.0,
		Jitter:           0.1,
		RetryableStatusCodes: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
		RequestsPerSecond: 50,
		Burst:             10,
	}
}

// Retryable classifies an error as transient under this config. Timeouts and
// connection resets always qualify; HTTP responses qualify only when their
// status is in RetryableStatusCodes.
func (c Config) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		for _, code := range c.RetryableStatusCodes {
			if httpErr.StatusCode == code {
				return true
			}
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection reset")
}

// NewLimiter builds the outbound rate limiter for one dependency client, or
// nil when no rate is configured.
func (c Config) NewLimiter() *rate.Limiter {
	if c.RequestsPerSecond <= 0 {
		return nil
	}
	burst := c.Burst
	if burst <= 0 {
		burst = int(c.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(c.RequestsPerSecond), burst)
}

// Backoff returns the delay before attempt n (zero-based), without jitter:
// min(MaxDelay, InitialDelay * Multiplier^n). The retry coordinator applies
// the same shape per message using the message's retry count.
func (c Config) Backoff(n int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(n))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}
