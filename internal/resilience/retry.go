package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

// HTTPError carries a response status so retry classification can treat
// 5xx/429 as transient.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable classifies an error as transient under the default status-code
// set. Retry itself consults the per-config set via Config.Retryable.
func IsRetryable(err error) bool {
	return DefaultConfig().Retryable(err)
}

// Retry runs fn up to cfg.MaxRetries+1 times, sleeping the jittered
// exponential backoff between attempts. Non-retryable errors abort
// immediately; exhausting attempts returns the last error.
func Retry(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered(cfg, attempt-1)):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !cfg.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func jittered(cfg Config, n int) time.Duration {
	d := float64(cfg.Backoff(n))
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}
