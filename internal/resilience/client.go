package resilience

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ResilientClient composes the circuit breaker and classified retry for
// outbound HTTP. A call first checks the breaker, then runs inside the retry
// loop; an exhausted-retry failure counts as one breaker failure, not one per
// attempt.
type ResilientClient struct {
	client  *http.Client
	cfg     Config
	breaker *CircuitBreaker
	limiter *rate.Limiter
}

// ClientConfig configures a ResilientClient.
type ClientConfig struct {
	// BaseClient is the underlying HTTP client; a pooled default is used
	// when nil.
	BaseClient *http.Client
	// Resilience tunes retry and breaker behaviour.
	Resilience Config
	// Breaker is the shared per-dependency breaker. Required.
	Breaker *CircuitBreaker
	// Limiter rate-limits outbound attempts. When nil one is built from
	// Resilience.RequestsPerSecond.
	Limiter *rate.Limiter
}

// NewResilientClient builds a client around a shared breaker.
func NewResilientClient(cfg ClientConfig) *ResilientClient {
	base := cfg.BaseClient
	if base == nil {
		base = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		}
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = NewCircuitBreaker(BreakerConfig{
			FailureThreshold: cfg.Resilience.FailureThreshold,
			SuccessThreshold: cfg.Resilience.SuccessThreshold,
			ResetTimeout:     cfg.Resilience.ResetTimeout,
		})
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = cfg.Resilience.NewLimiter()
	}
	return &ResilientClient{
		client:  base,
		cfg:     cfg.Resilience,
		breaker: breaker,
		limiter: limiter,
	}
}

// Breaker exposes the underlying breaker, mainly for health reporting.
func (rc *ResilientClient) Breaker() *CircuitBreaker { return rc.breaker }

// GetJSON issues a GET and decodes the response body into target.
func (rc *ResilientClient) GetJSON(ctx context.Context, url string, target any) error {
	body, err := rc.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GetRaw issues a GET and returns the raw response body.
func (rc *ResilientClient) GetRaw(ctx context.Context, url string) ([]byte, error) {
	return rc.do(ctx, http.MethodGet, url, nil)
}

// PostJSON issues a POST with a JSON payload and returns the raw response.
func (rc *ResilientClient) PostJSON(ctx context.Context, url string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return rc.do(ctx, http.MethodPost, url, raw)
}

func (rc *ResilientClient) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	if err := rc.breaker.Allow(); err != nil {
		return nil, err
	}

	var body []byte
	err := Retry(ctx, rc.cfg, func(ctx context.Context) error {
		if rc.limiter != nil {
			if err := rc.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
			return &HTTPError{StatusCode: resp.StatusCode}
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		return err
	})
	if err != nil {
		rc.breaker.RecordFailure()
		return nil, err
	}

	rc.breaker.RecordSuccess()
	return body, nil
}
