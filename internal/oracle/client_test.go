package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crosslane-network/settlement_layer/internal/resilience"
	"github.com/crosslane-network/settlement_layer/pkg/logger"
)

func testResilienceConfig() resilience.Config {
	cfg := resilience.DefaultConfig()
	cfg.MaxRetries = 0
	cfg.InitialDelay = time.Millisecond
	return cfg
}

func newTestClient(baseURL string) *Client {
	return New(Config{BaseURL: baseURL},
		resilience.NewRegistry(testResilienceConfig()), testResilienceConfig(), nil, logger.NewNop())
}

func TestPrice_FromOracle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prices/ETH" {
			t.Errorf("path = %s, want /prices/ETH", r.URL.Path)
		}
		w.Write([]byte(`{"usd": 3123.45}`))
	}))
	defer srv.Close()

	price, fromFallback, err := newTestClient(srv.URL).Price(context.Background(), "eth")
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if fromFallback {
		t.Fatal("oracle price reported as fallback")
	}
	if price != 3123.45 {
		t.Fatalf("price = %f, want 3123.45", price)
	}
}

func TestPrice_FallsBackWhenOracleDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	price, fromFallback, err := newTestClient(srv.URL).Price(context.Background(), "USDC")
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if !fromFallback {
		t.Fatal("degraded price not flagged as fallback")
	}
	if price != 1.0 {
		t.Fatalf("price = %f, want pinned 1.0", price)
	}
}

func TestPrice_NoFallbackEntry(t *testing.T) {
	if _, _, err := newTestClient("").Price(context.Background(), "OBSCURECOIN"); err == nil {
		t.Fatal("Price succeeded for a symbol with no source at all")
	}
}

func TestPrice_RejectsNonPositiveOraclePrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"usd": 0}`))
	}))
	defer srv.Close()

	price, fromFallback, err := newTestClient(srv.URL).Price(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if !fromFallback || price != 3000.0 {
		t.Fatalf("price = %f fallback=%v, want fallback 3000", price, fromFallback)
	}
}
