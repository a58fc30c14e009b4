// Package vault reads per-chain collateral balances from the vault contracts,
// consumed strictly as read-only RPC endpoints.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/crosslane-network/settlement_layer/internal/resilience"
	"github.com/crosslane-network/settlement_layer/pkg/logger"
)

// ErrUnavailable is returned when a chain cannot be queried: no endpoint
// configured, breaker open, or the RPC is unreachable. Callers treat it as a
// partial-result condition, not a hard failure.
var ErrUnavailable = errors.New("vault unavailable")

// Config configures the vault client.
type Config struct {
	// Endpoints maps chain name to the vault contract RPC endpoint.
	Endpoints map[string]string
	// NativeAssets maps chain name to the symbol its balance is
	// denominated in.
	NativeAssets map[string]string
}

// Client queries collateral balances per (user, chain).
type Client struct {
	cfg      Config
	breakers *resilience.Registry
	rescfg   resilience.Config
	log      *logger.Logger

	mu      sync.Mutex
	clients map[string]*resilience.ResilientClient
}

// New builds a vault client sharing breakers per chain.
func New(cfg Config, breakers *resilience.Registry, rescfg resilience.Config, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDefault("vault")
	}
	return &Client{
		cfg:      cfg,
		breakers: breakers,
		rescfg:   rescfg,
		log:      log,
		clients:  make(map[string]*resilience.ResilientClient),
	}
}

// Chains lists the chains this client is configured to query.
func (c *Client) Chains() []string {
	out := make([]string, 0, len(c.cfg.Endpoints))
	for chain := range c.cfg.Endpoints {
		out = append(out, chain)
	}
	return out
}

// Asset returns the symbol a chain's balance is denominated in.
func (c *Client) Asset(chain string) string {
	if sym, ok := c.cfg.NativeAssets[strings.ToLower(chain)]; ok {
		return sym
	}
	return "ETH"
}

// Balance returns the user's collateral balance on one chain. Any failure to
// reach the chain surfaces as ErrUnavailable.
func (c *Client) Balance(ctx context.Context, userID, chain string) (float64, error) {
	chain = strings.ToLower(chain)
	endpoint, ok := c.cfg.Endpoints[chain]
	if !ok || endpoint == "" {
		return 0, fmt.Errorf("%w: no endpoint for chain %s", ErrUnavailable, chain)
	}

	url := fmt.Sprintf("%s/vault/balance?user=%s", endpoint, userID)
	body, err := c.client(chain).GetRaw(ctx, url)
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return 0, fmt.Errorf("%w: circuit open for chain %s", ErrUnavailable, chain)
		}
		return 0, fmt.Errorf("%w: %s: %v", ErrUnavailable, chain, err)
	}

	result := gjson.GetBytes(body, "balance")
	if !result.Exists() {
		return 0, fmt.Errorf("%w: %s: response missing balance", ErrUnavailable, chain)
	}
	return result.Float(), nil
}

func (c *Client) client(chain string) *resilience.ResilientClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.clients[chain]; ok {
		return cl
	}
	cl := resilience.NewResilientClient(resilience.ClientConfig{
		Resilience: c.rescfg,
		Breaker:    c.breakers.Breaker("vault:" + chain),
	})
	c.clients[chain] = cl
	return cl
}
