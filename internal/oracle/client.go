// Package oracle resolves USD prices for asset symbols from the price oracle
// HTTP service, with a redis read-through cache and a documented static
// fallback table for degraded operation.
package oracle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/tidwall/gjson"

	"github.com/crosslane-network/settlement_layer/internal/resilience"
	"github.com/crosslane-network/settlement_layer/pkg/logger"
)

// fallbackPrices is the static degraded-mode table used when the oracle is
// unreachable. Stablecoins pin to 1.0; majors carry coarse reference prices.
var fallbackPrices = map[string]float64{
	"USDC":  1.0,
	"USDT":  1.0,
	"DAI":   1.0,
	"ETH":   3000.0,
	"WETH":  3000.0,
	"MATIC": 0.8,
	"POL":   0.8,
	"AVAX":  35.0,
	"FTM":   0.7,
}

// Config configures the oracle client.
type Config struct {
	// BaseURL is the price oracle service. Empty means fallback-only.
	BaseURL string
	// CacheTTL bounds how long a cached price is served.
	CacheTTL time.Duration
}

// Client fetches USD prices with cache and fallback.
type Client struct {
	cfg    Config
	http   *resilience.ResilientClient
	cache  *redis.Client
	log    *logger.Logger
}

// New builds an oracle client. cache may be nil; breaker state is shared via
// the registry under the "price-oracle" dependency key.
func New(cfg Config, breakers *resilience.Registry, rescfg resilience.Config, cache *redis.Client, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDefault("price-oracle")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	return &Client{
		cfg: cfg,
		http: resilience.NewResilientClient(resilience.ClientConfig{
			Resilience: rescfg,
			Breaker:    breakers.Breaker("price-oracle"),
		}),
		cache: cache,
		log:   log,
	}
}

// Price returns the USD price for an asset symbol and whether it came from
// the fallback table. Oracle failure is degraded mode, not an error; the
// error return fires only when no fallback price exists either.
func (c *Client) Price(ctx context.Context, symbol string) (float64, bool, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	if price, ok := c.cachedPrice(ctx, symbol); ok {
		return price, false, nil
	}

	if c.cfg.BaseURL != "" {
		price, err := c.fetch(ctx, symbol)
		if err == nil {
			c.storePrice(ctx, symbol, price)
			return price, false, nil
		}
		c.log.WithError(err).Warnf("oracle fetch failed for %s, using fallback", symbol)
	}

	if price, ok := fallbackPrices[symbol]; ok {
		return price, true, nil
	}
	return 0, false, fmt.Errorf("no price available for %s", symbol)
}

func (c *Client) fetch(ctx context.Context, symbol string) (float64, error) {
	url := fmt.Sprintf("%s/prices/%s", strings.TrimRight(c.cfg.BaseURL, "/"), symbol)
	body, err := c.http.GetRaw(ctx, url)
	if err != nil {
		return 0, err
	}

	result := gjson.GetBytes(body, "usd")
	if !result.Exists() {
		return 0, fmt.Errorf("oracle response missing usd field for %s", symbol)
	}
	price := result.Float()
	if price <= 0 {
		return 0, fmt.Errorf("oracle returned non-positive price %f for %s", price, symbol)
	}
	return price, nil
}

func (c *Client) cachedPrice(ctx context.Context, symbol string) (float64, bool) {
	if c.cache == nil {
		return 0, false
	}
	raw, err := c.cache.Get(ctx, cacheKey(symbol)).Result()
	if err != nil {
		return 0, false
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil || price <= 0 {
		return 0, false
	}
	return price, true
}

func (c *Client) storePrice(ctx context.Context, symbol string, price float64) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(ctx, cacheKey(symbol), strconv.FormatFloat(price, 'f', -1, 64), c.cfg.CacheTTL).Err(); err != nil {
		c.log.WithError(err).Debug("price cache write failed")
	}
}

func cacheKey(symbol string) string { return "price:usd:" + symbol }
