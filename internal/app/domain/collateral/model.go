// Package collateral defines the point-in-time, USD-denominated aggregate of
// a user's balances across configured chains.
package collateral

import "time"

// PriceSource records how USD conversion was obtained for a snapshot.
type PriceSource string

const (
	PriceSourceOracle   PriceSource = "oracle"
	PriceSourceFallback PriceSource = "fallback"
)

// ChainBalance is one chain's contribution to a snapshot.
type ChainBalance struct {
	Chain   string  `json:"chain"`
	Asset   string  `json:"asset"`
	Balance float64 `json:"balance"`
	USD     float64 `json:"usd"`
}

// Snapshot is computed per request, never persisted. An unreachable chain
// contributes zero and adds a warning; the snapshot still returns.
type Snapshot struct {
	UserID      string         `json:"user_id"`
	Balances    []ChainBalance `json:"balances"`
	TotalUSD    float64        `json:"total_usd"`
	PriceSource PriceSource    `json:"price_source_used"`
	Warnings    []string       `json:"warnings,omitempty"`
	ComputedAt  time.Time      `json:"computed_at"`
}
