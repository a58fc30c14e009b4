package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/crosslane-network/settlement_layer/internal/app/domain/message"
	"github.com/crosslane-network/settlement_layer/internal/resilience"
	"github.com/crosslane-network/settlement_layer/pkg/logger"
)

// axelarChains maps our chain names onto Axelar's registered chain
// identifiers. Anything absent is rejected before a send is attempted.
var axelarChains = map[string]string{
	"ethereum":  "Ethereum",
	"polygon":   "Polygon",
	"avalanche": "Avalanche",
	"fantom":    "Fantom",
	"arbitrum":  "arbitrum",
	"optimism":  "optimism",
	"base":      "base",
}

// AxelarConfig configures the Axelar adapter.
type AxelarConfig struct {
	// RPCEndpoints maps chain name to the gateway RPC endpoint used for
	// sends. A chain without an endpoint cannot send.
	RPCEndpoints map[string]string
	// GatewayAddresses maps chain name to the Axelar gateway contract.
	GatewayAddresses map[string]string
	// ExplorerURL is the GMP explorer API used for status queries. Empty
	// means status polling reports unknown.
	ExplorerURL string
	// BaseFee is the flat relay fee quoted per send, in source-chain
	// native token.
	BaseFee float64
}

// AxelarAdapter speaks Axelar General Message Passing.
type AxelarAdapter struct {
	cfg      AxelarConfig
	breakers *resilience.Registry
	rescfg   resilience.Config
	log      *logger.Logger

	mu      sync.Mutex
	clients map[string]*resilience.ResilientClient
}

var _ Adapter = (*AxelarAdapter)(nil)

// NewAxelarAdapter builds the adapter; breakers are shared per chain through
// the registry.
func NewAxelarAdapter(cfg AxelarConfig, breakers *resilience.Registry, rescfg resilience.Config, log *logger.Logger) *AxelarAdapter {
	if log == nil {
		log = logger.NewDefault("bridge-axelar")
	}
	return &AxelarAdapter{
		cfg:      cfg,
		breakers: breakers,
		rescfg:   rescfg,
		log:      log,
		clients:  make(map[string]*resilience.ResilientClient),
	}
}

func (a *AxelarAdapter) Protocol() message.Protocol { return message.ProtocolAxelar }

func (a *AxelarAdapter) SupportsChain(chain string) bool {
	_, ok := axelarChains[strings.ToLower(chain)]
	return ok
}

func (a *AxelarAdapter) SendMessage(ctx context.Context, route Route, payload []byte) (string, error) {
	srcChain, ok := axelarChains[strings.ToLower(route.SourceChain)]
	if !ok {
		return "", fmt.Errorf("axelar: %w: %s", ErrUnsupportedChain, route.SourceChain)
	}
	dstChain, ok := axelarChains[strings.ToLower(route.DestinationChain)]
	if !ok {
		return "", fmt.Errorf("axelar: %w: %s", ErrUnsupportedChain, route.DestinationChain)
	}

	endpoint, ok := a.cfg.RPCEndpoints[strings.ToLower(route.SourceChain)]
	if !ok || endpoint == "" {
		return "", fmt.Errorf("axelar: no rpc endpoint configured for chain %s", route.SourceChain)
	}

	req := map[string]any{
		"gateway":           a.cfg.GatewayAddresses[strings.ToLower(route.SourceChain)],
		"source_chain":      srcChain,
		"destination_chain": dstChain,
		"sender":            route.SourceAddress,
		"contract_address":  route.DestinationAddress,
		"payload":           fmt.Sprintf("0x%x", payload),
	}

	body, err := a.client(strings.ToLower(route.SourceChain), endpoint).PostJSON(ctx, endpoint+"/gmp/send", req)
	if err != nil {
		return "", fmt.Errorf("axelar send on %s: %w", route.SourceChain, err)
	}

	txHash := gjson.GetBytes(body, "tx_hash").String()
	if txHash == "" {
		return "", fmt.Errorf("axelar send on %s: response missing tx_hash", route.SourceChain)
	}
	a.log.WithField("tx_hash", txHash).Debug("axelar message submitted")
	return txHash, nil
}

func (a *AxelarAdapter) EstimateFee(ctx context.Context, route Route) (float64, error) {
	return a.cfg.BaseFee, nil
}

// MessageStatus asks the GMP explorer for the relay state of a source
// transaction. Explorer statuses map onto our lifecycle; absence of an
// explorer endpoint degrades to unknown so polling keeps running.
func (a *AxelarAdapter) MessageStatus(ctx context.Context, txHash string) (Status, error) {
	if a.cfg.ExplorerURL == "" {
		return StatusUnknown, nil
	}

	body, err := a.client("explorer", a.cfg.ExplorerURL).GetRaw(ctx, a.cfg.ExplorerURL+"/gmp/"+txHash)
	if err != nil {
		a.log.WithError(err).Debug("axelar explorer query failed")
		return StatusUnknown, nil
	}

	switch strings.ToLower(gjson.GetBytes(body, "status").String()) {
	case "called":
		return StatusSent, nil
	case "approving", "approved":
		return StatusConfirmed, nil
	case "executed":
		return StatusDelivered, nil
	case "error", "insufficient_fee":
		return StatusFailed, nil
	default:
		return StatusUnknown, nil
	}
}

func (a *AxelarAdapter) client(key, _ string) *resilience.ResilientClient {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.clients[key]; ok {
		return c
	}
	c := resilience.NewResilientClient(resilience.ClientConfig{
		Resilience: a.rescfg,
		Breaker:    a.breakers.Breaker("axelar:" + key),
	})
	a.clients[key] = c
	return c
}
