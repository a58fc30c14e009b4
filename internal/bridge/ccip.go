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

// ccipSelectors maps chain names to Chainlink CCIP chain selectors.
var ccipSelectors = map[string]uint64{
	"ethereum":  5009297550715157269,
	"polygon":   4051577828743386545,
	"avalanche": 6433500567565415381,
	"arbitrum":  4949039107694359620,
	"optimism":  3734403246176062136,
	"base":      15971525489660198786,
}

// CCIPConfig configures the CCIP adapter.
type CCIPConfig struct {
	// RPCEndpoints maps chain name to the router RPC endpoint for sends.
	RPCEndpoints map[string]string
	// RouterAddresses maps chain name to the CCIP router contract.
	RouterAddresses map[string]string
	// ExplorerURL is the CCIP explorer API for status queries.
	ExplorerURL string
	// BaseFee is the flat fee quoted per send.
	BaseFee float64
}

// CCIPAdapter speaks Chainlink CCIP.
type CCIPAdapter struct {
	cfg      CCIPConfig
	breakers *resilience.Registry
	rescfg   resilience.Config
	log      *logger.Logger

	mu      sync.Mutex
	clients map[string]*resilience.ResilientClient
}

var _ Adapter = (*CCIPAdapter)(nil)

// NewCCIPAdapter builds the adapter; breakers are shared per chain through
// the registry.
func NewCCIPAdapter(cfg CCIPConfig, breakers *resilience.Registry, rescfg resilience.Config, log *logger.Logger) *CCIPAdapter {
	if log == nil {
		log = logger.NewDefault("bridge-ccip")
	}
	return &CCIPAdapter{
		cfg:      cfg,
		breakers: breakers,
		rescfg:   rescfg,
		log:      log,
		clients:  make(map[string]*resilience.ResilientClient),
	}
}

func (c *CCIPAdapter) Protocol() message.Protocol { return message.ProtocolCCIP }

func (c *CCIPAdapter) SupportsChain(chain string) bool {
	_, ok := ccipSelectors[strings.ToLower(chain)]
	return ok
}

func (c *CCIPAdapter) SendMessage(ctx context.Context, route Route, payload []byte) (string, error) {
	src := strings.ToLower(route.SourceChain)
	dst := strings.ToLower(route.DestinationChain)

	if _, ok := ccipSelectors[src]; !ok {
		return "", fmt.Errorf("ccip: %w: %s", ErrUnsupportedChain, route.SourceChain)
	}
	dstSelector, ok := ccipSelectors[dst]
	if !ok {
		return "", fmt.Errorf("ccip: %w: %s", ErrUnsupportedChain, route.DestinationChain)
	}

	endpoint, ok := c.cfg.RPCEndpoints[src]
	if !ok || endpoint == "" {
		return "", fmt.Errorf("ccip: no rpc endpoint configured for chain %s", route.SourceChain)
	}

	req := map[string]any{
		"router":                 c.cfg.RouterAddresses[src],
		"dest_chain_selector":    fmt.Sprintf("%d", dstSelector),
		"sender":                 route.SourceAddress,
		"receiver":               route.DestinationAddress,
		"data":                   fmt.Sprintf("0x%x", payload),
	}

	body, err := c.client(src).PostJSON(ctx, endpoint+"/ccip/send", req)
	if err != nil {
		return "", fmt.Errorf("ccip send on %s: %w", route.SourceChain, err)
	}

	txHash := gjson.GetBytes(body, "tx_hash").String()
	if txHash == "" {
		return "", fmt.Errorf("ccip send on %s: response missing tx_hash", route.SourceChain)
	}
	c.log.WithField("tx_hash", txHash).Debug("ccip message submitted")
	return txHash, nil
}

func (c *CCIPAdapter) EstimateFee(ctx context.Context, route Route) (float64, error) {
	return c.cfg.BaseFee, nil
}

// MessageStatus resolves the CCIP explorer state for a source transaction.
// Explorer state codes: 1 in-flight, 2 executed, 3 failed.
func (c *CCIPAdapter) MessageStatus(ctx context.Context, txHash string) (Status, error) {
	if c.cfg.ExplorerURL == "" {
		return StatusUnknown, nil
	}

	body, err := c.client("explorer").GetRaw(ctx, c.cfg.ExplorerURL+"/message?txHash="+txHash)
	if err != nil {
		c.log.WithError(err).Debug("ccip explorer query failed")
		return StatusUnknown, nil
	}

	if committed := gjson.GetBytes(body, "data.commit_store_committed").Bool(); committed {
		if gjson.GetBytes(body, "data.state").Int() == 2 {
			return StatusDelivered, nil
		}
		return StatusConfirmed, nil
	}

	switch gjson.GetBytes(body, "data.state").Int() {
	case 1:
		return StatusSent, nil
	case 2:
		return StatusDelivered, nil
	case 3:
		return StatusFailed, nil
	default:
		return StatusUnknown, nil
	}
}

func (c *CCIPAdapter) client(key string) *resilience.ResilientClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.clients[key]; ok {
		return cl
	}
	cl := resilience.NewResilientClient(resilience.ClientConfig{
		Resilience: c.rescfg,
		Breaker:    c.breakers.Breaker("ccip:" + key),
	})
	c.clients[key] = cl
	return cl
}
