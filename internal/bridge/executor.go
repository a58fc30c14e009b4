package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/crosslane-network/settlement_layer/internal/app/domain/message"
	"github.com/crosslane-network/settlement_layer/pkg/logger"
)

// ErrUnsupportedPair marks a (protocol, chain pair) the executor refuses
// before any network call.
var ErrUnsupportedPair = errors.New("unsupported protocol/chain pair")

// ErrInsufficientFee marks a send whose quoted protocol fee exceeds the
// configured budget. Under-funding is rejected loudly because an underpaid
// message sticks at sent forever.
var ErrInsufficientFee = errors.New("insufficient protocol fee budget")

// ExecutorConfig configures the bridge executor.
type ExecutorConfig struct {
	// ReceiverAddresses maps destination chain to the settlement receiver
	// contract, overriding the defaults per deployment.
	ReceiverAddresses map[string]string
	// MaxFee is the per-send fee budget in source-chain native token.
	MaxFee float64
}

// ExecuteRequest describes one settlement send.
type ExecuteRequest struct {
	Protocol           message.Protocol
	SourceChain        string
	DestinationChain   string
	SourceAddress      string
	DestinationAddress string
	Payload            message.Payload
}

// Executor resolves the adapter for a send, encodes the settlement payload
// for the destination receiver, and submits it.
type Executor struct {
	adapters *Registry
	cfg      ExecutorConfig
	log      *logger.Logger
}

// NewExecutor builds an executor over the closed adapter set.
func NewExecutor(adapters *Registry, cfg ExecutorConfig, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.NewDefault("bridge-executor")
	}
	return &Executor{adapters: adapters, cfg: cfg, log: log}
}

// Execute validates the route, attaches the protocol fee, and submits the
// message. All validation happens before any network call.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (string, error) {
	adapter, err := e.adapters.Adapter(req.Protocol)
	if err != nil {
		return "", err
	}

	src := strings.ToLower(req.SourceChain)
	dst := strings.ToLower(req.DestinationChain)
	if src == dst {
		return "", fmt.Errorf("%w: %s -> %s", ErrUnsupportedPair, src, dst)
	}
	if !adapter.SupportsChain(src) || !adapter.SupportsChain(dst) {
		return "", fmt.Errorf("%w: %s does not route %s -> %s", ErrUnsupportedPair, req.Protocol, src, dst)
	}

	route := Route{
		SourceChain:        src,
		DestinationChain:   dst,
		SourceAddress:      req.SourceAddress,
		DestinationAddress: e.receiverFor(dst, req.DestinationAddress),
	}

	fee, err := adapter.EstimateFee(ctx, route)
	if err != nil {
		return "", fmt.Errorf("estimate fee: %w", err)
	}
	if e.cfg.MaxFee > 0 && fee > e.cfg.MaxFee {
		return "", fmt.Errorf("%w: quoted %f, budget %f", ErrInsufficientFee, fee, e.cfg.MaxFee)
	}

	encoded, err := json.Marshal(req.Payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	txHash, err := adapter.SendMessage(ctx, route, encoded)
	if err != nil {
		return "", err
	}

	e.log.WithField("protocol", req.Protocol).
		WithField("tx_hash", txHash).
		Infof("settlement payload submitted %s -> %s", src, dst)
	return txHash, nil
}

// receiverFor prefers the configured per-chain receiver contract over the
// caller-supplied destination.
func (e *Executor) receiverFor(chain, fallback string) string {
	if addr, ok := e.cfg.ReceiverAddresses[chain]; ok && addr != "" {
		return addr
	}
	return fallback
}
