// Package bridge contains the protocol adapters for the supported cross-chain
// messaging networks and the executor that submits settlement payloads through
// them. On-chain gateway and router contracts are consumed strictly as RPC
// endpoints; the wire format past the adapter boundary is protocol-opaque.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslane-network/settlement_layer/internal/app/domain/message"
)

// Status is a protocol-reported message state. Unknown means the adapter has
// no endpoint to ask; status polling treats it as "no news".
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusConfirmed Status = "confirmed"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
)

// Route describes the endpoints of a cross-chain send.
type Route struct {
	SourceChain        string
	DestinationChain   string
	SourceAddress      string
	DestinationAddress string
}

// Adapter is the per-protocol send/status surface.
type Adapter interface {
	Protocol() message.Protocol

	// SupportsChain reports whether the protocol can route through chain.
	SupportsChain(chain string) bool

	// SendMessage submits the payload on the source chain and returns the
	// transaction hash.
	SendMessage(ctx context.Context, route Route, payload []byte) (string, error)

	// EstimateFee quotes the protocol fee for the route, in the source
	// chain's native token.
	EstimateFee(ctx context.Context, route Route) (float64, error)

	// MessageStatus resolves the current protocol-side state for a
	// transaction hash. It returns StatusUnknown, never an error, when no
	// endpoint is configured.
	MessageStatus(ctx context.Context, txHash string) (Status, error)
}

// ErrUnsupportedChain is wrapped by adapters rejecting a chain.
var ErrUnsupportedChain = errors.New("unsupported chain")

// Registry resolves protocol tags to adapters.
type Registry struct {
	adapters map[message.Protocol]Adapter
}

// NewAdapterRegistry builds the closed protocol set.
func NewAdapterRegistry(adapters ...Adapter) *Registry {
	reg := &Registry{adapters: make(map[message.Protocol]Adapter, len(adapters))}
	for _, a := range adapters {
		reg.adapters[a.Protocol()] = a
	}
	return reg
}

// Adapter looks up the adapter for a protocol.
func (r *Registry) Adapter(p message.Protocol) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("unsupported protocol %q", p)
	}
	return a, nil
}
