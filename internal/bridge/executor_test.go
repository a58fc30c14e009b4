package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/crosslane-network/settlement_layer/internal/app/domain/message"
	"github.com/crosslane-network/settlement_layer/pkg/logger"
)

// fakeAdapter counts network-facing calls so tests can assert that validation
// happens before any send.
type fakeAdapter struct {
	protocol  message.Protocol
	chains    map[string]bool
	fee       float64
	sendCalls int
	lastRoute Route
	sendErr   error
	status    Status
}

func (f *fakeAdapter) Protocol() message.Protocol { return f.protocol }
func (f *fakeAdapter) SupportsChain(chain string) bool { return f.chains[chain] }

func (f *fakeAdapter) SendMessage(ctx context.Context, route Route, payload []byte) (string, error) {
	f.sendCalls++
	f.lastRoute = route
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "0xtx", nil
}

func (f *fakeAdapter) EstimateFee(ctx context.Context, route Route) (float64, error) {
	return f.fee, nil
}

func (f *fakeAdapter) MessageStatus(ctx context.Context, txHash string) (Status, error) {
	return f.status, nil
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		protocol: message.ProtocolAxelar,
		chains:   map[string]bool{"ethereum": true, "polygon": true},
		fee:      0.01,
	}
}

func executeRequest() ExecuteRequest {
	return ExecuteRequest{
		Protocol:           message.ProtocolAxelar,
		SourceChain:        "Ethereum",
		DestinationChain:   "Polygon",
		SourceAddress:      "0xsender",
		DestinationAddress: "0xdest",
		Payload:            message.Payload{SettlementID: "s-1", Asset: "USDC", Amount: 5},
	}
}

func TestExecutor_Execute(t *testing.T) {
	fake := newFakeAdapter()
	e := NewExecutor(NewAdapterRegistry(fake), ExecutorConfig{MaxFee: 1}, logger.NewNop())

	txHash, err := e.Execute(context.Background(), executeRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if txHash != "0xtx" {
		t.Fatalf("txHash = %s, want 0xtx", txHash)
	}
	if fake.lastRoute.SourceChain != "ethereum" || fake.lastRoute.DestinationChain != "polygon" {
		t.Fatalf("route chains not normalised: %+v", fake.lastRoute)
	}
}

func TestExecutor_RejectsUnsupportedPairBeforeSend(t *testing.T) {
	fake := newFakeAdapter()
	e := NewExecutor(NewAdapterRegistry(fake), ExecutorConfig{MaxFee: 1}, logger.NewNop())

	req := executeRequest()
	req.DestinationChain = "fantom"
	if _, err := e.Execute(context.Background(), req); !errors.Is(err, ErrUnsupportedPair) {
		t.Fatalf("Execute = %v, want ErrUnsupportedPair", err)
	}
	if fake.sendCalls != 0 {
		t.Fatal("send attempted despite failed validation")
	}
}

func TestExecutor_RejectsSameChainRoute(t *testing.T) {
	fake := newFakeAdapter()
	e := NewExecutor(NewAdapterRegistry(fake), ExecutorConfig{}, logger.NewNop())

	req := executeRequest()
	req.DestinationChain = "ethereum"
	if _, err := e.Execute(context.Background(), req); !errors.Is(err, ErrUnsupportedPair) {
		t.Fatalf("Execute = %v, want ErrUnsupportedPair for same-chain route", err)
	}
}

func TestExecutor_RejectsUnknownProtocol(t *testing.T) {
	e := NewExecutor(NewAdapterRegistry(newFakeAdapter()), ExecutorConfig{}, logger.NewNop())

	req := executeRequest()
	req.Protocol = "wormhole"
	if _, err := e.Execute(context.Background(), req); err == nil {
		t.Fatal("Execute accepted an unknown protocol")
	}
}

func TestExecutor_EnforcesFeeBudget(t *testing.T) {
	fake := newFakeAdapter()
	fake.fee = 2.5
	e := NewExecutor(NewAdapterRegistry(fake), ExecutorConfig{MaxFee: 1}, logger.NewNop())

	if _, err := e.Execute(context.Background(), executeRequest()); !errors.Is(err, ErrInsufficientFee) {
		t.Fatalf("Execute = %v, want ErrInsufficientFee", err)
	}
	if fake.sendCalls != 0 {
		t.Fatal("send attempted despite blown fee budget")
	}
}

func TestExecutor_PrefersConfiguredReceiver(t *testing.T) {
	fake := newFakeAdapter()
	e := NewExecutor(NewAdapterRegistry(fake), ExecutorConfig{
		ReceiverAddresses: map[string]string{"polygon": "0xreceiver-contract"},
		MaxFee:            1,
	}, logger.NewNop())

	if _, err := e.Execute(context.Background(), executeRequest()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if fake.lastRoute.DestinationAddress != "0xreceiver-contract" {
		t.Fatalf("destination = %s, want configured receiver", fake.lastRoute.DestinationAddress)
	}
}
