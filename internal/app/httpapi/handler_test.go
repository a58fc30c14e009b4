package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/crosslane-network/settlement_layer/internal/app/domain/collateral"
	"github.com/crosslane-network/settlement_layer/internal/app/domain/message"
	"github.com/crosslane-network/settlement_layer/internal/app/domain/settlement"
	"github.com/crosslane-network/settlement_layer/internal/app/services/orchestrator"
	"github.com/crosslane-network/settlement_layer/internal/app/storage/memory"
	"github.com/crosslane-network/settlement_layer/internal/bridge"
	"github.com/crosslane-network/settlement_layer/internal/resilience"
	"github.com/crosslane-network/settlement_layer/pkg/logger"
)

type stubAdapter struct{}

func (stubAdapter) Protocol() message.Protocol      { return message.ProtocolAxelar }
func (stubAdapter) SupportsChain(chain string) bool { return chain == "ethereum" || chain == "polygon" }
func (stubAdapter) SendMessage(ctx context.Context, route bridge.Route, payload []byte) (string, error) {
	return "0xtx1", nil
}
func (stubAdapter) EstimateFee(ctx context.Context, route bridge.Route) (float64, error) {
	return 0.01, nil
}
func (stubAdapter) MessageStatus(ctx context.Context, txHash string) (bridge.Status, error) {
	return bridge.StatusUnknown, nil
}

type stubBalances struct{}

func (stubBalances) Chains() []string          { return []string{"ethereum"} }
func (stubBalances) Asset(chain string) string { return "USDC" }
func (stubBalances) Balance(ctx context.Context, userID, chain string) (float64, error) {
	return 42, nil
}

type stubPrices struct{}

func (stubPrices) Price(ctx context.Context, symbol string) (float64, bool, error) {
	return 1, false, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *resilience.Registry) {
	t.Helper()
	store := memory.New()
	executor := bridge.NewExecutor(bridge.NewAdapterRegistry(stubAdapter{}),
		bridge.ExecutorConfig{MaxFee: 1}, logger.NewNop())
	orch := orchestrator.New(store, store, executor, stubBalances{}, stubPrices{}, nil,
		orchestrator.Config{}, logger.NewNop())
	breakers := resilience.NewRegistry(resilience.DefaultConfig())

	srv := httptest.NewServer(NewHandler(orch, store, breakers, nil, "", logger.NewNop()))
	t.Cleanup(srv.Close)
	return srv, breakers
}

func initiateBody() string {
	return `{
		"source_chain": "ethereum",
		"destination_chain": "polygon",
		"source_address": "0xsrc",
		"destination_address": "0xdst",
		"asset": "USDC",
		"amount": 25,
		"protocol": "axelar"
	}`
}

func postSettlement(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/settlements", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /settlements: %v", err)
	}
	return resp
}

func TestInitiateSettlementEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postSettlement(t, srv, initiateBody())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var rec settlement.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.ID == "" || rec.MessageID == "" {
		t.Fatalf("record = %+v, want id and message_id set", rec)
	}
	if rec.Status != settlement.StatusPending {
		t.Fatalf("status = %s, want pending", rec.Status)
	}
}

func TestInitiateSettlementEndpoint_RejectsUnknownFields(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postSettlement(t, srv, `{"source_chain": "ethereum", "surprise": true}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown field", resp.StatusCode)
	}
}

func TestInitiateSettlementEndpoint_ValidationError(t *testing.T) {
	srv, _ := newTestServer(t)

	body := strings.Replace(initiateBody(), `"amount": 25`, `"amount": 0`, 1)
	resp := postSettlement(t, srv, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	var payload map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := payload["error"]; !ok {
		t.Fatal("error body missing error field")
	}
}

func TestInitiateSettlementEndpoint_UnsupportedProtocol(t *testing.T) {
	srv, _ := newTestServer(t)

	body := strings.Replace(initiateBody(), `"protocol": "axelar"`, `"protocol": "wormhole"`, 1)
	resp := postSettlement(t, srv, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestSettlementStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postSettlement(t, srv, initiateBody())
	var rec settlement.Record
	json.NewDecoder(resp.Body).Decode(&rec)
	resp.Body.Close()

	statusResp, err := http.Get(srv.URL + "/settlements/" + rec.ID)
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", statusResp.StatusCode)
	}

	var view orchestrator.StatusView
	if err := json.NewDecoder(statusResp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Settlement.ID != rec.ID {
		t.Fatalf("settlement id = %s, want %s", view.Settlement.ID, rec.ID)
	}
	if view.Message == nil || view.Message.TransactionHash != "0xtx1" {
		t.Fatalf("message = %+v, want linked message with tx hash", view.Message)
	}
}

func TestSettlementStatusEndpoint_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/settlements/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListSettlementsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	postSettlement(t, srv, initiateBody()).Body.Close()

	resp, err := http.Get(srv.URL + "/settlements")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var recs []settlement.Record
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("settlements = %d, want 1", len(recs))
	}
}

func TestCollateralEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/collateral/u-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var snap collateral.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.TotalUSD != 42 {
		t.Fatalf("total = %f, want 42", snap.TotalUSD)
	}
}

func TestBreakersEndpoint(t *testing.T) {
	srv, breakers := newTestServer(t)
	breakers.Breaker("axelar:ethereum")

	resp, err := http.Get(srv.URL + "/breakers")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var states map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&states); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if states["axelar:ethereum"] != "closed" {
		t.Fatalf("states = %v, want axelar:ethereum closed", states)
	}
}

func TestAuditEndpointRecordsMutations(t *testing.T) {
	srv, _ := newTestServer(t)

	postSettlement(t, srv, initiateBody()).Body.Close()

	resp, err := http.Get(srv.URL + "/audit")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var entries []auditEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 (GETs are not audited)", len(entries))
	}
	if entries[0].Method != http.MethodPost || entries[0].Path != "/settlements" {
		t.Fatalf("entry = %+v", entries[0])
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v, want status ok", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
