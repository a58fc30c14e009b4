// Package orchestrator is the settlement façade: it initiates settlements
// through the bridge executor, projects their status, and aggregates
// collateral across chains into one USD snapshot.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crosslane-network/settlement_layer/internal/app/domain/collateral"
	"github.com/crosslane-network/settlement_layer/internal/app/domain/message"
	"github.com/crosslane-network/settlement_layer/internal/app/domain/settlement"
	"github.com/crosslane-network/settlement_layer/internal/app/storage"
	"github.com/crosslane-network/settlement_layer/internal/bridge"
	"github.com/crosslane-network/settlement_layer/internal/realtime"
	"github.com/crosslane-network/settlement_layer/pkg/logger"
)

// PriceSource resolves USD prices; the oracle client implements it.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, bool, error)
}

// BalanceSource reads per-chain collateral; the vault client implements it.
type BalanceSource interface {
	Chains() []string
	Asset(chain string) string
	Balance(ctx context.Context, userID, chain string) (float64, error)
}

// Config tunes the orchestrator.
type Config struct {
	// ChainQueryTimeout bounds each per-chain balance query independently,
	// so one slow chain never blocks the snapshot.
	ChainQueryTimeout time.Duration
	// RecoveryMinAge is how long a pending settlement must sit without a
	// linked message before the recovery sweep re-drives it.
	RecoveryMinAge time.Duration
}

// recoveryBatch bounds how many stranded settlements one sweep re-drives.
const recoveryBatch = 50

// Service implements settlement initiation, status projection, and collateral
// snapshots.
type Service struct {
	settlements storage.SettlementStore
	messages    storage.MessageStore
	executor    *bridge.Executor
	balances    BalanceSource
	prices      PriceSource
	publisher   realtime.Publisher
	cfg         Config
	log         *logger.Logger
}

// New constructs the orchestrator service. publisher may be nil.
func New(settlements storage.SettlementStore, messages storage.MessageStore, executor *bridge.Executor,
	balances BalanceSource, prices PriceSource, publisher realtime.Publisher, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("orchestrator")
	}
	if cfg.ChainQueryTimeout <= 0 {
		cfg.ChainQueryTimeout = 5 * time.Second
	}
	if cfg.RecoveryMinAge <= 0 {
		cfg.RecoveryMinAge = 2 * time.Minute
	}
	return &Service{
		settlements: settlements,
		messages:    messages,
		executor:    executor,
		balances:    balances,
		prices:      prices,
		publisher:   publisher,
		cfg:         cfg,
		log:         log,
	}
}

// InitiateRequest describes a settlement to start.
type InitiateRequest struct {
	SourceChain        string
	DestinationChain   string
	SourceAddress      string
	DestinationAddress string
	Asset              string
	Amount             float64
	Protocol           string
}

// InitiateSettlement creates the settlement record, submits the bridge send,
// and links the resulting message. An executor failure marks the settlement
// failed directly: no message row exists, so nothing is ever auto-retried for
// it. The settlement id is returned either way.
func (s *Service) InitiateSettlement(ctx context.Context, req InitiateRequest) (settlement.Record, error) {
	proto, err := message.ParseProtocol(req.Protocol)
	if err != nil {
		return settlement.Record{}, newError(KindUnsupported, err, "%v", err)
	}
	if req.SourceChain == "" || req.DestinationChain == "" {
		return settlement.Record{}, newError(KindValidation, nil, "source and destination chains are required")
	}
	if req.SourceAddress == "" || req.DestinationAddress == "" {
		return settlement.Record{}, newError(KindValidation, nil, "source and destination addresses are required")
	}
	if req.Amount <= 0 {
		return settlement.Record{}, newError(KindValidation, nil, "amount must be positive")
	}
	if strings.TrimSpace(req.Asset) == "" {
		return settlement.Record{}, newError(KindValidation, nil, "asset is required")
	}

	rec, err := s.settlements.CreateSettlement(ctx, settlement.Record{
		ID:                 uuid.NewString(),
		SourceChain:        strings.ToLower(req.SourceChain),
		DestinationChain:   strings.ToLower(req.DestinationChain),
		SourceAddress:      req.SourceAddress,
		DestinationAddress: req.DestinationAddress,
		Asset:              strings.ToUpper(req.Asset),
		Amount:             req.Amount,
		Protocol:           proto,
		Status:             settlement.StatusPending,
	})
	if err != nil {
		return settlement.Record{}, newError(KindInternal, err, "create settlement: %v", err)
	}

	payload := message.Payload{SettlementID: rec.ID, Asset: rec.Asset, Amount: rec.Amount}
	msgID := message.ComputeID(rec.SourceChain, rec.DestinationChain,
		rec.SourceAddress, rec.DestinationAddress, payload, uint64(rec.CreatedAt.UnixNano()))

	txHash, err := s.executor.Execute(ctx, bridge.ExecuteRequest{
		Protocol:           proto,
		SourceChain:        rec.SourceChain,
		DestinationChain:   rec.DestinationChain,
		SourceAddress:      rec.SourceAddress,
		DestinationAddress: rec.DestinationAddress,
		Payload:            payload,
	})
	if err != nil {
		if failErr := s.settlements.FailSettlement(ctx, rec.ID, err.Error()); failErr != nil {
			s.log.WithError(failErr).Error("mark settlement failed after executor error")
		}
		rec.Status = settlement.StatusFailed
		rec.Error = err.Error()
		return rec, s.executorError(err)
	}

	_, err = s.messages.CreateMessage(ctx, message.Message{
		ID:                 msgID,
		Protocol:           proto,
		SourceChain:        rec.SourceChain,
		DestinationChain:   rec.DestinationChain,
		SourceAddress:      rec.SourceAddress,
		DestinationAddress: rec.DestinationAddress,
		Payload:            payload,
		Status:             message.StatusPending,
		TransactionHash:    txHash,
	})
	if err != nil && !errors.Is(err, storage.ErrDuplicateMessage) {
		return rec, newError(KindInternal, err, "persist message: %v", err)
	}

	if err := s.settlements.LinkMessage(ctx, rec.ID, msgID); err != nil {
		return rec, newError(KindInternal, err, "link message: %v", err)
	}
	rec.MessageID = msgID

	s.publish(rec.ID, string(message.StatusPending), txHash, "")
	return rec, nil
}

// RecoverStranded re-drives settlements left pending with no linked message,
// the state a crash between the bridge send and message persistence leaves
// behind. The deterministic message id makes re-driving safe: an existing row
// with the recomputed id is linked without another send, and a re-send
// carries the same id for receiver-side dedup.
func (s *Service) RecoverStranded(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.RecoveryMinAge)
	recs, err := s.settlements.ListUnlinkedSettlements(ctx, cutoff, recoveryBatch)
	if err != nil {
		return fmt.Errorf("list unlinked settlements: %w", err)
	}

	for _, rec := range recs {
		if err := s.recoverSettlement(ctx, rec); err != nil {
			s.log.WithError(err).WithField("settlement_id", rec.ID).Warn("settlement recovery failed")
		}
	}
	return nil
}

func (s *Service) recoverSettlement(ctx context.Context, rec settlement.Record) error {
	payload := message.Payload{SettlementID: rec.ID, Asset: rec.Asset, Amount: rec.Amount}
	msgID := message.ComputeID(rec.SourceChain, rec.DestinationChain,
		rec.SourceAddress, rec.DestinationAddress, payload, uint64(rec.CreatedAt.UnixNano()))

	// The message row survived the crash; only the link is missing.
	if existing, err := s.messages.GetMessage(ctx, msgID); err == nil {
		if err := s.settlements.LinkMessage(ctx, rec.ID, existing.ID); err != nil {
			return fmt.Errorf("link recovered message: %w", err)
		}
		s.publish(rec.ID, string(existing.Status), existing.TransactionHash, "")
		return nil
	}

	txHash, err := s.executor.Execute(ctx, bridge.ExecuteRequest{
		Protocol:           rec.Protocol,
		SourceChain:        rec.SourceChain,
		DestinationChain:   rec.DestinationChain,
		SourceAddress:      rec.SourceAddress,
		DestinationAddress: rec.DestinationAddress,
		Payload:            payload,
	})
	if err != nil {
		if failErr := s.settlements.FailSettlement(ctx, rec.ID, err.Error()); failErr != nil {
			s.log.WithError(failErr).Error("mark settlement failed during recovery")
		}
		s.publish(rec.ID, string(settlement.StatusFailed), "", err.Error())
		return s.executorError(err)
	}

	if _, err := s.messages.CreateMessage(ctx, message.Message{
		ID:                 msgID,
		Protocol:           rec.Protocol,
		SourceChain:        rec.SourceChain,
		DestinationChain:   rec.DestinationChain,
		SourceAddress:      rec.SourceAddress,
		DestinationAddress: rec.DestinationAddress,
		Payload:            payload,
		Status:             message.StatusPending,
		TransactionHash:    txHash,
	}); err != nil && !errors.Is(err, storage.ErrDuplicateMessage) {
		return fmt.Errorf("persist recovered message: %w", err)
	}

	if err := s.settlements.LinkMessage(ctx, rec.ID, msgID); err != nil {
		return fmt.Errorf("link message: %w", err)
	}
	s.publish(rec.ID, string(message.StatusPending), txHash, "")
	return nil
}

// StatusView is the read-only projection of a settlement and its message.
type StatusView struct {
	Settlement settlement.Record `json:"settlement"`
	Message    *message.Message  `json:"message,omitempty"`
}

// SettlementStatus projects a settlement with its linked message.
func (s *Service) SettlementStatus(ctx context.Context, id string) (StatusView, error) {
	rec, err := s.settlements.GetSettlement(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return StatusView{}, newError(KindNotFound, err, "settlement %s not found", id)
		}
		return StatusView{}, newError(KindInternal, err, "load settlement: %v", err)
	}

	view := StatusView{Settlement: rec}
	if rec.MessageID != "" {
		if msg, err := s.messages.GetMessage(ctx, rec.MessageID); err == nil {
			view.Message = &msg
		}
	}
	return view, nil
}

// CollateralSnapshot aggregates the user's balances across every configured
// chain concurrently, each query under its own timeout. Unreachable chains
// contribute zero with a warning; oracle failure degrades to the static
// fallback table.
func (s *Service) CollateralSnapshot(ctx context.Context, userID string) (collateral.Snapshot, error) {
	if strings.TrimSpace(userID) == "" {
		return collateral.Snapshot{}, newError(KindValidation, nil, "user id is required")
	}

	chains := s.balances.Chains()
	snap := collateral.Snapshot{
		UserID:      userID,
		PriceSource: collateral.PriceSourceOracle,
		ComputedAt:  time.Now().UTC(),
	}

	type result struct {
		chain   string
		balance float64
		err     error
	}
	results := make([]result, len(chains))

	var wg sync.WaitGroup
	for i, chain := range chains {
		wg.Add(1)
		go func(i int, chain string) {
			defer wg.Done()
			qctx, cancel := context.WithTimeout(ctx, s.cfg.ChainQueryTimeout)
			defer cancel()
			bal, err := s.balances.Balance(qctx, userID, chain)
			results[i] = result{chain: chain, balance: bal, err: err}
		}(i, chain)
	}
	wg.Wait()

	for _, res := range results {
		if res.err != nil {
			snap.Warnings = append(snap.Warnings, "chain "+res.chain+" unavailable: "+res.err.Error())
			snap.Balances = append(snap.Balances, collateral.ChainBalance{
				Chain: res.chain,
				Asset: s.balances.Asset(res.chain),
			})
			continue
		}

		asset := s.balances.Asset(res.chain)
		price, fromFallback, err := s.prices.Price(ctx, asset)
		if err != nil {
			snap.Warnings = append(snap.Warnings, "no price for "+asset+" on "+res.chain)
			snap.Balances = append(snap.Balances, collateral.ChainBalance{
				Chain: res.chain, Asset: asset, Balance: res.balance,
			})
			continue
		}
		if fromFallback {
			snap.PriceSource = collateral.PriceSourceFallback
		}

		usd := res.balance * price
		snap.TotalUSD += usd
		snap.Balances = append(snap.Balances, collateral.ChainBalance{
			Chain: res.chain, Asset: asset, Balance: res.balance, USD: usd,
		})
	}

	return snap, nil
}

func (s *Service) executorError(err error) error {
	switch {
	case errors.Is(err, bridge.ErrUnsupportedPair), errors.Is(err, bridge.ErrUnsupportedChain):
		return newError(KindUnsupported, err, "%v", err)
	case errors.Is(err, bridge.ErrInsufficientFee):
		return newError(KindValidation, err, "%v", err)
	default:
		return newError(KindUnavailable, err, "bridge send failed: %v", err)
	}
}

func (s *Service) publish(settlementID, status, txHash, errMsg string) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(realtime.StatusUpdate{
		CommandID:       settlementID,
		Status:          status,
		Timestamp:       time.Now().UTC(),
		TransactionHash: txHash,
		Error:           errMsg,
	})
}
