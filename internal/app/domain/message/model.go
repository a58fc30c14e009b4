// Package message defines the cross-chain message entity and its transition
// rules. A message is the tracked unit of cross-chain communication carrying
// a settlement payload through a bridge network.
package message

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// Protocol identifies the bridge network relaying a message. The set is
// closed: anything outside the two known variants is rejected at the
// boundary.
type Protocol string

const (
	ProtocolAxelar Protocol = "axelar"
	ProtocolCCIP   Protocol = "ccip"
)

// ParseProtocol validates a protocol tag.
func ParseProtocol(raw string) (Protocol, error) {
	switch Protocol(strings.ToLower(strings.TrimSpace(raw))) {
	case ProtocolAxelar:
		return ProtocolAxelar, nil
	case ProtocolCCIP:
		return ProtocolCCIP, nil
	default:
		return "", fmt.Errorf("unsupported protocol %q", raw)
	}
}

// Status is the message lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusConfirmed Status = "confirmed"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible. Delivered is
// absorbing; failed is terminal only once retries are exhausted, which the
// message tracks separately.
func (s Status) Terminal() bool { return s == StatusDelivered }

// CanTransition enforces the lifecycle:
// pending→sent→confirmed→delivered, any non-terminal state →failed, and
// failed→pending on a retry resubmission.
func (s Status) CanTransition(to Status) bool {
	if s == StatusDelivered {
		return false
	}
	switch to {
	case StatusSent:
		return s == StatusPending
	case StatusConfirmed:
		return s == StatusSent
	case StatusDelivered:
		return s == StatusConfirmed
	case StatusFailed:
		return s == StatusPending || s == StatusSent || s == StatusConfirmed
	case StatusPending:
		return s == StatusFailed
	default:
		return false
	}
}

// Payload is the settlement content relayed to the destination receiver.
type Payload struct {
	SettlementID string  `json:"settlement_id"`
	Asset        string  `json:"asset"`
	Amount       float64 `json:"amount"`
}

// Message is a cross-chain message tracked from submission to delivery.
type Message struct {
	ID                 string    `json:"id" db:"id"`
	Protocol           Protocol  `json:"protocol" db:"protocol"`
	SourceChain        string    `json:"source_chain" db:"source_chain"`
	DestinationChain   string    `json:"destination_chain" db:"destination_chain"`
	SourceAddress      string    `json:"source_address" db:"source_address"`
	DestinationAddress string    `json:"destination_address" db:"destination_address"`
	Payload            Payload   `json:"payload" db:"-"`
	Status             Status    `json:"status" db:"status"`
	TransactionHash    string    `json:"transaction_hash,omitempty" db:"transaction_hash"`
	RetryCount         int       `json:"retry_count" db:"retry_count"`
	LastRetryAt        time.Time `json:"last_retry_at,omitempty" db:"last_retry_at"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	CompletedAt        time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ComputeID derives the deterministic message id: the keccak256 of the
// routing tuple, payload, and nonce. Two logically identical sends hash to
// the same id, which is what destination-side dedup keys on.
func ComputeID(sourceChain, destChain, sourceAddr, destAddr string, payload Payload, nonce uint64) string {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%.8f|%d",
		strings.ToLower(sourceChain), strings.ToLower(destChain),
		strings.ToLower(sourceAddr), strings.ToLower(destAddr),
		payload.SettlementID, strings.ToUpper(payload.Asset), payload.Amount, nonce)
	return hex.EncodeToString(h.Sum(nil))
}

// RetriesExhausted reports whether the message has consumed its automatic
// retry budget.
func (m *Message) RetriesExhausted(maxRetries int) bool {
	return m.RetryCount >= maxRetries
}
