// Package settlement defines the business transfer record fulfilled by
// exactly one successful cross-chain message.
package settlement

import (
	"time"

	"github.com/crosslane-network/settlement_layer/internal/app/domain/message"
)

// Status is a projection of the linked message: completed iff the message is
// delivered, failed iff the send never produced a message or its retries are
// exhausted.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is a settlement request. It is created before the message exists, so
// a pre-send failure never orphans a message; MessageID stays empty until the
// bridge send succeeds.
type Record struct {
	ID                 string           `json:"id" db:"id"`
	SourceChain        string           `json:"source_chain" db:"source_chain"`
	DestinationChain   string           `json:"destination_chain" db:"destination_chain"`
	SourceAddress      string           `json:"source_address" db:"source_address"`
	DestinationAddress string           `json:"destination_address" db:"destination_address"`
	Asset              string           `json:"asset" db:"asset"`
	Amount             float64          `json:"amount" db:"amount"`
	Protocol           message.Protocol `json:"protocol" db:"protocol"`
	Status             Status           `json:"status" db:"status"`
	MessageID          string           `json:"message_id,omitempty" db:"message_id"`
	Error              string           `json:"error,omitempty" db:"error"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at" db:"updated_at"`
}
