// Package storage declares the persistence interfaces for the settlement
// layer. Implementations must apply each status transition and its dependent
// settlement update atomically, so a crash mid-cycle leaves a state the next
// monitor tick can re-process.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/crosslane-network/settlement_layer/internal/app/domain/message"
	"github.com/crosslane-network/settlement_layer/internal/app/domain/settlement"
)

// ErrNotFound is returned when a message or settlement does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when a message with the same deterministic
// id already exists.
var ErrDuplicateMessage = errors.New("message id already exists")

// MessageStore persists cross-chain messages and enforces their transition
// rules.
type MessageStore interface {
	// CreateMessage inserts a new message. The id must be unique;
	// ErrDuplicateMessage signals a duplicate logical send.
	CreateMessage(ctx context.Context, msg message.Message) (message.Message, error)
	GetMessage(ctx context.Context, id string) (message.Message, error)

	// ListActiveMessages returns messages with status pending, sent or
	// confirmed created before cutoff, oldest first, up to limit.
	ListActiveMessages(ctx context.Context, cutoff time.Time, limit int) ([]message.Message, error)

	// ListRetryCandidates returns failed messages that still have retry
	// budget, oldest retry first, up to limit. Backoff eligibility is the
	// coordinator's concern.
	ListRetryCandidates(ctx context.Context, maxRetries, limit int) ([]message.Message, error)

	// TransitionMessage moves a message along the lifecycle. Transitioning
	// to the current status is a no-op; an illegal transition is an error.
	TransitionMessage(ctx context.Context, id string, to message.Status) (message.Message, error)

	// MarkDelivered marks the message delivered and completes the linked
	// settlement in the same unit of work. Calling it on an already
	// delivered message changes nothing.
	MarkDelivered(ctx context.Context, id string) error

	// MarkFailed marks the message failed. When terminal is set the linked
	// settlement is failed in the same unit of work.
	MarkFailed(ctx context.Context, id string, terminal bool) error

	// RecordRetryAttempt advances retry bookkeeping after a resubmission.
	// On success the message returns to pending with the new transaction
	// hash; on failure it stays failed. Either way retry_count and
	// last_retry_at advance so a down dependency cannot cause a tight loop.
	RecordRetryAttempt(ctx context.Context, id, txHash string, succeeded bool) (message.Message, error)
}

// SettlementStore persists settlement records.
type SettlementStore interface {
	CreateSettlement(ctx context.Context, rec settlement.Record) (settlement.Record, error)
	GetSettlement(ctx context.Context, id string) (settlement.Record, error)
	ListSettlements(ctx context.Context, limit int) ([]settlement.Record, error)

	// ListUnlinkedSettlements returns pending settlements with no linked
	// message created before cutoff, oldest first, up to limit. These are
	// the rows a crash between the bridge send and message persistence
	// leaves behind.
	ListUnlinkedSettlements(ctx context.Context, cutoff time.Time, limit int) ([]settlement.Record, error)

	// LinkMessage attaches the message created for this settlement.
	LinkMessage(ctx context.Context, settlementID, messageID string) error

	// FailSettlement marks the settlement failed with a reason. Used when
	// the send fails before any message exists.
	FailSettlement(ctx context.Context, settlementID, reason string) error
}
