// Package retrycoord resubmits failed cross-chain messages under the shared
// exponential backoff schedule until the retry budget runs out.
package retrycoord

import (
	"context"
	"time"

	"github.com/crosslane-network/settlement_layer/internal/app/domain/message"
	"github.com/crosslane-network/settlement_layer/internal/app/metrics"
	"github.com/crosslane-network/settlement_layer/internal/app/storage"
	"github.com/crosslane-network/settlement_layer/internal/bridge"
	"github.com/crosslane-network/settlement_layer/internal/realtime"
	"github.com/crosslane-network/settlement_layer/internal/resilience"
	"github.com/crosslane-network/settlement_layer/pkg/logger"
)

// Config tunes the coordinator. Backoff and the retry budget come from the
// shared resilience configuration so HTTP retries and message retries follow
// one schedule.
type Config struct {
	// BatchSize caps how many failed messages one tick considers.
	BatchSize int
	// Resilience supplies MaxRetries and the backoff curve.
	Resilience resilience.Config
}

// Service scans failed messages and resubmits the eligible ones.
type Service struct {
	messages  storage.MessageStore
	executor  *bridge.Executor
	publisher realtime.Publisher
	cfg       Config
	log       *logger.Logger

	now func() time.Time
}

// New constructs the coordinator. publisher may be nil.
func New(messages storage.MessageStore, executor *bridge.Executor, publisher realtime.Publisher, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("retry-coordinator")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Service{
		messages:  messages,
		executor:  executor,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// Tick runs one retry cycle. Failures on individual messages are logged and
// counted against their retry budget without blocking the batch.
func (s *Service) Tick(ctx context.Context) error {
	candidates, err := s.messages.ListRetryCandidates(ctx, s.cfg.Resilience.MaxRetries, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, msg := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.eligible(msg) {
			continue
		}
		if err := s.retry(ctx, msg); err != nil {
			s.log.WithError(err).WithField("message_id", msg.ID).Warn("retry attempt failed")
		}
	}
	return nil
}

// eligible applies the backoff schedule: attempt n may run once
// last_retry_at + backoff(n) has passed. A message that has never been
// retried is eligible immediately.
func (s *Service) eligible(msg message.Message) bool {
	if msg.LastRetryAt.IsZero() {
		return true
	}
	return !s.now().Before(msg.LastRetryAt.Add(s.cfg.Resilience.Backoff(msg.RetryCount)))
}

func (s *Service) retry(ctx context.Context, msg message.Message) error {
	txHash, execErr := s.executor.Execute(ctx, bridge.ExecuteRequest{
		Protocol:           msg.Protocol,
		SourceChain:        msg.SourceChain,
		DestinationChain:   msg.DestinationChain,
		SourceAddress:      msg.SourceAddress,
		DestinationAddress: msg.DestinationAddress,
		Payload:            msg.Payload,
	})

	updated, err := s.messages.RecordRetryAttempt(ctx, msg.ID, txHash, execErr == nil)
	if err != nil {
		return err
	}
	metrics.RecordRetryAttempt(execErr == nil)

	if execErr == nil {
		s.log.WithField("message_id", msg.ID).Infof("resubmitted on attempt %d", updated.RetryCount)
		s.publish(updated, message.StatusPending, "")
		return nil
	}

	// The attempt itself advanced retry bookkeeping; exhaustion is decided on
	// the post-attempt count so a down bridge cannot loop forever.
	if updated.RetriesExhausted(s.cfg.Resilience.MaxRetries) {
		if err := s.messages.MarkFailed(ctx, msg.ID, true); err != nil {
			return err
		}
		s.publish(updated, message.StatusFailed, "retry budget exhausted: "+execErr.Error())
		s.log.WithField("message_id", msg.ID).Warnf("retries exhausted after %d attempts", updated.RetryCount)
		return nil
	}
	return execErr
}

func (s *Service) publish(msg message.Message, status message.Status, errMsg string) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(realtime.StatusUpdate{
		CommandID:       msg.Payload.SettlementID,
		Status:          string(status),
		Timestamp:       time.Now().UTC(),
		TransactionHash: msg.TransactionHash,
		Error:           errMsg,
	})
}
