// Package monitor polls bridge protocols for the state of in-flight messages
// and advances the local lifecycle to match. Each poll cycle is a pure
// function of store state, so an interrupted cycle is simply re-run.
package monitor

import (
	"context"
	"time"

	"github.com/crosslane-network/settlement_layer/internal/app/domain/message"
	"github.com/crosslane-network/settlement_layer/internal/app/metrics"
	"github.com/crosslane-network/settlement_layer/internal/app/storage"
	"github.com/crosslane-network/settlement_layer/internal/bridge"
	"github.com/crosslane-network/settlement_layer/internal/realtime"
	"github.com/crosslane-network/settlement_layer/pkg/logger"
)

// Config tunes the monitor.
type Config struct {
	// BatchSize caps how many messages one tick examines.
	BatchSize int
	// MinAge keeps just-submitted messages out of the poll window until the
	// protocol has had a chance to index the transaction.
	MinAge time.Duration
	// MaxRetries is the shared automatic retry budget; a protocol-reported
	// failure past it fails the settlement terminally.
	MaxRetries int
}

// Service advances message lifecycles from protocol-reported status.
type Service struct {
	messages  storage.MessageStore
	adapters  *bridge.Registry
	publisher realtime.Publisher
	cfg       Config
	log       *logger.Logger
}

// New constructs the monitor. publisher may be nil.
func New(messages storage.MessageStore, adapters *bridge.Registry, publisher realtime.Publisher, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("message-monitor")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MinAge < 0 {
		cfg.MinAge = 0
	}
	return &Service{
		messages:  messages,
		adapters:  adapters,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
	}
}

// Tick runs one poll cycle over active messages. A failure on one message is
// logged and never blocks the rest of the batch.
func (s *Service) Tick(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.MinAge)
	msgs, err := s.messages.ListActiveMessages(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.process(ctx, msg); err != nil {
			s.log.WithError(err).WithField("message_id", msg.ID).Warn("poll cycle skipped message")
		}
	}
	return nil
}

func (s *Service) process(ctx context.Context, msg message.Message) error {
	// A pending message with a transaction hash has already reached the
	// source chain; that transition needs no protocol round trip.
	if msg.Status == message.StatusPending {
		if msg.TransactionHash == "" {
			return nil
		}
		updated, err := s.messages.TransitionMessage(ctx, msg.ID, message.StatusSent)
		if err != nil {
			return err
		}
		msg = updated
		s.publish(msg, message.StatusSent, "")
	}

	adapter, err := s.adapters.Adapter(msg.Protocol)
	if err != nil {
		return err
	}
	reported, err := adapter.MessageStatus(ctx, msg.TransactionHash)
	if err != nil {
		return err
	}

	switch reported {
	case bridge.StatusConfirmed:
		return s.advance(ctx, msg, message.StatusConfirmed)
	case bridge.StatusDelivered:
		if err := s.advance(ctx, msg, message.StatusConfirmed); err != nil {
			return err
		}
		if err := s.messages.MarkDelivered(ctx, msg.ID); err != nil {
			return err
		}
		s.publish(msg, message.StatusDelivered, "")
		return nil
	case bridge.StatusFailed:
		terminal := msg.RetriesExhausted(s.cfg.MaxRetries)
		if err := s.messages.MarkFailed(ctx, msg.ID, terminal); err != nil {
			return err
		}
		s.publish(msg, message.StatusFailed, "bridge reported failure")
		return nil
	default:
		// pending, sent, or unknown: nothing new.
		return nil
	}
}

// advance walks the message forward one legal step at a time until it reaches
// target, publishing each transition.
func (s *Service) advance(ctx context.Context, msg message.Message, target message.Status) error {
	for _, step := range []message.Status{message.StatusSent, message.StatusConfirmed} {
		if msg.Status.CanTransition(step) && stepLeadsTo(step, target) {
			updated, err := s.messages.TransitionMessage(ctx, msg.ID, step)
			if err != nil {
				return err
			}
			msg = updated
			s.publish(msg, step, "")
		}
		if msg.Status == target {
			return nil
		}
	}
	return nil
}

func stepLeadsTo(step, target message.Status) bool {
	order := map[message.Status]int{
		message.StatusPending:   0,
		message.StatusSent:      1,
		message.StatusConfirmed: 2,
		message.StatusDelivered: 3,
	}
	return order[step] <= order[target]
}

func (s *Service) publish(msg message.Message, status message.Status, errMsg string) {
	metrics.RecordMessageTransition(string(status))
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
