// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crosslane-network/settlement_layer/internal/app/domain/message"
	"github.com/crosslane-network/settlement_layer/internal/app/domain/settlement"
	"github.com/crosslane-network/settlement_layer/internal/app/storage"
)

// Store holds messages and settlements in maps guarded by one mutex, which
// also gives the transition+settlement updates their atomicity.
type Store struct {
	mu          sync.RWMutex
	messages    map[string]message.Message
	settlements map[string]settlement.Record
}

var _ storage.MessageStore = (*Store)(nil)
var _ storage.SettlementStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		messages:    make(map[string]message.Message),
		settlements: make(map[string]settlement.Record),
	}
}

// --- MessageStore -----------------------------------------------------------

func (s *Store) CreateMessage(_ context.Context, msg message.Message) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		return message.Message{}, fmt.Errorf("message id is required")
	}
	if _, exists := s.messages[msg.ID]; exists {
		return message.Message{}, storage.ErrDuplicateMessage
	}

	if msg.Status == "" {
		msg.Status = message.StatusPending
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	s.messages[msg.ID] = msg
	return msg, nil
}

func (s *Store) GetMessage(_ context.Context, id string) (message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return message.Message{}, storage.ErrNotFound
	}
	return msg, nil
}

func (s *Store) ListActiveMessages(_ context.Context, cutoff time.Time, limit int) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []message.Message
	for _, msg := range s.messages {
		switch msg.Status {
		case message.StatusPending, message.StatusSent, message.StatusConfirmed:
			if msg.CreatedAt.Before(cutoff) {
				out = append(out, msg)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListRetryCandidates(_ context.Context, maxRetries, limit int) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []message.Message
	for _, msg := range s.messages {
		if msg.Status == message.StatusFailed && msg.RetryCount < maxRetries {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastRetryAt.Before(out[j].LastRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TransitionMessage(_ context.Context, id string, to message.Status) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return message.Message{}, storage.ErrNotFound
	}
	if msg.Status == to {
		return msg, nil
	}
	if !msg.Status.CanTransition(to) {
		return message.Message{}, fmt.Errorf("illegal transition %s -> %s for message %s", msg.Status, to, id)
	}

	msg.Status = to
	s.messages[id] = msg
	return msg, nil
}

func (s *Store) MarkDelivered(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return storage.ErrNotFound
	}
	if msg.Status == message.StatusDelivered {
		return nil
	}
	if !msg.Status.CanTransition(message.StatusDelivered) {
		return fmt.Errorf("illegal transition %s -> %s for message %s", msg.Status, message.StatusDelivered, id)
	}

	msg.Status = message.StatusDelivered
	msg.CompletedAt = time.Now().UTC()
	s.messages[id] = msg

	s.completeSettlementLocked(id)
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id string, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return storage.ErrNotFound
	}
	if msg.Status != message.StatusFailed {
		if !msg.Status.CanTransition(message.StatusFailed) {
			return fmt.Errorf("illegal transition %s -> %s for message %s", msg.Status, message.StatusFailed, id)
		}
		msg.Status = message.StatusFailed
		s.messages[id] = msg
	}

	if terminal {
		s.failSettlementLocked(id, "retries exhausted")
	}
	return nil
}

func (s *Store) RecordRetryAttempt(_ context.Context, id, txHash string, succeeded bool) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return message.Message{}, storage.ErrNotFound
	}
	if msg.Status != message.StatusFailed {
		return message.Message{}, fmt.Errorf("message %s is %s, only failed messages retry", id, msg.Status)
	}

	msg.RetryCount++
	msg.LastRetryAt = time.Now().UTC()
	if succeeded {
		msg.Status = message.StatusPending
		msg.TransactionHash = txHash
	}
	s.messages[id] = msg
	return msg, nil
}

// --- SettlementStore --------------------------------------------------------

func (s *Store) CreateSettlement(_ context.Context, rec settlement.Record) (settlement.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		return settlement.Record{}, fmt.Errorf("settlement id is required")
	}
	if _, exists := s.settlements[rec.ID]; exists {
		return settlement.Record{}, fmt.Errorf("settlement %s already exists", rec.ID)
	}

	now := time.Now().UTC()
	if rec.Status == "" {
		rec.Status = settlement.StatusPending
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.settlements[rec.ID] = rec
	return rec, nil
}

func (s *Store) GetSettlement(_ context.Context, id string) (settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.settlements[id]
	if !ok {
		return settlement.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *Store) ListSettlements(_ context.Context, limit int) ([]settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]settlement.Record, 0, len(s.settlements))
	for _, rec := range s.settlements {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListUnlinkedSettlements(_ context.Context, cutoff time.Time, limit int) ([]settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []settlement.Record
	for _, rec := range s.settlements {
		if rec.Status == settlement.StatusPending && rec.MessageID == "" && rec.CreatedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) LinkMessage(_ context.Context, settlementID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.settlements[settlementID]
	if !ok {
		return storage.ErrNotFound
	}
	rec.MessageID = messageID
	rec.UpdatedAt = time.Now().UTC()
	s.settlements[settlementID] = rec
	return nil
}

func (s *Store) FailSettlement(_ context.Context, settlementID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.settlements[settlementID]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Status = settlement.StatusFailed
	rec.Error = reason
	rec.UpdatedAt = time.Now().UTC()
	s.settlements[settlementID] = rec
	return nil
}

func (s *Store) completeSettlementLocked(messageID string) {
	for id, rec := range s.settlements {
		if rec.MessageID == messageID && rec.Status != settlement.StatusCompleted {
			rec.Status = settlement.StatusCompleted
			rec.UpdatedAt = time.Now().UTC()
			s.settlements[id] = rec
			return
		}
	}
}

func (s *Store) failSettlementLocked(messageID, reason string) {
	for id, rec := range s.settlements {
		if rec.MessageID == messageID && rec.Status != settlement.StatusFailed {
			rec.Status = settlement.StatusFailed
			rec.Error = reason
			rec.UpdatedAt = time.Now().UTC()
			s.settlements[id] = rec
			return
		}
	}
}
