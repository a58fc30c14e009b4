// Package postgres implements the storage interfaces on PostgreSQL via sqlx.
// Every transition that touches both a message and its settlement runs inside
// one transaction.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/crosslane-network/settlement_layer/internal/app/domain/message"
	"github.com/crosslane-network/settlement_layer/internal/app/domain/settlement"
	"github.com/crosslane-network/settlement_layer/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.MessageStore = (*Store)(nil)
var _ storage.SettlementStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

type messageRow struct {
	ID                 string          `db:"id"`
	Protocol           string          `db:"protocol"`
	SourceChain        string          `db:"source_chain"`
	DestinationChain   string          `db:"destination_chain"`
	SourceAddress      string          `db:"source_address"`
	DestinationAddress string          `db:"destination_address"`
	Payload            json.RawMessage `db:"payload"`
	Status             string          `db:"status"`
	TransactionHash    sql.NullString  `db:"transaction_hash"`
	RetryCount         int             `db:"retry_count"`
	LastRetryAt        sql.NullTime    `db:"last_retry_at"`
	CreatedAt          time.Time       `db:"created_at"`
	CompletedAt        sql.NullTime    `db:"completed_at"`
}

func (r messageRow) toDomain() (message.Message, error) {
	msg := message.Message{
		ID:                 r.ID,
		Protocol:           message.Protocol(r.Protocol),
		SourceChain:        r.SourceChain,
		DestinationChain:   r.DestinationChain,
		SourceAddress:      r.SourceAddress,
		DestinationAddress: r.DestinationAddress,
		Status:             message.Status(r.Status),
		RetryCount:         r.RetryCount,
		CreatedAt:          r.CreatedAt,
	}
	if r.TransactionHash.Valid {
		msg.TransactionHash = r.TransactionHash.String
	}
	if r.LastRetryAt.Valid {
		msg.LastRetryAt = r.LastRetryAt.Time
	}
	if r.CompletedAt.Valid {
		msg.CompletedAt = r.CompletedAt.Time
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &msg.Payload); err != nil {
			return message.Message{}, fmt.Errorf("decode payload for message %s: %w", r.ID, err)
		}
	}
	return msg, nil
}

const messageColumns = `id, protocol, source_chain, destination_chain, source_address,
	destination_address, payload, status, transaction_hash, retry_count,
	last_retry_at, created_at, completed_at`

// --- MessageStore -----------------------------------------------------------

func (s *Store) CreateMessage(ctx context.Context, msg message.Message) (message.Message, error) {
	if msg.ID == "" {
		return message.Message{}, fmt.Errorf("message id is required")
	}
	if msg.Status == "" {
		msg.Status = message.StatusPending
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(msg.Payload)
	if err != nil {
		return message.Message{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cross_chain_messages (id, protocol, source_chain, destination_chain,
			source_address, destination_address, payload, status, transaction_hash,
			retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
	`, msg.ID, msg.Protocol, msg.SourceChain, msg.DestinationChain,
		msg.SourceAddress, msg.DestinationAddress, payloadJSON, msg.Status,
		msg.TransactionHash, msg.RetryCount, msg.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return message.Message{}, storage.ErrDuplicateMessage
		}
		return message.Message{}, err
	}
	return msg, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (message.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+messageColumns+`
		FROM cross_chain_messages WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return message.Message{}, storage.ErrNotFound
	}
	if err != nil {
		return message.Message{}, err
	}
	return row.toDomain()
}

func (s *Store) ListActiveMessages(ctx context.Context, cutoff time.Time, limit int) ([]message.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+`
		FROM cross_chain_messages
		WHERE status IN ('pending', 'sent', 'confirmed') AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return rowsToDomain(rows)
}

func (s *Store) ListRetryCandidates(ctx context.Context, maxRetries, limit int) ([]message.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+`
		FROM cross_chain_messages
		WHERE status = 'failed' AND retry_count < $1
		ORDER BY last_retry_at NULLS FIRST
		LIMIT $2
	`, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	return rowsToDomain(rows)
}

func (s *Store) TransitionMessage(ctx context.Context, id string, to message.Status) (message.Message, error) {
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return message.Message{}, err
	}
	if msg.Status == to {
		return msg, nil
	}
	if !msg.Status.CanTransition(to) {
		return message.Message{}, fmt.Errorf("illegal transition %s -> %s for message %s", msg.Status, to, id)
	}

	// Guard on the previous status so a concurrent transition loses cleanly.
	res, err := s.db.ExecContext(ctx, `
		UPDATE cross_chain_messages SET status = $2 WHERE id = $1 AND status = $3
	`, id, to, msg.Status)
	if err != nil {
		return message.Message{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.GetMessage(ctx, id)
	}
	msg.Status = to
	return msg, nil
}

func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE cross_chain_messages
			SET status = 'delivered', completed_at = NOW()
			WHERE id = $1 AND status <> 'delivered'
		`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Already delivered or missing; either way there is nothing
			// left to do and the settlement is untouched.
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE settlement_records
			SET status = 'completed', updated_at = NOW()
			WHERE message_id = $1 AND status <> 'completed'
		`, id)
		return err
	})
}

func (s *Store) MarkFailed(ctx context.Context, id string, terminal bool) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE cross_chain_messages
			SET status = 'failed'
			WHERE id = $1 AND status IN ('pending', 'sent', 'confirmed')
		`, id)
		if err != nil {
			return err
		}
		if !terminal {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE settlement_records
			SET status = 'failed', error = 'retries exhausted', updated_at = NOW()
			WHERE message_id = $1 AND status <> 'failed'
		`, id)
		return err
	})
}

func (s *Store) RecordRetryAttempt(ctx context.Context, id, txHash string, succeeded bool) (message.Message, error) {
	var query string
	if succeeded {
		query = `
			UPDATE cross_chain_messages
			SET status = 'pending', transaction_hash = $2,
				retry_count = retry_count + 1, last_retry_at = NOW()
			WHERE id = $1 AND status = 'failed'
		`
	} else {
		query = `
			UPDATE cross_chain_messages
			SET retry_count = retry_count + 1, last_retry_at = NOW()
			WHERE id = $1 AND status = 'failed'
		`
	}

	var res sql.Result
	var err error
	if succeeded {
		res, err = s.db.ExecContext(ctx, query, id, txHash)
	} else {
		res, err = s.db.ExecContext(ctx, query, id)
	}
	if err != nil {
		return message.Message{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return message.Message{}, fmt.Errorf("message %s is not in failed state", id)
	}
	return s.GetMessage(ctx, id)
}

// --- SettlementStore --------------------------------------------------------

type settlementRow struct {
	ID                 string         `db:"id"`
	SourceChain        string         `db:"source_chain"`
	DestinationChain   string         `db:"destination_chain"`
	SourceAddress      string         `db:"source_address"`
	DestinationAddress string         `db:"destination_address"`
	Asset              string         `db:"asset"`
	Amount             float64        `db:"amount"`
	Protocol           string         `db:"protocol"`
	Status             string         `db:"status"`
	MessageID          sql.NullString `db:"message_id"`
	Error              sql.NullString `db:"error"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r settlementRow) toDomain() settlement.Record {
	rec := settlement.Record{
		ID:                 r.ID,
		SourceChain:        r.SourceChain,
		DestinationChain:   r.DestinationChain,
		SourceAddress:      r.SourceAddress,
		DestinationAddress: r.DestinationAddress,
		Asset:              r.Asset,
		Amount:             r.Amount,
		Protocol:           message.Protocol(r.Protocol),
		Status:             settlement.Status(r.Status),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.MessageID.Valid {
		rec.MessageID = r.MessageID.String
	}
	if r.Error.Valid {
		rec.Error = r.Error.String
	}
	return rec
}

const settlementColumns = `id, source_chain, destination_chain, source_address,
	destination_address, asset, amount, protocol, status, message_id, error,
	created_at, updated_at`

func (s *Store) CreateSettlement(ctx context.Context, rec settlement.Record) (settlement.Record, error) {
	if rec.ID == "" {
		return settlement.Record{}, fmt.Errorf("settlement id is required")
	}
	if rec.Status == "" {
		rec.Status = settlement.StatusPending
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_records (id, source_chain, destination_chain,
			source_address, destination_address, asset, amount, protocol, status,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.SourceChain, rec.DestinationChain, rec.SourceAddress,
		rec.DestinationAddress, rec.Asset, rec.Amount, rec.Protocol, rec.Status,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return settlement.Record{}, err
	}
	return rec, nil
}

func (s *Store) GetSettlement(ctx context.Context, id string) (settlement.Record, error) {
	var row settlementRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+settlementColumns+`
		FROM settlement_records WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return settlement.Record{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListSettlements(ctx context.Context, limit int) ([]settlement.Record, error) {
	var rows []settlementRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+settlementColumns+`
		FROM settlement_records ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]settlement.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *Store) ListUnlinkedSettlements(ctx context.Context, cutoff time.Time, limit int) ([]settlement.Record, error) {
	var rows []settlementRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+settlementColumns+`
		FROM settlement_records
		WHERE status = 'pending' AND message_id IS NULL AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	out := make([]settlement.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *Store) LinkMessage(ctx context.Context, settlementID, messageID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE settlement_records SET message_id = $2, updated_at = NOW() WHERE id = $1
	`, settlementID, messageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) FailSettlement(ctx context.Context, settlementID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE settlement_records SET status = 'failed', error = $2, updated_at = NOW() WHERE id = $1
	`, settlementID, reason)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- helpers ----------------------------------------------------------------

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func rowsToDomain(rows []messageRow) ([]message.Message, error) {
	out := make([]message.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}
