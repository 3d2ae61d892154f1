// Package ledger keeps a durable record of refund attempts and
// confirmations. The commerce provider's metadata bag is treated as an
// untrusted eventually-consistent store; this table is what refund
// idempotence is decided on.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RefundRepository struct {
	pool *pgxpool.Pool
}

func NewRefundRepository(pool *pgxpool.Pool) *RefundRepository {
	return &RefundRepository{pool: pool}
}

// RecordAttempt inserts a new attempt row before the transfer is submitted.
func (r *RefundRepository) RecordAttempt(ctx context.Context, chargeID, recipient, amountUnits, currency string) (*RefundEntity, error) {
	entity := &RefundEntity{
		ID:          uuid.New(),
		ChargeID:    chargeID,
		Recipient:   recipient,
		AmountUnits: amountUnits,
		Currency:    currency,
		CreatedAt:   time.Now(),
	}

	query := `INSERT INTO refund_ledger (id, charge_id, recipient, amount_units, currency, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, entity.ID, entity.ChargeID, entity.Recipient, entity.AmountUnits, entity.Currency, entity.CreatedAt)
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// MarkConfirmed records the mined transaction hash against the attempt.
func (r *RefundRepository) MarkConfirmed(ctx context.Context, id uuid.UUID, txHash string) error {
	query := `UPDATE refund_ledger SET tx_hash = $2, confirmed_at = $3 WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, txHash, time.Now())
	return err
}

// FindConfirmed returns the confirmed refund for a charge, or nil when none
// exists.
func (r *RefundRepository) FindConfirmed(ctx context.Context, chargeID string) (*RefundEntity, error) {
	query := `SELECT id, charge_id, recipient, amount_units, currency, tx_hash, created_at, confirmed_at
	          FROM refund_ledger WHERE charge_id = $1 AND confirmed_at IS NOT NULL
	          ORDER BY confirmed_at LIMIT 1`
	row := r.pool.QueryRow(ctx, query, chargeID)

	var entity RefundEntity
	err := row.Scan(&entity.ID, &entity.ChargeID, &entity.Recipient, &entity.AmountUnits, &entity.Currency,
		&entity.TxHash, &entity.CreatedAt, &entity.ConfirmedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entity, nil
}
