// Package refund validates eligibility and executes on-chain token refunds.
// Per charge the state machine is no-refund -> refund_requested -> refunded,
// driven by the provider's metadata bag; any failure leaves that state
// untouched so the operation can be retried.
package refund

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/onchaincommerce/refund-demo/internal/chain"
	"github.com/onchaincommerce/refund-demo/internal/events"
	"github.com/onchaincommerce/refund-demo/internal/ledger"
	"github.com/onchaincommerce/refund-demo/internal/model"
)

var (
	refundSuccessCounter    = metrics.GetOrCreateCounter(`refund_total{result="success"}`)
	refundRejectedCounter   = metrics.GetOrCreateCounter(`refund_total{result="rejected"}`)
	refundTxFailedCounter   = metrics.GetOrCreateCounter(`refund_total{result="tx_failed"}`)
	refundMetaFailedCounter = metrics.GetOrCreateCounter(`refund_total{result="metadata_failed"}`)

	refundDurationHistogram = metrics.GetOrCreateHistogram(`refund_duration_milliseconds`)
)

// ChargeStore is the slice of the commerce client the engine needs.
type ChargeStore interface {
	GetCharge(ctx context.Context, chargeID string) (*model.Charge, error)
	UpdateMetadata(ctx context.Context, chargeID string, metadata model.Metadata) (*model.Charge, error)
}

// TokenTransferor moves tokens from the merchant wallet.
type TokenTransferor interface {
	Decimals(ctx context.Context) (uint8, error)
	Transfer(ctx context.Context, recipient string, amount *big.Int) (string, error)
}

// Ledger is the durable refund record. May be nil when no database is
// configured, in which case idempotence rests on the provider metadata
// alone.
type Ledger interface {
	RecordAttempt(ctx context.Context, chargeID, recipient, amountUnits, currency string) (*ledger.RefundEntity, error)
	MarkConfirmed(ctx context.Context, id uuid.UUID, txHash string) error
	FindConfirmed(ctx context.Context, chargeID string) (*ledger.RefundEntity, error)
}

// EventSink publishes lifecycle events downstream, best-effort.
type EventSink interface {
	Publish(ctx context.Context, eventType, chargeID string)
}

// Result of a completed refund.
type Result struct {
	TxHash   string
	Amount   string
	Currency string
}

type Engine struct {
	commerce ChargeStore
	token    TokenTransferor
	ledger   Ledger
	events   EventSink
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(commerce ChargeStore, token TokenTransferor, refunds Ledger, events EventSink, logger *slog.Logger) *Engine {
	return &Engine{
		commerce: commerce,
		token:    token,
		ledger:   refunds,
		events:   events,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockCharge serializes refund processing per charge id. Refunds for
// different charges proceed fully in parallel; within one charge the whole
// check-eligibility-then-mark-refunded sequence runs under this lock, which
// closes the double-spend race between concurrent refund calls.
func (e *Engine) lockCharge(chargeID string) func() {
	e.mu.Lock()
	l, ok := e.locks[chargeID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[chargeID] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Refund sends the first payment's full crypto amount back to the payer and
// records the result in the charge metadata. Partial refunds are not
// supported.
func (e *Engine) Refund(ctx context.Context, chargeID string) (*Result, error) {
	start := time.Now()
	defer func() {
		refundDurationHistogram.Update(float64(time.Since(start).Milliseconds()))
	}()

	unlock := e.lockCharge(chargeID)
	defer unlock()

	if e.ledger != nil {
		confirmed, err := e.ledger.FindConfirmed(ctx, chargeID)
		if err != nil {
			e.logger.ErrorContext(ctx, "Refund ledger lookup failed", "chargeId", chargeID, "error", err)
		} else if confirmed != nil {
			e.logger.WarnContext(ctx, "Refund already confirmed in ledger", "chargeId", chargeID, "txHash", confirmed.TxHash)
			refundRejectedCounter.Inc()
			return nil, ErrAlreadyRefunded
		}
	}

	charge, err := e.commerce.GetCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}

	if charge.Metadata.Bool(model.MetaRefunded) {
		refundRejectedCounter.Inc()
		return nil, ErrAlreadyRefunded
	}

	payment := charge.FirstPayment()
	if payment == nil || payment.Value.Crypto.Amount == "" {
		refundRejectedCounter.Inc()
		return nil, ErrInvalidPayment
	}

	recipient, err := resolveRecipient(charge, payment)
	if err != nil {
		refundRejectedCounter.Inc()
		return nil, err
	}

	decimals, err := e.token.Decimals(ctx)
	if err != nil {
		refundTxFailedCounter.Inc()
		return nil, err
	}

	amount, err := chain.ToBaseUnits(payment.Value.Crypto.Amount, decimals)
	if err != nil {
		refundRejectedCounter.Inc()
		return nil, err
	}

	e.logger.InfoContext(ctx, "Sending refund",
		"chargeId", chargeID,
		"to", recipient,
		"amount", payment.Value.Crypto.Amount,
		"amountUnits", amount.String())

	var attempt *ledger.RefundEntity
	if e.ledger != nil {
		attempt, err = e.ledger.RecordAttempt(ctx, chargeID, recipient, amount.String(), payment.Value.Crypto.Currency)
		if err != nil {
			e.logger.ErrorContext(ctx, "Failed to record refund attempt", "chargeId", chargeID, "error", err)
		}
	}

	// No metadata is written on failure from here on, so a failed transfer
	// leaves the charge refundable.
	txHash, err := e.token.Transfer(ctx, recipient, amount)
	if err != nil {
		refundTxFailedCounter.Inc()
		return nil, err
	}

	if e.ledger != nil && attempt != nil {
		if err := e.ledger.MarkConfirmed(ctx, attempt.ID, txHash); err != nil {
			e.logger.ErrorContext(ctx, "Failed to mark refund confirmed in ledger", "chargeId", chargeID, "txHash", txHash, "error", err)
		}
	}

	merged := charge.Metadata.Merged(model.Metadata{
		model.MetaRefunded:       true,
		model.MetaRefundDate:     time.Now().UTC().Format(time.RFC3339),
		model.MetaRefundTx:       txHash,
		model.MetaRefundAmount:   payment.Value.Crypto.Amount,
		model.MetaRefundCurrency: payment.Value.Crypto.Currency,
	})
	if _, err := e.commerce.UpdateMetadata(ctx, chargeID, merged); err != nil {
		// The transfer is irreversible and already confirmed; report
		// success and log the bookkeeping gap.
		e.logger.ErrorContext(ctx, "Transfer confirmed but metadata update failed", "chargeId", chargeID, "txHash", txHash, "error", err)
		refundMetaFailedCounter.Inc()
	} else {
		refundSuccessCounter.Inc()
	}

	e.events.Publish(ctx, events.TypeChargeRefunded, chargeID)

	return &Result{
		TxHash:   txHash,
		Amount:   payment.Value.Crypto.Amount,
		Currency: payment.Value.Crypto.Currency,
	}, nil
}

// resolveRecipient prefers the address the customer asked to be refunded to
// over the originating payer address.
func resolveRecipient(charge *model.Charge, payment *model.Payment) (string, error) {
	recipient := charge.Metadata.String(model.MetaRefundRequestedBy)
	if recipient == "" {
		if len(payment.PayerAddresses) == 0 {
			return "", errors.Wrap(ErrInvalidAddress, "no payer address on payment")
		}
		recipient = payment.PayerAddresses[0]
	}
	if !chain.ValidAddress(recipient) {
		return "", errors.Wrapf(ErrInvalidAddress, "%s", recipient)
	}
	return recipient, nil
}

// RequestRefund is the customer-initiated sub-flow: it only flags the
// charge as refund-requested, no funds move.
func (e *Engine) RequestRefund(ctx context.Context, chargeID, customerAddress string) (*model.Charge, error) {
	unlock := e.lockCharge(chargeID)
	defer unlock()

	if !chain.ValidAddress(customerAddress) {
		return nil, errors.Wrapf(ErrInvalidAddress, "%s", customerAddress)
	}

	charge, err := e.commerce.GetCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}

	if charge.Metadata.Bool(model.MetaRefunded) {
		return nil, ErrAlreadyRefunded
	}
	if charge.Metadata.Bool(model.MetaRefundRequested) {
		return nil, ErrAlreadyRequested
	}

	merged := charge.Metadata.Merged(model.Metadata{
		model.MetaRefundRequested:   true,
		model.MetaRefundRequestDate: time.Now().UTC().Format(time.RFC3339),
		model.MetaRefundRequestedBy: customerAddress,
	})
	updated, err := e.commerce.UpdateMetadata(ctx, chargeID, merged)
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Charge marked for refund", "chargeId", chargeID, "requestedBy", customerAddress)
	e.events.Publish(ctx, events.TypeRefundRequested, chargeID)

	return updated, nil
}
