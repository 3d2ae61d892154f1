// Package listing prepares the provider's charge list for the merchant
// portal: only charges that actually received a payment and are still live
// are shown.
package listing

import (
	"context"
	"log/slog"
	"sort"

	"github.com/VictoriaMetrics/metrics"

	"github.com/onchaincommerce/refund-demo/internal/model"
)

// Display statuses derived for the merchant portal.
const (
	StatusPaymentConfirmed = "PAYMENT_CONFIRMED"
	StatusPaymentPending   = "PAYMENT_PENDING"
	StatusUnknown          = "UNKNOWN"
)

var (
	collectSuccessCounter = metrics.GetOrCreateCounter(`charge_listing_total{result="success"}`)
	collectPartialCounter = metrics.GetOrCreateCounter(`charge_listing_total{result="partial"}`)
	collectFailedCounter  = metrics.GetOrCreateCounter(`charge_listing_total{result="failed"}`)
)

// Lister is the slice of the commerce client the collector needs.
type Lister interface {
	ListCharges(ctx context.Context) ([]model.Charge, error)
}

type Collector struct {
	lister Lister
	logger *slog.Logger
}

func NewCollector(lister Lister, logger *slog.Logger) *Collector {
	return &Collector{lister: lister, logger: logger}
}

// Collect returns displayable charges newest-first. A partial provider
// failure still yields the pages that did load; the error is returned only
// when nothing was collected at all.
func (c *Collector) Collect(ctx context.Context) ([]model.Charge, error) {
	charges, err := c.lister.ListCharges(ctx)
	if err != nil {
		if len(charges) == 0 {
			collectFailedCounter.Inc()
			return nil, err
		}
		c.logger.WarnContext(ctx, "Returning partial charge listing", "collected", len(charges), "error", err)
		collectPartialCounter.Inc()
	} else {
		collectSuccessCounter.Inc()
	}

	valid := charges[:0]
	for _, charge := range charges {
		if IsValid(&charge) {
			valid = append(valid, charge)
		}
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].CreatedAt.After(valid[j].CreatedAt)
	})

	return valid, nil
}

// IsValid reports whether a charge belongs in the merchant listing: it must
// have at least one payment and its last timeline status must be PENDING or
// COMPLETED. Charges that never got paid, expired or were canceled are
// excluded.
func IsValid(charge *model.Charge) bool {
	if len(charge.Payments) == 0 {
		return false
	}
	switch charge.Status() {
	case model.TimelinePending, model.TimelineCompleted:
		return true
	}
	return false
}

// DisplayStatus combines the last timeline status and the first payment
// status into a single label. Timeline COMPLETED/PENDING win over the
// payment-derived statuses.
func DisplayStatus(charge *model.Charge) string {
	chargeStatus := charge.Status()
	switch chargeStatus {
	case model.TimelineCompleted, model.TimelinePending:
		return chargeStatus
	}

	if payment := charge.FirstPayment(); payment != nil {
		switch payment.Status {
		case model.PaymentConfirmed:
			return StatusPaymentConfirmed
		case model.PaymentPending:
			return StatusPaymentPending
		}
	}

	if chargeStatus != "" {
		return chargeStatus
	}
	return StatusUnknown
}
