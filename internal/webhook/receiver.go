// Package webhook processes payment-provider callbacks. charge:pending is
// the success trigger: at that point the payment has been detected on chain
// and the merchant has the funds.
package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/onchaincommerce/refund-demo/internal/events"
	"github.com/onchaincommerce/refund-demo/internal/model"
	"github.com/onchaincommerce/refund-demo/internal/tracker"
)

const (
	// EventChargePending marks a detected (not yet confirmed) payment.
	EventChargePending = "charge:pending"

	maxStoredEvents = 10
)

var (
	eventProcessedCounter      = metrics.GetOrCreateCounter(`webhook_events_total{result="processed"}`)
	eventIgnoredCounter        = metrics.GetOrCreateCounter(`webhook_events_total{result="ignored"}`)
	eventMetadataFailedCounter = metrics.GetOrCreateCounter(`webhook_events_total{result="metadata_failed"}`)
)

// MetadataUpdater is the slice of the commerce client the receiver needs.
type MetadataUpdater interface {
	UpdateMetadata(ctx context.Context, chargeID string, metadata model.Metadata) (*model.Charge, error)
}

// EventSink publishes lifecycle events downstream, best-effort.
type EventSink interface {
	Publish(ctx context.Context, eventType, chargeID string)
}

// EventRecord is a recently processed webhook, kept for diagnostics.
type EventRecord struct {
	Type       string    `json:"type"`
	ChargeID   string    `json:"chargeId"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type Receiver struct {
	pending  *tracker.PendingSet
	commerce MetadataUpdater
	events   EventSink
	logger   *slog.Logger

	mu     sync.Mutex
	recent []EventRecord
}

func NewReceiver(pending *tracker.PendingSet, commerce MetadataUpdater, events EventSink, logger *slog.Logger) *Receiver {
	return &Receiver{
		pending:  pending,
		commerce: commerce,
		events:   events,
		logger:   logger,
	}
}

// Process handles a signature-verified event envelope. The tracker is
// updated before the provider metadata call so a metadata failure cannot
// stop the client-facing poll from succeeding; that failure is logged and
// swallowed, keeping the webhook response 200 and avoiding provider retry
// storms.
func (r *Receiver) Process(ctx context.Context, event model.WebhookEvent) {
	r.remember(event)

	if event.Type != EventChargePending {
		r.logger.InfoContext(ctx, "Ignoring webhook event", "type", event.Type, "chargeId", event.Data.ID)
		eventIgnoredCounter.Inc()
		return
	}

	charge := event.Data
	r.pending.Add(charge.ID)
	r.logger.InfoContext(ctx, "Payment marked as pending", "chargeId", charge.ID)

	merged := charge.Metadata.Merged(model.Metadata{
		model.MetaRefundEligible:   true,
		model.MetaPaymentPendingAt: time.Now().UTC().Format(time.RFC3339),
	})
	if _, err := r.commerce.UpdateMetadata(ctx, charge.ID, merged); err != nil {
		r.logger.ErrorContext(ctx, "Failed to update charge metadata", "chargeId", charge.ID, "error", err)
		eventMetadataFailedCounter.Inc()
	} else {
		eventProcessedCounter.Inc()
	}

	r.events.Publish(ctx, events.TypePaymentPending, charge.ID)
}

func (r *Receiver) remember(event model.WebhookEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recent = append([]EventRecord{{
		Type:       event.Type,
		ChargeID:   event.Data.ID,
		ReceivedAt: time.Now(),
	}}, r.recent...)
	if len(r.recent) > maxStoredEvents {
		r.recent = r.recent[:maxStoredEvents]
	}
}

// Recent returns the latest processed events, newest first.
func (r *Receiver) Recent() []EventRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventRecord, len(r.recent))
	copy(out, r.recent)
	return out
}
