// Package events publishes charge lifecycle events to Kafka for downstream
// consumers (notifications, analytics). Publishing is best-effort: a broker
// failure never fails the request that produced the event.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/onchaincommerce/refund-demo/internal/config"
)

const (
	TypePaymentPending  = "payment.pending"
	TypeChargeRefunded  = "charge.refunded"
	TypeRefundRequested = "refund.requested"
)

const (
	defaultBatchSize      = 100
	defaultBatchTimeoutMs = 100
)

var (
	publishSuccessCounter = metrics.GetOrCreateCounter(`charge_events_total{result="published"}`)
	publishFailedCounter  = metrics.GetOrCreateCounter(`charge_events_total{result="failed"}`)
)

type ChargeEvent struct {
	ID         uuid.UUID `json:"id"`
	ChargeID   string    `json:"chargeId"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
}

func NewWriter(cfg config.Kafka) *kafka.Writer {
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = defaultBatchSize
	}
	batchTimeout := cfg.BatchTimeoutMs
	if batchTimeout == 0 {
		batchTimeout = defaultBatchTimeoutMs
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.BrokerURL),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.ReferenceHash{},
		BatchSize:              batchSize,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           time.Duration(batchTimeout) * time.Millisecond,
		Async:                  false,
		AllowAutoTopicCreation: false,
	}
}

type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewPublisher wraps a Kafka writer. A nil writer yields a no-op publisher,
// used when no broker is configured.
func NewPublisher(writer *kafka.Writer, logger *slog.Logger) *Publisher {
	return &Publisher{writer: writer, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, eventType, chargeID string) {
	if p == nil || p.writer == nil {
		return
	}

	event := ChargeEvent{
		ID:         uuid.New(),
		ChargeID:   chargeID,
		Type:       eventType,
		OccurredAt: time.Now(),
	}

	value, _ := json.Marshal(event)

	// Charge id as key keeps per-charge ordering.
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(chargeID),
		Value: value,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "Error publishing charge event", "type", eventType, "chargeId", chargeID, "error", err)
		publishFailedCounter.Inc()
		return
	}
	publishSuccessCounter.Inc()
}
